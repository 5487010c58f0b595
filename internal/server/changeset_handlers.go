package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kotonoha-labs/kotonoha/backend/internal/changeset"
	"github.com/kotonoha-labs/kotonoha/backend/internal/lexicon"
	"github.com/kotonoha-labs/kotonoha/backend/internal/users"
)

type createChangesetPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (h *httpHandler) handleCreateChangeset(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request createChangesetPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.changesets.Create(c.Request.Context(), userID, request.Title, request.Description)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, changesetResponse(record))
}

func (h *httpHandler) handleGetChangeset(c *gin.Context) {
	ctx := c.Request.Context()
	changesetID := c.Param("id")

	record, err := h.changesets.Get(ctx, changesetID)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	items, err := h.changesets.Items(ctx, changesetID)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	reviews, err := h.changesets.Reviews(ctx, changesetID)
	if err != nil {
		h.respondFault(c, err)
		return
	}

	itemPayloads := make([]gin.H, 0, len(items))
	for _, item := range items {
		itemPayloads = append(itemPayloads, gin.H{
			"item_id":          item.ItemID,
			"headword":         item.HeadwordNorm,
			"meaning_ja_short": item.MeaningJaShort,
			"example_en_short": item.ExampleEnShort,
			"note_short":       item.NoteShort,
		})
	}
	reviewPayloads := make([]gin.H, 0, len(reviews))
	for _, review := range reviews {
		reviewPayloads = append(reviewPayloads, gin.H{
			"review_id":    review.ReviewID,
			"reviewer_id":  review.ReviewerUserID,
			"action":       review.Action,
			"comment":      review.Comment,
			"created_at_s": review.CreatedAtSeconds,
		})
	}

	response := changesetResponse(record)
	response["items"] = itemPayloads
	response["reviews"] = reviewPayloads
	c.JSON(http.StatusOK, response)
}

type itemPayload struct {
	Headword       string `json:"headword"`
	MeaningJaShort string `json:"meaning_ja_short"`
	ExampleEnShort string `json:"example_en_short"`
	NoteShort      string `json:"note_short"`
}

type addItemsPayload struct {
	Items []itemPayload `json:"items"`
}

func (h *httpHandler) handleAddItems(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request addItemsPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	patches := make([]lexicon.EntryPatch, 0, len(request.Items))
	for _, item := range request.Items {
		patches = append(patches, lexicon.EntryPatch{
			HeadwordNorm:   lexicon.NormalizeHeadword(item.Headword),
			MeaningJaShort: item.MeaningJaShort,
			ExampleEnShort: item.ExampleEnShort,
			NoteShort:      item.NoteShort,
		})
	}

	items, err := h.changesets.AddItems(c.Request.Context(), userID, c.Param("id"), patches)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "item_count": len(items)})
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.changesets.Submit(c.Request.Context(), userID, c.Param("id")); err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": changeset.StatusProposed})
}

type reviewPayload struct {
	Action  string `json:"action"`
	Comment string `json:"comment"`
}

func (h *httpHandler) handleReview(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request reviewPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	action, err := changeset.ParseReviewAction(request.Action)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	role, err := h.callerRole(c, userID)
	if err != nil {
		h.respondFault(c, err)
		return
	}

	review, err := h.changesets.Review(c.Request.Context(), userID, role, c.Param("id"), action, request.Comment)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "review_id": review.ReviewID})
}

func (h *httpHandler) handleMerge(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	role, err := h.callerRole(c, userID)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	if err := h.changesets.Merge(c.Request.Context(), userID, role, c.Param("id")); err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": changeset.StatusMerged})
}

func (h *httpHandler) handleClose(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	role, err := h.callerRole(c, userID)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	if err := h.changesets.Close(c.Request.Context(), userID, role, c.Param("id")); err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": changeset.StatusClosed})
}

func (h *httpHandler) handleGetEntry(c *gin.Context) {
	entry, err := h.lexicon.Entry(c.Request.Context(), lexicon.NormalizeHeadword(c.Param("headword")))
	if err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"headword":         entry.HeadwordNorm,
		"meaning_ja_short": entry.MeaningJaShort,
		"example_en_short": entry.ExampleEnShort,
		"note_short":       entry.NoteShort,
		"version":          entry.VersionInt,
		"updated_at_s":     entry.UpdatedAtSeconds,
	})
}

func (h *httpHandler) handleGetHistory(c *gin.Context) {
	snapshots, err := h.lexicon.History(c.Request.Context(), lexicon.NormalizeHeadword(c.Param("headword")))
	if err != nil {
		h.respondFault(c, err)
		return
	}
	payloads := make([]gin.H, 0, len(snapshots))
	for _, snapshot := range snapshots {
		payloads = append(payloads, gin.H{
			"version":          snapshot.VersionInt,
			"meaning_ja_short": snapshot.MeaningJaShort,
			"example_en_short": snapshot.ExampleEnShort,
			"note_short":       snapshot.NoteShort,
			"changeset_id":     snapshot.ChangesetID,
			"created_at_s":     snapshot.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"headword": lexicon.NormalizeHeadword(c.Param("headword")), "history": payloads})
}

type grantRolePayload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// handleGrantRole appends a role grant. Requires maintainer privilege, which
// in practice means the admin key or a prior maintainer grant.
func (h *httpHandler) handleGrantRole(c *gin.Context) {
	callerID := c.GetString(userIDContextKey)
	role, err := h.callerRole(c, callerID)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	if !role.AtLeast(users.RoleMaintainer) {
		c.JSON(http.StatusForbidden, gin.H{"error": "role_insufficient"})
		return
	}

	var request grantRolePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	granted := users.ParseRole(request.Role)
	if err := h.users.GrantRole(c.Request.Context(), strings.TrimSpace(request.UserID), granted, callerID); err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "role": granted.String()})
}

func changesetResponse(record changeset.Changeset) gin.H {
	response := gin.H{
		"changeset_id": record.ChangesetID,
		"title":        record.Title,
		"description":  record.Description,
		"created_by":   record.CreatedBy,
		"status":       record.Status,
		"created_at_s": record.CreatedAtSeconds,
		"updated_at_s": record.UpdatedAtSeconds,
	}
	if record.MergedAtSeconds != nil {
		response["merged_at_s"] = *record.MergedAtSeconds
	}
	return response
}
