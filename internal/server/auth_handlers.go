package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kotonoha-labs/kotonoha/backend/internal/quota"
	"github.com/kotonoha-labs/kotonoha/backend/internal/token"
	"go.uber.org/zap"
)

const (
	limiterFamilyEmail = "magic_link_email"
	limiterFamilyIP    = "magic_link_ip"

	tokenErrorInvalid = "TOKEN_INVALID"
	tokenErrorExpired = "TOKEN_EXPIRED"
	tokenErrorUsed    = "TOKEN_USED"
)

type requestLinkPayload struct {
	Email string `json:"email"`
}

// handleRequestLink issues a magic-link token after the three-check gate:
// email window, IP window, then issuance cooldown, in that fixed order with
// the first failure short-circuiting.
func (h *httpHandler) handleRequestLink(c *gin.Context) {
	var request requestLinkPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	email := strings.ToLower(strings.TrimSpace(request.Email))
	if !strings.Contains(email, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email"})
		return
	}
	ctx := c.Request.Context()

	emailDecision, err := h.quota.ConsumeWindow(ctx, limiterFamilyEmail, quota.HashActor(email), h.limits.EmailWindow, h.limits.EmailWindowLimit)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	if !emailDecision.OK {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "retry_after": emailDecision.RetryAfterSeconds})
		return
	}

	ipDecision, err := h.quota.ConsumeWindow(ctx, limiterFamilyIP, quota.HashActor(c.ClientIP()), h.limits.IPWindow, h.limits.IPWindowLimit)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	if !ipDecision.OK {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "retry_after": ipDecision.RetryAfterSeconds})
		return
	}

	lastIssuedAt, err := h.tokens.LastIssuedAtSeconds(ctx, email)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	if remaining := h.quota.CooldownRemaining(lastIssuedAt, h.limits.Cooldown); remaining > 0 {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "retry_after": remaining})
		return
	}

	secret, err := h.tokens.Issue(ctx, email, token.PurposeSignIn, "")
	if err != nil {
		h.respondFault(c, err)
		return
	}

	link := h.limits.BaseURL + "/auth/verify?token=" + url.QueryEscape(secret)
	if err := h.mailer.SendMagicLink(ctx, email, link); err != nil {
		// The token was validly issued; delivery is best-effort.
		h.logger.Warn("magic link delivery failed", zap.Error(err))
	}

	h.maybeSweep(ctx)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleVerify claims the presented secret exactly once and exchanges it for
// a session credential.
func (h *httpHandler) handleVerify(c *gin.Context) {
	rawSecret := strings.TrimSpace(c.Query("token"))
	if rawSecret == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": tokenErrorInvalid})
		return
	}
	ctx := c.Request.Context()

	claim, err := h.tokens.Claim(ctx, rawSecret)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	if !claim.OK {
		c.JSON(http.StatusUnauthorized, gin.H{"error": claimReasonCode(claim.Reason)})
		return
	}

	var userID, email string
	switch claim.Record.Purpose {
	case token.PurposeLinkAccount:
		if err := h.users.RelinkEmail(ctx, claim.Record.TargetUserID, claim.Record.SubjectEmail); err != nil {
			h.respondFault(c, err)
			return
		}
		identity, lookupErr := h.users.User(ctx, claim.Record.TargetUserID)
		if lookupErr != nil {
			h.respondFault(c, lookupErr)
			return
		}
		userID, email = identity.UserID, identity.Email
	default:
		identity, ensureErr := h.users.EnsureUserByEmail(ctx, claim.Record.SubjectEmail)
		if ensureErr != nil {
			h.respondFault(c, ensureErr)
			return
		}
		userID, email = identity.UserID, identity.Email
	}

	accessToken, expiresIn, err := h.sessions.IssueSessionToken(ctx, userID, email)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	apiKey, err := h.tokens.RotateAPIKey(ctx, email, userID)
	if err != nil {
		h.respondFault(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      userID,
		"access_token": accessToken,
		"expires_in":   expiresIn,
		"token_type":   "Bearer",
		"api_key":      apiKey,
	})
}

type linkAccountPayload struct {
	Email string `json:"email"`
}

// handleLinkAccount issues a link-account token binding a new email to the
// signed-in user. Uses the same three-check gate as sign-in requests.
func (h *httpHandler) handleLinkAccount(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request linkAccountPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	email := strings.ToLower(strings.TrimSpace(request.Email))
	if !strings.Contains(email, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email"})
		return
	}
	ctx := c.Request.Context()

	emailDecision, err := h.quota.ConsumeWindow(ctx, limiterFamilyEmail, quota.HashActor(email), h.limits.EmailWindow, h.limits.EmailWindowLimit)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	if !emailDecision.OK {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "retry_after": emailDecision.RetryAfterSeconds})
		return
	}

	ipDecision, err := h.quota.ConsumeWindow(ctx, limiterFamilyIP, quota.HashActor(c.ClientIP()), h.limits.IPWindow, h.limits.IPWindowLimit)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	if !ipDecision.OK {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "retry_after": ipDecision.RetryAfterSeconds})
		return
	}

	lastIssuedAt, err := h.tokens.LastIssuedAtSeconds(ctx, email)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	if remaining := h.quota.CooldownRemaining(lastIssuedAt, h.limits.Cooldown); remaining > 0 {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "retry_after": remaining})
		return
	}

	secret, err := h.tokens.Issue(ctx, email, token.PurposeLinkAccount, userID)
	if err != nil {
		h.respondFault(c, err)
		return
	}

	link := h.limits.BaseURL + "/auth/verify?token=" + url.QueryEscape(secret)
	if err := h.mailer.SendMagicLink(ctx, email, link); err != nil {
		h.logger.Warn("link-account delivery failed", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func claimReasonCode(reason token.ClaimReason) string {
	switch reason {
	case token.ReasonExpired:
		return tokenErrorExpired
	case token.ReasonUsed:
		return tokenErrorUsed
	default:
		return tokenErrorInvalid
	}
}
