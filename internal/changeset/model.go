// Package changeset drives the content-moderation workflow: drafts of
// proposed lexicon edits move through review and quorum approval to merge.
// Every status transition is a single conditional write against the store.
package changeset

import (
	"strings"

	"github.com/kotonoha-labs/kotonoha/backend/internal/fault"
)

const (
	maxTitleLength       = 140
	maxDescriptionLength = 1000
	maxCommentLength     = 1000
)

// Status enumerates the closed workflow states.
type Status string

const (
	// StatusDraft is the initial, owner-editable state.
	StatusDraft Status = "draft"
	// StatusProposed marks a changeset submitted for review.
	StatusProposed Status = "proposed"
	// StatusApproved marks quorum reached; awaiting merge.
	StatusApproved Status = "approved"
	// StatusMerged is terminal: items were committed to the lexicon.
	StatusMerged Status = "merged"
	// StatusClosed is terminal: administratively discarded.
	StatusClosed Status = "closed"
)

// ReviewAction enumerates the recorded reviewer verbs.
type ReviewAction string

const (
	// ActionApprove counts toward the approval quorum.
	ActionApprove ReviewAction = "approve"
	// ActionRequestChanges forces the changeset back to draft.
	ActionRequestChanges ReviewAction = "request_changes"
	// ActionComment records feedback without moving state.
	ActionComment ReviewAction = "comment"
)

// ParseReviewAction validates raw input against the closed action set.
func ParseReviewAction(raw string) (ReviewAction, error) {
	switch ReviewAction(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionApprove:
		return ActionApprove, nil
	case ActionRequestChanges:
		return ActionRequestChanges, nil
	case ActionComment:
		return ActionComment, nil
	default:
		return "", fault.Validation("changeset.review_action_invalid")
	}
}

// Changeset is one unit of proposed lexicon work, owned by its creator for
// mutation until merge.
type Changeset struct {
	ChangesetID      string `gorm:"column:changeset_id;primaryKey;size:190;not null"`
	Title            string `gorm:"column:title;size:140;not null"`
	Description      string `gorm:"column:description;size:1000;not null;default:''"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null;index"`
	Status           Status `gorm:"column:status;size:16;not null;default:'draft';index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	MergedAtSeconds  *int64 `gorm:"column:merged_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Changeset) TableName() string {
	return "changesets"
}

// ChangesetItem carries one candidate entry patch; immutable once merged.
type ChangesetItem struct {
	ItemID           string `gorm:"column:item_id;primaryKey;size:190;not null"`
	ChangesetID      string `gorm:"column:changeset_id;size:190;not null;index"`
	HeadwordNorm     string `gorm:"column:headword_norm;size:190;not null"`
	MeaningJaShort   string `gorm:"column:meaning_ja_short;size:200;not null"`
	ExampleEnShort   string `gorm:"column:example_en_short;size:300;not null;default:''"`
	NoteShort        string `gorm:"column:note_short;size:200;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ChangesetItem) TableName() string {
	return "changeset_items"
}

// Review is one append-only audit row; never updated or deleted.
type Review struct {
	ReviewID         string       `gorm:"column:review_id;primaryKey;size:190;not null"`
	ChangesetID      string       `gorm:"column:changeset_id;size:190;not null;index"`
	ReviewerUserID   string       `gorm:"column:reviewer_user_id;size:190;not null"`
	Action           ReviewAction `gorm:"column:action;size:32;not null"`
	Comment          string       `gorm:"column:comment;size:1000;not null;default:''"`
	CreatedAtSeconds int64        `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Review) TableName() string {
	return "changeset_reviews"
}

func validateTitle(title string) error {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return fault.Validation("changeset.title_empty")
	}
	if len(trimmed) > maxTitleLength {
		return fault.Validation("changeset.title_too_long")
	}
	if strings.ContainsAny(trimmed, "\n\r") {
		return fault.Validation("changeset.title_contains_newline")
	}
	return nil
}

func validateDescription(description string) error {
	if len(description) > maxDescriptionLength {
		return fault.Validation("changeset.description_too_long")
	}
	return nil
}

func validateComment(comment string) error {
	if len(comment) > maxCommentLength {
		return fault.Validation("changeset.comment_too_long")
	}
	return nil
}
