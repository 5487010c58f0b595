package changeset

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kotonoha-labs/kotonoha/backend/internal/fault"
	"github.com/kotonoha-labs/kotonoha/backend/internal/lexicon"
	"github.com/kotonoha-labs/kotonoha/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreate   = "changeset.create"
	opAddItems = "changeset.add_items"
	opSubmit   = "changeset.submit"
	opReview   = "changeset.review"
	opMerge    = "changeset.merge"
	opClose    = "changeset.close"

	reasonInsertFailed     = "insert_failed"
	reasonQueryFailed      = "query_failed"
	reasonTransitionFailed = "transition_failed"
	reasonTallyFailed      = "tally_failed"
	reasonIDFailed         = "id_generation_failed"

	// approvalQuorum is the count of distinct approving reviewers that
	// auto-approves a changeset.
	approvalQuorum = 2
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingLedger     = errors.New("proofread ledger is required")
	errMissingMerger     = errors.New("merge engine is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues identifiers for changesets, items, and reviews.
type IDProvider interface {
	NewID() (string, error)
}

// ProofreadLedger charges one proofreading token per approval.
type ProofreadLedger interface {
	ConsumeProofreadToken(ctx context.Context, userID string) (bool, error)
}

// Merger commits approved item patches to the canonical lexicon.
type Merger interface {
	MergeItems(ctx context.Context, changesetID, mergedBy string, patches []lexicon.EntryPatch) error
}

// ServiceConfig describes the dependencies for the moderation workflow.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Ledger     ProofreadLedger
	Merger     Merger
	Logger     *zap.Logger
}

// Service advances the changeset state machine. Stateless between calls; the
// store is the only synchronization medium.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	ledger     ProofreadLedger
	merger     Merger
	logger     *zap.Logger
}

// NewService constructs the changeset service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fault.Wrap(fault.KindUnknown, "changeset.service.new.missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fault.Wrap(fault.KindUnknown, "changeset.service.new.missing_id_provider", errMissingIDProvider)
	}
	if cfg.Ledger == nil {
		return nil, fault.Wrap(fault.KindUnknown, "changeset.service.new.missing_ledger", errMissingLedger)
	}
	if cfg.Merger == nil {
		return nil, fault.Wrap(fault.KindUnknown, "changeset.service.new.missing_merger", errMissingMerger)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		ledger:     cfg.Ledger,
		merger:     cfg.Merger,
		logger:     logger,
	}, nil
}

// Create opens a new draft owned by the caller.
func (s *Service) Create(ctx context.Context, createdBy, title, description string) (Changeset, error) {
	if err := validateTitle(title); err != nil {
		return Changeset{}, err
	}
	if err := validateDescription(description); err != nil {
		return Changeset{}, err
	}

	changesetID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, reasonIDFailed, err)
		return Changeset{}, fault.Wrap(fault.KindUnknown, opCreate+"."+reasonIDFailed, err)
	}
	now := s.clock().UTC().Unix()
	record := Changeset{
		ChangesetID:      changesetID,
		Title:            strings.TrimSpace(title),
		Description:      description,
		CreatedBy:        createdBy,
		Status:           StatusDraft,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreate, reasonInsertFailed, err, zap.String("created_by", createdBy))
		return Changeset{}, fault.Wrap(fault.KindUnknown, opCreate+"."+reasonInsertFailed, err)
	}
	return record, nil
}

// Get loads a changeset by id.
func (s *Service) Get(ctx context.Context, changesetID string) (Changeset, error) {
	var record Changeset
	err := s.db.WithContext(ctx).
		Where("changeset_id = ?", changesetID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Changeset{}, fault.NotFound("changeset.not_found")
	}
	if err != nil {
		s.logError(opReview, reasonQueryFailed, err, zap.String("changeset_id", changesetID))
		return Changeset{}, fault.Wrap(fault.KindUnknown, "changeset.get."+reasonQueryFailed, err)
	}
	return record, nil
}

// Items lists the changeset's items in insertion order.
func (s *Service) Items(ctx context.Context, changesetID string) ([]ChangesetItem, error) {
	var items []ChangesetItem
	if err := s.db.WithContext(ctx).
		Where("changeset_id = ?", changesetID).
		Order("item_id ASC").
		Find(&items).Error; err != nil {
		return nil, fault.Wrap(fault.KindUnknown, "changeset.items."+reasonQueryFailed, err)
	}
	return items, nil
}

// Reviews lists the append-only review trail in recording order.
func (s *Service) Reviews(ctx context.Context, changesetID string) ([]Review, error) {
	var reviews []Review
	if err := s.db.WithContext(ctx).
		Where("changeset_id = ?", changesetID).
		Order("created_at_s ASC, review_id ASC").
		Find(&reviews).Error; err != nil {
		return nil, fault.Wrap(fault.KindUnknown, "changeset.reviews."+reasonQueryFailed, err)
	}
	return reviews, nil
}

// AddItems appends validated item patches. Only the owner may add, and only
// while the changeset is a draft or proposal.
func (s *Service) AddItems(ctx context.Context, callerID, changesetID string, patches []lexicon.EntryPatch) ([]ChangesetItem, error) {
	if len(patches) == 0 {
		return nil, fault.Validation("changeset.items_empty")
	}
	record, err := s.Get(ctx, changesetID)
	if err != nil {
		return nil, err
	}
	if record.CreatedBy != callerID {
		return nil, fault.Authorization("changeset.not_owner")
	}
	if record.Status != StatusDraft && record.Status != StatusProposed {
		return nil, fault.StateConflict("changeset.not_editable")
	}
	for _, patch := range patches {
		if err := patch.Validate(); err != nil {
			return nil, err
		}
	}

	now := s.clock().UTC().Unix()
	items := make([]ChangesetItem, 0, len(patches))
	for _, patch := range patches {
		itemID, idErr := s.idProvider.NewID()
		if idErr != nil {
			s.logError(opAddItems, reasonIDFailed, idErr, zap.String("changeset_id", changesetID))
			return nil, fault.Wrap(fault.KindUnknown, opAddItems+"."+reasonIDFailed, idErr)
		}
		items = append(items, ChangesetItem{
			ItemID:           itemID,
			ChangesetID:      changesetID,
			HeadwordNorm:     patch.HeadwordNorm,
			MeaningJaShort:   patch.MeaningJaShort,
			ExampleEnShort:   patch.ExampleEnShort,
			NoteShort:        patch.NoteShort,
			CreatedAtSeconds: now,
		})
	}
	if err := s.db.WithContext(ctx).Create(&items).Error; err != nil {
		s.logError(opAddItems, reasonInsertFailed, err, zap.String("changeset_id", changesetID))
		return nil, fault.Wrap(fault.KindUnknown, opAddItems+"."+reasonInsertFailed, err)
	}
	s.touch(ctx, changesetID)
	return items, nil
}

// Submit moves an owner's non-empty draft or proposal to proposed. The status
// write is conditional on the eligible states, so a concurrent transition
// cannot be overwritten.
func (s *Service) Submit(ctx context.Context, callerID, changesetID string) error {
	record, err := s.Get(ctx, changesetID)
	if err != nil {
		return err
	}
	if record.CreatedBy != callerID {
		return fault.Authorization("changeset.not_owner")
	}
	if record.Status != StatusDraft && record.Status != StatusProposed {
		return fault.StateConflict("changeset.not_submittable")
	}

	var itemCount int64
	if err := s.db.WithContext(ctx).Model(&ChangesetItem{}).
		Where("changeset_id = ?", changesetID).
		Count(&itemCount).Error; err != nil {
		s.logError(opSubmit, reasonQueryFailed, err, zap.String("changeset_id", changesetID))
		return fault.Wrap(fault.KindUnknown, opSubmit+"."+reasonQueryFailed, err)
	}
	if itemCount == 0 {
		return fault.Validation("changeset.no_items")
	}

	result := s.db.WithContext(ctx).Model(&Changeset{}).
		Where("changeset_id = ? AND status IN ?", changesetID, []Status{StatusDraft, StatusProposed}).
		Updates(map[string]interface{}{
			"status":       StatusProposed,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opSubmit, reasonTransitionFailed, result.Error, zap.String("changeset_id", changesetID))
		return fault.Wrap(fault.KindUnknown, opSubmit+"."+reasonTransitionFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.StateConflict("changeset.not_submittable")
	}
	return nil
}

// Review records a reviewer action. Comments carry no role requirement;
// approve and request_changes need at least proofreader, and approve must
// first claim a proofreading token. Reaching the quorum of distinct approvers
// transitions draft|proposed to approved through one conditional write, so
// two reviewers crossing the threshold together cause at most one transition.
func (s *Service) Review(ctx context.Context, callerID string, callerRole users.Role, changesetID string, action ReviewAction, comment string) (Review, error) {
	if err := validateComment(comment); err != nil {
		return Review{}, err
	}
	record, err := s.Get(ctx, changesetID)
	if err != nil {
		return Review{}, err
	}
	if record.Status != StatusDraft && record.Status != StatusProposed {
		return Review{}, fault.StateConflict("changeset.not_reviewable")
	}
	if action != ActionComment && !callerRole.AtLeast(users.RoleProofreader) {
		return Review{}, fault.Authorization("changeset.role_insufficient")
	}

	if action == ActionApprove {
		accepted, ledgerErr := s.ledger.ConsumeProofreadToken(ctx, callerID)
		if ledgerErr != nil {
			return Review{}, ledgerErr
		}
		if !accepted {
			return Review{}, fault.QuotaExhausted("changeset.proofread_budget_exhausted")
		}
	}

	reviewID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opReview, reasonIDFailed, err, zap.String("changeset_id", changesetID))
		return Review{}, fault.Wrap(fault.KindUnknown, opReview+"."+reasonIDFailed, err)
	}
	review := Review{
		ReviewID:         reviewID,
		ChangesetID:      changesetID,
		ReviewerUserID:   callerID,
		Action:           action,
		Comment:          comment,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&review).Error; err != nil {
		s.logError(opReview, reasonInsertFailed, err, zap.String("changeset_id", changesetID))
		return Review{}, fault.Wrap(fault.KindUnknown, opReview+"."+reasonInsertFailed, err)
	}

	switch action {
	case ActionApprove:
		if err := s.maybeApprove(ctx, changesetID); err != nil {
			return Review{}, err
		}
	case ActionRequestChanges:
		result := s.db.WithContext(ctx).Model(&Changeset{}).
			Where("changeset_id = ?", changesetID).
			Updates(map[string]interface{}{
				"status":       StatusDraft,
				"updated_at_s": s.clock().UTC().Unix(),
			})
		if result.Error != nil {
			s.logError(opReview, reasonTransitionFailed, result.Error, zap.String("changeset_id", changesetID))
			return Review{}, fault.Wrap(fault.KindUnknown, opReview+"."+reasonTransitionFailed, result.Error)
		}
	}
	return review, nil
}

func (s *Service) maybeApprove(ctx context.Context, changesetID string) error {
	var approvers int64
	if err := s.db.WithContext(ctx).Model(&Review{}).
		Where("changeset_id = ? AND action = ?", changesetID, ActionApprove).
		Distinct("reviewer_user_id").
		Count(&approvers).Error; err != nil {
		s.logError(opReview, reasonTallyFailed, err, zap.String("changeset_id", changesetID))
		return fault.Wrap(fault.KindUnknown, opReview+"."+reasonTallyFailed, err)
	}
	if approvers < approvalQuorum {
		return nil
	}

	result := s.db.WithContext(ctx).Model(&Changeset{}).
		Where("changeset_id = ? AND status IN ?", changesetID, []Status{StatusDraft, StatusProposed}).
		Updates(map[string]interface{}{
			"status":       StatusApproved,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opReview, reasonTransitionFailed, result.Error, zap.String("changeset_id", changesetID))
		return fault.Wrap(fault.KindUnknown, opReview+"."+reasonTransitionFailed, result.Error)
	}
	return nil
}

// Merge commits the changeset's items through the merge engine and marks the
// changeset merged. Editors may fast-track a proposal without quorum. The
// final status write is conditional, so a concurrent merge wins exactly once.
func (s *Service) Merge(ctx context.Context, callerID string, callerRole users.Role, changesetID string) error {
	if !callerRole.AtLeast(users.RoleEditor) {
		return fault.Authorization("changeset.role_insufficient")
	}
	record, err := s.Get(ctx, changesetID)
	if err != nil {
		return err
	}
	if record.Status != StatusApproved && record.Status != StatusProposed {
		return fault.StateConflict("changeset.not_mergeable")
	}

	items, err := s.Items(ctx, changesetID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fault.Validation("changeset.no_items")
	}

	patches := make([]lexicon.EntryPatch, 0, len(items))
	for _, item := range items {
		patches = append(patches, lexicon.EntryPatch{
			HeadwordNorm:   item.HeadwordNorm,
			MeaningJaShort: item.MeaningJaShort,
			ExampleEnShort: item.ExampleEnShort,
			NoteShort:      item.NoteShort,
		})
	}
	if err := s.merger.MergeItems(ctx, changesetID, callerID, patches); err != nil {
		return err
	}

	now := s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).Model(&Changeset{}).
		Where("changeset_id = ? AND status IN ?", changesetID, []Status{StatusApproved, StatusProposed}).
		Updates(map[string]interface{}{
			"status":       StatusMerged,
			"merged_at_s":  now,
			"updated_at_s": now,
		})
	if result.Error != nil {
		s.logError(opMerge, reasonTransitionFailed, result.Error, zap.String("changeset_id", changesetID))
		return fault.Wrap(fault.KindUnknown, opMerge+"."+reasonTransitionFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.StateConflict("changeset.not_mergeable")
	}
	return nil
}

// Close administratively retires a changeset that has not merged.
func (s *Service) Close(ctx context.Context, callerID string, callerRole users.Role, changesetID string) error {
	if !callerRole.AtLeast(users.RoleMaintainer) {
		return fault.Authorization("changeset.role_insufficient")
	}
	if _, err := s.Get(ctx, changesetID); err != nil {
		return err
	}

	result := s.db.WithContext(ctx).Model(&Changeset{}).
		Where("changeset_id = ? AND status NOT IN ?", changesetID, []Status{StatusMerged, StatusClosed}).
		Updates(map[string]interface{}{
			"status":       StatusClosed,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opClose, reasonTransitionFailed, result.Error, zap.String("changeset_id", changesetID))
		return fault.Wrap(fault.KindUnknown, opClose+"."+reasonTransitionFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.StateConflict("changeset.not_closable")
	}
	return nil
}

func (s *Service) touch(ctx context.Context, changesetID string) {
	_ = s.db.WithContext(ctx).Model(&Changeset{}).
		Where("changeset_id = ?", changesetID).
		Update("updated_at_s", s.clock().UTC().Unix()).Error
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("changeset service error", attrs...)
}
