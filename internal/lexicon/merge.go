package lexicon

import (
	"context"
	"errors"
	"time"

	"github.com/kotonoha-labs/kotonoha/backend/internal/fault"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opMergeItems = "lexicon.merge_items"

	reasonVersionReadFailed   = "version_read_failed"
	reasonEntryUpsertFailed   = "entry_upsert_failed"
	reasonHistoryInsertFailed = "history_insert_failed"

	mergedSource = "changeset"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// EngineConfig describes the dependencies for the merge engine.
type EngineConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Engine applies approved changeset items to the canonical lexicon. Merges
// are last-writer-wins per headword: concurrent merges both succeed, each
// claims a distinct version, and history keeps every version.
type Engine struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewEngine constructs the merge engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, fault.Wrap(fault.KindUnknown, "lexicon.engine.new.missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{db: cfg.Database, clock: clock, logger: logger}, nil
}

// MergeItems commits every patch of an approved changeset: re-validate,
// upsert the canonical entry at the next version, append a history snapshot.
func (e *Engine) MergeItems(ctx context.Context, changesetID, mergedBy string, patches []EntryPatch) error {
	for _, patch := range patches {
		if err := patch.Validate(); err != nil {
			return err
		}
		if err := e.mergeOne(ctx, changesetID, mergedBy, patch); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) mergeOne(ctx context.Context, changesetID, mergedBy string, patch EntryPatch) error {
	var current CanonicalEntry
	currentVersion := int64(0)
	err := e.db.WithContext(ctx).
		Where("headword_norm = ?", patch.HeadwordNorm).
		Take(&current).Error
	if err == nil {
		currentVersion = current.VersionInt
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		e.logError(opMergeItems, reasonVersionReadFailed, err, zap.String("headword", patch.HeadwordNorm))
		return fault.Wrap(fault.KindUnknown, opMergeItems+"."+reasonVersionReadFailed, err)
	}

	nextVersion := currentVersion + 1
	now := e.clock().UTC().Unix()
	entry := CanonicalEntry{
		HeadwordNorm:     patch.HeadwordNorm,
		MeaningJaShort:   patch.MeaningJaShort,
		ExampleEnShort:   patch.ExampleEnShort,
		NoteShort:        patch.NoteShort,
		Source:           mergedSource,
		VersionInt:       nextVersion,
		UpdatedAtSeconds: now,
		UpdatedBy:        mergedBy,
	}
	if err := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "headword_norm"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"meaning_ja_short", "example_en_short", "note_short",
				"source", "version_int", "updated_at_s", "updated_by",
			}),
		}).
		Create(&entry).Error; err != nil {
		e.logError(opMergeItems, reasonEntryUpsertFailed, err, zap.String("headword", patch.HeadwordNorm))
		return fault.Wrap(fault.KindUnknown, opMergeItems+"."+reasonEntryUpsertFailed, err)
	}

	snapshot := HistorySnapshot{
		HeadwordNorm:     patch.HeadwordNorm,
		VersionInt:       nextVersion,
		MeaningJaShort:   patch.MeaningJaShort,
		ExampleEnShort:   patch.ExampleEnShort,
		NoteShort:        patch.NoteShort,
		ChangesetID:      changesetID,
		CreatedAtSeconds: now,
	}
	if err := e.db.WithContext(ctx).Create(&snapshot).Error; err != nil {
		e.logError(opMergeItems, reasonHistoryInsertFailed, err,
			zap.String("headword", patch.HeadwordNorm),
			zap.Int64("version", nextVersion))
		return fault.Wrap(fault.KindUnknown, opMergeItems+"."+reasonHistoryInsertFailed, err)
	}
	return nil
}

// Entry returns the live canonical entry for a normalized headword.
func (e *Engine) Entry(ctx context.Context, headwordNorm string) (CanonicalEntry, error) {
	var entry CanonicalEntry
	err := e.db.WithContext(ctx).
		Where("headword_norm = ?", headwordNorm).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CanonicalEntry{}, fault.NotFound("lexicon.entry_not_found")
	}
	if err != nil {
		return CanonicalEntry{}, fault.Wrap(fault.KindUnknown, "lexicon.entry.query_failed", err)
	}
	return entry, nil
}

// History returns the snapshots for a headword ordered by ascending version.
func (e *Engine) History(ctx context.Context, headwordNorm string) ([]HistorySnapshot, error) {
	var snapshots []HistorySnapshot
	if err := e.db.WithContext(ctx).
		Where("headword_norm = ?", headwordNorm).
		Order("version_int ASC").
		Find(&snapshots).Error; err != nil {
		return nil, fault.Wrap(fault.KindUnknown, "lexicon.history.query_failed", err)
	}
	return snapshots, nil
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("lexicon engine error", attrs...)
}
