// Package quota implements the guarded counters behind every throttling and
// budget decision in the service. All correctness rests on single conditional
// writes against the shared store; no check is ever split from its update.
package quota

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
	opTryIncrement    = "quota.try_increment"
	opPurgeStaleCells = "quota.purge_stale_cells"

	reasonEnsureCellFailed = "ensure_cell_failed"
	reasonIncrementFailed  = "increment_failed"
	reasonPurgeFailed      = "purge_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// CounterCell stores one guarded counter, keyed by limiter key and window
// start. Rows are append/update only and never decremented.
type CounterCell struct {
	LimiterKey         string `gorm:"column:limiter_key;primaryKey;size:190;not null"`
	WindowStartSeconds int64  `gorm:"column:window_start_s;primaryKey;not null"`
	HitCount           int64  `gorm:"column:hit_count;not null;default:0"`
	UpdatedAtSeconds   int64  `gorm:"column:updated_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (CounterCell) TableName() string {
	return "counter_cells"
}

// ServiceConfig describes the dependencies for the quota service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service exposes guarded counters, windowed rate limiting, and the daily
// usage ledger over one relational store.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the quota service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fault.Wrap(fault.KindUnknown, "quota.service.new.missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// TryIncrement attempts to increment a counter cell while it is below the
// supplied ceiling. The predicate and the write are one atomic statement, so
// under any number of concurrent callers the accepted count never exceeds the
// ceiling. A rejection is final and never retried.
func (s *Service) TryIncrement(ctx context.Context, limiterKey string, windowStartSeconds int64, ceiling int64) (bool, error) {
	if ceiling <= 0 {
		return false, nil
	}
	now := s.clock().UTC().Unix()

	seed := CounterCell{
		LimiterKey:         limiterKey,
		WindowStartSeconds: windowStartSeconds,
		HitCount:           0,
		UpdatedAtSeconds:   now,
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error; err != nil {
		s.logError(opTryIncrement, reasonEnsureCellFailed, err, zap.String("limiter_key", limiterKey))
		return false, fault.Wrap(fault.KindUnknown, opTryIncrement+"."+reasonEnsureCellFailed, err)
	}

	result := s.db.WithContext(ctx).
		Model(&CounterCell{}).
		Where("limiter_key = ? AND window_start_s = ? AND hit_count < ?", limiterKey, windowStartSeconds, ceiling).
		Updates(map[string]interface{}{
			"hit_count":    gorm.Expr("hit_count + 1"),
			"updated_at_s": now,
		})
	if result.Error != nil {
		s.logError(opTryIncrement, reasonIncrementFailed, result.Error, zap.String("limiter_key", limiterKey))
		return false, fault.Wrap(fault.KindUnknown, opTryIncrement+"."+reasonIncrementFailed, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// PurgeStaleCells deletes counter cells untouched since the cutoff. The sweep
// is idempotent and only removes rows already past their useful life.
func (s *Service) PurgeStaleCells(ctx context.Context, olderThan time.Duration) error {
	cutoff := s.clock().UTC().Add(-olderThan).Unix()
	if err := s.db.WithContext(ctx).
		Where("updated_at_s < ?", cutoff).
		Delete(&CounterCell{}).Error; err != nil {
		s.logError(opPurgeStaleCells, reasonPurgeFailed, err)
		return fault.Wrap(fault.KindUnknown, opPurgeStaleCells+"."+reasonPurgeFailed, err)
	}
	return nil
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
	s.logger.Error("quota service error", attrs...)
}
