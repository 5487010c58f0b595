package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/kotonoha-labs/kotonoha/backend/internal/fault"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opConsumeDailyQuota     = "quota.consume_daily_quota"
	opReportUsage           = "quota.report_usage"
	opConsumeProofreadToken = "quota.consume_proofread_token"

	reasonEnsureRowFailed = "ensure_row_failed"
	reasonUnknownKind     = "unknown_kind"
	reasonUpdateFailed    = "update_failed"

	// DefaultProofreadBudget applies before the first usage report of the
	// day: a ceiling that has not been computed yet fails safe at one token.
	DefaultProofreadBudget = 1

	dateLayout = "2006-01-02"
)

// UsageKind identifies a metered daily counter.
type UsageKind string

const (
	// UsageKindCloudOcr meters cloud OCR calls.
	UsageKindCloudOcr UsageKind = "cloud_ocr"
	// UsageKindAiMeaning meters AI meaning-suggestion calls.
	UsageKindAiMeaning UsageKind = "ai_meaning"
)

var errUnknownUsageKind = errors.New("unknown usage kind")

// usageColumns maps each kind to its counter column, closed by construction.
var usageColumns = map[UsageKind]string{
	UsageKindCloudOcr:  "cloud_ocr_calls_today",
	UsageKindAiMeaning: "ai_meaning_calls_today",
}

// ParseUsageKind validates raw input against the closed kind set.
func ParseUsageKind(raw string) (UsageKind, error) {
	kind := UsageKind(raw)
	if _, ok := usageColumns[kind]; !ok {
		return "", fault.Validation("quota.usage_kind_invalid")
	}
	return kind, nil
}

// DailyUsage stores one user's metered counters and proofread budget for one
// UTC calendar day. Counters only move through guarded increments; the
// proofread budget is idempotent derived state overwritten by usage reports.
type DailyUsage struct {
	UserID               string `gorm:"column:user_id;primaryKey;size:190;not null"`
	UsageDate            string `gorm:"column:usage_date;primaryKey;size:10;not null"`
	CloudOcrCallsToday   int64  `gorm:"column:cloud_ocr_calls_today;not null;default:0"`
	AiMeaningCallsToday  int64  `gorm:"column:ai_meaning_calls_today;not null;default:0"`
	MinutesToday         int64  `gorm:"column:minutes_today;not null;default:0"`
	ProofreadTokensToday int64  `gorm:"column:proofread_tokens_today;not null;default:1"`
	ProofreadUsedToday   int64  `gorm:"column:proofread_used_today;not null;default:0"`
	UpdatedAtSeconds     int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DailyUsage) TableName() string {
	return "daily_usage"
}

// ProofreadBudget computes the derived proofread token allowance from the
// reported minutes: one base token plus one per five minutes, capped.
func ProofreadBudget(minutesToday, maxTokens int64) int64 {
	if minutesToday < 0 {
		minutesToday = 0
	}
	budget := minutesToday/5 + 1
	if budget > maxTokens {
		budget = maxTokens
	}
	return budget
}

func (s *Service) today() string {
	return s.clock().UTC().Format(dateLayout)
}

// ensureUsageRow lazily upserts the user's row for today. The insert is a
// no-op on conflict so it never clobbers an in-flight counter.
func (s *Service) ensureUsageRow(ctx context.Context, operation, userID string) (string, error) {
	usageDate := s.today()
	seed := DailyUsage{
		UserID:               userID,
		UsageDate:            usageDate,
		ProofreadTokensToday: DefaultProofreadBudget,
		UpdatedAtSeconds:     s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error; err != nil {
		s.logError(operation, reasonEnsureRowFailed, err, zap.String("user_id", userID))
		return "", fault.Wrap(fault.KindUnknown, operation+"."+reasonEnsureRowFailed, err)
	}
	return usageDate, nil
}

// ConsumeDailyQuota charges one metered call against the user's daily ceiling
// for the given kind. Acceptance is decided by a single conditional increment.
func (s *Service) ConsumeDailyQuota(ctx context.Context, userID string, kind UsageKind, ceiling int64) (bool, error) {
	column, ok := usageColumns[kind]
	if !ok {
		s.logError(opConsumeDailyQuota, reasonUnknownKind, errUnknownUsageKind, zap.String("kind", string(kind)))
		return false, fault.Wrap(fault.KindValidation, opConsumeDailyQuota+"."+reasonUnknownKind, errUnknownUsageKind)
	}
	if ceiling <= 0 {
		return false, nil
	}

	usageDate, err := s.ensureUsageRow(ctx, opConsumeDailyQuota, userID)
	if err != nil {
		return false, err
	}

	result := s.db.WithContext(ctx).
		Model(&DailyUsage{}).
		Where(fmt.Sprintf("user_id = ? AND usage_date = ? AND %s < ?", column), userID, usageDate, ceiling).
		Updates(map[string]interface{}{
			column:         gorm.Expr(column + " + 1"),
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opConsumeDailyQuota, reasonUpdateFailed, result.Error,
			zap.String("user_id", userID),
			zap.String("kind", string(kind)))
		return false, fault.Wrap(fault.KindUnknown, opConsumeDailyQuota+"."+reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ReportUsage records today's study minutes and recomputes the derived
// proofread budget. The budget is idempotent state, so the overwrite is
// unconditional; the consumption counter is left untouched.
func (s *Service) ReportUsage(ctx context.Context, userID string, minutesToday, maxTokens int64) (int64, error) {
	if minutesToday < 0 {
		return 0, fault.Validation("quota.report_usage.minutes_negative")
	}

	usageDate, err := s.ensureUsageRow(ctx, opReportUsage, userID)
	if err != nil {
		return 0, err
	}

	budget := ProofreadBudget(minutesToday, maxTokens)
	result := s.db.WithContext(ctx).
		Model(&DailyUsage{}).
		Where("user_id = ? AND usage_date = ?", userID, usageDate).
		Updates(map[string]interface{}{
			"minutes_today":          minutesToday,
			"proofread_tokens_today": budget,
			"updated_at_s":           s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opReportUsage, reasonUpdateFailed, result.Error, zap.String("user_id", userID))
		return 0, fault.Wrap(fault.KindUnknown, opReportUsage+"."+reasonUpdateFailed, result.Error)
	}
	return budget, nil
}

// ConsumeProofreadToken claims one proofreading token. The ceiling is the
// live budget column read inside the same statement, so a budget raised
// concurrently is honored immediately.
func (s *Service) ConsumeProofreadToken(ctx context.Context, userID string) (bool, error) {
	usageDate, err := s.ensureUsageRow(ctx, opConsumeProofreadToken, userID)
	if err != nil {
		return false, err
	}

	result := s.db.WithContext(ctx).
		Model(&DailyUsage{}).
		Where("user_id = ? AND usage_date = ? AND proofread_used_today < proofread_tokens_today", userID, usageDate).
		Updates(map[string]interface{}{
			"proofread_used_today": gorm.Expr("proofread_used_today + 1"),
			"updated_at_s":         s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opConsumeProofreadToken, reasonUpdateFailed, result.Error, zap.String("user_id", userID))
		return false, fault.Wrap(fault.KindUnknown, opConsumeProofreadToken+"."+reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Usage returns the stored row for the user's current UTC day. A missing row
// yields the zero-usage defaults without creating anything.
func (s *Service) Usage(ctx context.Context, userID string) (DailyUsage, error) {
	usageDate := s.today()
	var row DailyUsage
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND usage_date = ?", userID, usageDate).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DailyUsage{
			UserID:               userID,
			UsageDate:            usageDate,
			ProofreadTokensToday: DefaultProofreadBudget,
		}, nil
	}
	if err != nil {
		return DailyUsage{}, fault.Wrap(fault.KindUnknown, "quota.usage.query_failed", err)
	}
	return row, nil
}
