// Package token issues and consumes opaque single-use secrets. Only the
// sha256 digest of a secret is ever persisted; consumption is decided by one
// conditional update, so concurrent claims linearize to exactly one success.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/kotonoha-labs/kotonoha/backend/internal/fault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	secretByteLength = 32
	secretPrefix     = "knt"

	opIssue        = "token.issue"
	opClaim        = "token.claim"
	opRotateAPIKey = "token.rotate_api_key"
	opPurgeExpired = "token.purge_expired"

	reasonSecretGenerationFailed = "secret_generation_failed"
	reasonInsertFailed           = "insert_failed"
	reasonUpdateFailed           = "update_failed"
	reasonLookupFailed           = "lookup_failed"
	reasonPurgeFailed            = "purge_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingSubject  = errors.New("subject email is required")
	noOpLogger         = zap.NewNop()
)

// Purpose narrows what a single-use secret may be redeemed for.
type Purpose string

const (
	// PurposeSignIn authenticates a magic-link sign-in.
	PurposeSignIn Purpose = "sign_in"
	// PurposeLinkAccount attaches a new email to an existing account.
	PurposeLinkAccount Purpose = "link_account"
	// PurposeAPIKey materializes a rotated session API key.
	PurposeAPIKey Purpose = "api_key"
)

// ClaimReason distinguishes rejection causes for error messaging only; the
// accept/reject decision is fixed by the conditional update before the reason
// is derived.
type ClaimReason string

const (
	// ReasonInvalid means no row matched the presented secret.
	ReasonInvalid ClaimReason = "invalid"
	// ReasonExpired means the row exists but its expiry has passed.
	ReasonExpired ClaimReason = "expired"
	// ReasonUsed means the secret was already consumed.
	ReasonUsed ClaimReason = "used"
)

// SingleUseToken persists the digest and metadata of an issued secret.
type SingleUseToken struct {
	TokenHash        string  `gorm:"column:token_hash;primaryKey;size:64;not null"`
	SubjectEmail     string  `gorm:"column:subject_email;size:320;not null;index:idx_tokens_subject_created,priority:1"`
	Purpose          Purpose `gorm:"column:purpose;size:32;not null"`
	TargetUserID     string  `gorm:"column:target_user_id;size:190;not null;default:''"`
	ExpiresAtSeconds int64   `gorm:"column:expires_at_s;not null;index"`
	UsedAtSeconds    *int64  `gorm:"column:used_at_s"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null;index:idx_tokens_subject_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (SingleUseToken) TableName() string {
	return "single_use_tokens"
}

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	OK     bool
	Reason ClaimReason
	Record SingleUseToken
}

// StoreConfig describes the dependencies for the token store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	TokenTTL time.Duration
	Logger   *zap.Logger
}

// Store issues and consumes single-use tokens.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	ttl    time.Duration
	logger *zap.Logger
}

const defaultTokenTTL = 15 * time.Minute

// NewStore constructs the token store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fault.Wrap(fault.KindUnknown, "token.store.new.missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, ttl: ttl, logger: logger}, nil
}

// Issue generates a cryptographically random secret, persists its digest with
// metadata and a fixed-TTL expiry, and returns the raw secret. The caller
// delivers it out of band; delivery failure does not undo issuance.
func (s *Store) Issue(ctx context.Context, subjectEmail string, purpose Purpose, targetUserID string) (string, error) {
	subject := normalizeEmail(subjectEmail)
	if subject == "" {
		return "", fault.Wrap(fault.KindValidation, opIssue+".missing_subject", errMissingSubject)
	}

	raw := make([]byte, secretByteLength)
	if _, err := rand.Read(raw); err != nil {
		s.logError(opIssue, reasonSecretGenerationFailed, err)
		return "", fault.Wrap(fault.KindUnknown, opIssue+"."+reasonSecretGenerationFailed, err)
	}
	secret := secretPrefix + "_" + base64.RawURLEncoding.EncodeToString(raw)

	now := s.clock().UTC()
	record := SingleUseToken{
		TokenHash:        hashSecret(secret),
		SubjectEmail:     subject,
		Purpose:          purpose,
		TargetUserID:     targetUserID,
		ExpiresAtSeconds: now.Add(s.ttl).Unix(),
		CreatedAtSeconds: now.Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opIssue, reasonInsertFailed, err, zap.String("purpose", string(purpose)))
		return "", fault.Wrap(fault.KindUnknown, opIssue+"."+reasonInsertFailed, err)
	}
	return secret, nil
}

// Claim consumes the presented secret at most once. The single conditional
// update on used_at and expiry decides acceptance by rows affected; when it
// affects nothing, a secondary read distinguishes used from expired from
// never-existed purely for the response body.
func (s *Store) Claim(ctx context.Context, rawSecret string) (ClaimResult, error) {
	digest := hashSecret(strings.TrimSpace(rawSecret))
	now := s.clock().UTC().Unix()

	result := s.db.WithContext(ctx).
		Model(&SingleUseToken{}).
		Where("token_hash = ? AND used_at_s IS NULL AND expires_at_s >= ?", digest, now).
		Update("used_at_s", now)
	if result.Error != nil {
		s.logError(opClaim, reasonUpdateFailed, result.Error)
		return ClaimResult{}, fault.Wrap(fault.KindUnknown, opClaim+"."+reasonUpdateFailed, result.Error)
	}

	var record SingleUseToken
	err := s.db.WithContext(ctx).
		Where("token_hash = ?", digest).
		Take(&record).Error

	if result.RowsAffected > 0 {
		if err != nil {
			s.logError(opClaim, reasonLookupFailed, err)
			return ClaimResult{}, fault.Wrap(fault.KindUnknown, opClaim+"."+reasonLookupFailed, err)
		}
		return ClaimResult{OK: true, Record: record}, nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ClaimResult{OK: false, Reason: ReasonInvalid}, nil
	}
	if err != nil {
		s.logError(opClaim, reasonLookupFailed, err)
		return ClaimResult{}, fault.Wrap(fault.KindUnknown, opClaim+"."+reasonLookupFailed, err)
	}
	if record.UsedAtSeconds != nil {
		return ClaimResult{OK: false, Reason: ReasonUsed}, nil
	}
	return ClaimResult{OK: false, Reason: ReasonExpired}, nil
}

// RotateAPIKey retires any live API-key secrets for the subject with one
// conditional update, then issues a fresh one. A concurrent rotation simply
// supersedes the older key; no state is ever rolled back.
func (s *Store) RotateAPIKey(ctx context.Context, subjectEmail, targetUserID string) (string, error) {
	subject := normalizeEmail(subjectEmail)
	if subject == "" {
		return "", fault.Wrap(fault.KindValidation, opRotateAPIKey+".missing_subject", errMissingSubject)
	}

	now := s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).
		Model(&SingleUseToken{}).
		Where("subject_email = ? AND purpose = ? AND used_at_s IS NULL", subject, PurposeAPIKey).
		Update("used_at_s", now).Error; err != nil {
		s.logError(opRotateAPIKey, reasonUpdateFailed, err)
		return "", fault.Wrap(fault.KindUnknown, opRotateAPIKey+"."+reasonUpdateFailed, err)
	}
	return s.Issue(ctx, subject, PurposeAPIKey, targetUserID)
}

// LastIssuedAtSeconds returns the creation time of the most recent magic-link
// token for the subject, zero when none exists. Feeds the issuance cooldown
// check; API-key rotations do not count against the cooldown.
func (s *Store) LastIssuedAtSeconds(ctx context.Context, subjectEmail string) (int64, error) {
	var record SingleUseToken
	err := s.db.WithContext(ctx).
		Where("subject_email = ? AND purpose <> ?", normalizeEmail(subjectEmail), PurposeAPIKey).
		Order("created_at_s DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		s.logError(opClaim, reasonLookupFailed, err)
		return 0, fault.Wrap(fault.KindUnknown, "token.last_issued.lookup_failed", err)
	}
	return record.CreatedAtSeconds, nil
}

// PurgeExpired deletes tokens whose expiry is at least the grace period in
// the past. Idempotent; consumed rows inside the grace window are kept for
// cooldown accounting.
func (s *Store) PurgeExpired(ctx context.Context, grace time.Duration) error {
	cutoff := s.clock().UTC().Add(-grace).Unix()
	if err := s.db.WithContext(ctx).
		Where("expires_at_s < ?", cutoff).
		Delete(&SingleUseToken{}).Error; err != nil {
		s.logError(opPurgeExpired, reasonPurgeFailed, err)
		return fault.Wrap(fault.KindUnknown, opPurgeExpired+"."+reasonPurgeFailed, err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("token store error", attrs...)
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
