package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kotonoha-labs/kotonoha/backend/internal/fault"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidEmail indicates the supplied address is unusable as an identity.
var ErrInvalidEmail = errors.New("users: invalid email")

// IDProvider issues identifiers for new identities and grants.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
}

// Service manages canonical user identities and role grants.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider IDProvider
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: cfg.IDProvider,
	}, nil
}

// EnsureUserByEmail returns the identity holding the verified email, creating
// it on first sign-in. The insert is conflict-do-nothing keyed on the unique
// email index, so two concurrent first sign-ins converge on one identity.
func (s *Service) EnsureUserByEmail(ctx context.Context, email string) (Identity, error) {
	address := normalizeEmail(email)
	if address == "" {
		return Identity{}, ErrInvalidEmail
	}

	userID, err := s.idProvider.NewID()
	if err != nil {
		return Identity{}, err
	}
	candidate := Identity{
		UserID:     userID,
		Email:      address,
		LastSeenAt: s.now(),
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "email"}}, DoNothing: true}).
		Create(&candidate).Error; err != nil {
		return Identity{}, err
	}

	var identity Identity
	if err := s.db.WithContext(ctx).
		Where("email = ?", address).
		Take(&identity).Error; err != nil {
		return Identity{}, err
	}

	_ = s.db.WithContext(ctx).Model(&Identity{}).
		Where("user_id = ?", identity.UserID).
		Update("last_seen_at", s.now()).Error
	return identity, nil
}

// User returns the identity for a user id.
func (s *Service) User(ctx context.Context, userID string) (Identity, error) {
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, fault.NotFound("users.not_found")
	}
	if err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// RelinkEmail points a verified email at the target identity. Backs the
// link-account token purpose.
func (s *Service) RelinkEmail(ctx context.Context, targetUserID, email string) error {
	address := normalizeEmail(email)
	if address == "" {
		return ErrInvalidEmail
	}
	result := s.db.WithContext(ctx).Model(&Identity{}).
		Where("user_id = ?", targetUserID).
		Update("email", address)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fault.NotFound("users.not_found")
	}
	return nil
}

// ResolveRole returns the user's effective role: the most recent grant wins,
// absent any grant the user is a contributor.
func (s *Service) ResolveRole(ctx context.Context, userID string) (Role, error) {
	var grant RoleGrant
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at_s DESC, grant_id DESC").
		Take(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoleContributor, nil
	}
	if err != nil {
		return RoleContributor, err
	}
	return ParseRole(grant.Role), nil
}

// GrantRole appends a role assignment for the user. Grants are never updated
// or deleted; resolution reads the latest row.
func (s *Service) GrantRole(ctx context.Context, userID string, role Role, grantedBy string) error {
	grantID, err := s.idProvider.NewID()
	if err != nil {
		return err
	}
	grant := RoleGrant{
		GrantID:          grantID,
		UserID:           userID,
		Role:             role.String(),
		GrantedBy:        grantedBy,
		CreatedAtSeconds: s.now().UTC().Unix(),
	}
	return s.db.WithContext(ctx).Create(&grant).Error
}
