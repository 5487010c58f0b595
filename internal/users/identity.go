package users

import (
	"strings"
	"time"
)

// Identity captures one canonical Kotonoha account keyed by user id, with the
// email the magic-link flow authenticated.
type Identity struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// RoleGrant is one append-only role assignment; the most recent grant wins.
type RoleGrant struct {
	GrantID          string `gorm:"column:grant_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_role_grants_user_created,priority:1"`
	Role             string `gorm:"column:role;size:32;not null"`
	GrantedBy        string `gorm:"column:granted_by;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_role_grants_user_created,priority:2"`
}

// TableName exposes the table backing role grants.
func (RoleGrant) TableName() string {
	return "user_role_grants"
}

// Role orders the moderation privilege ladder.
type Role int

const (
	// RoleContributor may author changesets and comment.
	RoleContributor Role = iota
	// RoleProofreader may additionally approve or request changes.
	RoleProofreader
	// RoleEditor may additionally merge changesets.
	RoleEditor
	// RoleMaintainer may additionally close changesets and grant roles.
	RoleMaintainer
)

var roleNames = map[Role]string{
	RoleContributor: "contributor",
	RoleProofreader: "proofreader",
	RoleEditor:      "editor",
	RoleMaintainer:  "maintainer",
}

var rolesByName = map[string]Role{
	"contributor": RoleContributor,
	"proofreader": RoleProofreader,
	"editor":      RoleEditor,
	"maintainer":  RoleMaintainer,
}

// String returns the persisted role name.
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return roleNames[RoleContributor]
}

// AtLeast reports whether the role meets the required privilege level.
func (r Role) AtLeast(required Role) bool {
	return r >= required
}

// ParseRole resolves a stored role name, defaulting unknown values to
// contributor so a corrupted grant never elevates anyone.
func ParseRole(raw string) Role {
	if role, ok := rolesByName[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return role
	}
	return RoleContributor
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(normalize(value))
}
