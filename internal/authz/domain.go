package authz

import (
	"time"

	"github.com/google/uuid"
)

// Action enumerates the verbs a permission can authorize.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionRead    Action = "READ"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionApprove Action = "APPROVE"
	ActionExport  Action = "EXPORT"
)

// Source identifies which mechanism produced a grant.
type Source string

const (
	SourceDirect     Source = "direct"
	SourceDelegation Source = "delegation"
	SourceResource   Source = "resource"
	SourceRole       Source = "role"
	SourcePosition   Source = "position"
)

// Permission represents an atomic capability in the catalog.
type Permission struct {
	ID         int64
	Code       string
	Name       string
	Resource   string
	Action     Action
	Scope      Scope
	Conditions Predicate
	Category   string
	IsSystem   bool
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Role represents a named permission grouping. Lower hierarchy levels are
// more senior.
type Role struct {
	ID             int64
	Code           string
	Name           string
	HierarchyLevel int
	IsSystem       bool
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RoleHierarchyEdge links a role to a parent role. Inheritance of the
// parent's grants is opt-in per edge.
type RoleHierarchyEdge struct {
	RoleID             int64
	ParentRoleID       int64
	InheritPermissions bool
}

// RolePermission attaches a grant or an explicit deny to a role.
type RolePermission struct {
	RoleID       int64
	PermissionID int64
	IsGranted    bool
	Conditions   Predicate
	ValidFrom    time.Time
	ValidUntil   *time.Time
	Priority     int
	GrantedBy    int64
	GrantReason  string
}

// UserRole is a time-bounded role membership.
type UserRole struct {
	UserID     int64
	RoleID     int64
	IsActive   bool
	ValidFrom  time.Time
	ValidUntil *time.Time
}

// UserPermission is a direct per-user override, the highest-precedence source.
type UserPermission struct {
	ID           int64
	UserID       int64
	PermissionID int64
	IsGranted    bool
	Conditions   Predicate
	Priority     int
	IsTemporary  bool
	ValidFrom    time.Time
	ValidUntil   *time.Time
}

// ResourcePermission grants a user a permission on one specific resource
// instance.
type ResourcePermission struct {
	ID           int64
	UserID       int64
	PermissionID int64
	ResourceType string
	ResourceID   string
	IsGranted    bool
	ValidUntil   *time.Time
}

// Delegation is a time-bounded transfer of a subset of the delegator's
// permissions to the delegate. Permissions holds permission codes.
type Delegation struct {
	ID            int64
	Reference     uuid.UUID
	DelegatorID   int64
	DelegateID    int64
	Permissions   []string
	Reason        string
	ValidFrom     time.Time
	ValidUntil    time.Time
	IsRevoked     bool
	RevokedReason string
	IsExpired     bool
	CreatedAt     time.Time
}

// PermissionDependency records that PermissionID is only meaningful while
// RequiredPermissionID is also held.
type PermissionDependency struct {
	PermissionID         int64
	RequiredPermissionID int64
}

// UserPosition is an organizational position held by a user. Lower hierarchy
// levels are more senior.
type UserPosition struct {
	UserID         int64
	PositionCode   string
	HierarchyLevel int
	IsActive       bool
}

// CheckRequest describes one access question.
type CheckRequest struct {
	UserID     int64
	Resource   string
	Action     Action
	Scope      Scope
	ResourceID string
	Context    map[string]any
}

// Decision is the outcome of resolution: allow or deny plus provenance.
type Decision struct {
	Allowed    bool
	Source     Source
	Permission string
	Reason     string
	ValidUntil *time.Time
}

// CheckLogEntry is the append-only record of one resolution outcome.
type CheckLogEntry struct {
	UserID     int64
	Resource   string
	Action     Action
	Scope      Scope
	ResourceID string
	Allowed    bool
	Source     Source
	Reason     string
	Duration   time.Duration
	CheckedAt  time.Time
}

// activeWithin reports whether a half-open validity window covers now:
// validFrom <= now and (validUntil absent or validUntil >= now).
func activeWithin(validFrom time.Time, validUntil *time.Time, now time.Time) bool {
	if validFrom.After(now) {
		return false
	}
	if validUntil != nil && validUntil.Before(now) {
		return false
	}
	return true
}

// minUntil returns the earlier of two optional expiry instants.
func minUntil(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Before(*b) {
		return a
	}
	return b
}
