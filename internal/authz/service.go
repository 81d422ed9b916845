package authz

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/atlas-sis/atlas-sis/internal/shared"
)

// RoleGraphTx exposes role-hierarchy edge operations bound to one
// transaction.
type RoleGraphTx interface {
	ListEdges(ctx context.Context) ([]RoleHierarchyEdge, error)
	InsertEdge(ctx context.Context, edge RoleHierarchyEdge) error
	DeleteEdge(ctx context.Context, roleID, parentRoleID int64) error
}

// DependencyGraphTx exposes permission-dependency edge operations bound to
// one transaction.
type DependencyGraphTx interface {
	ListEdges(ctx context.Context) ([]PermissionDependency, error)
	InsertEdge(ctx context.Context, edge PermissionDependency) error
	DeleteEdge(ctx context.Context, permissionID, requiredPermissionID int64) error
}

// AdminStore is the storage surface for grant and catalog mutations. Graph
// edits run under WithRoleGraphTx / WithDependencyGraphTx so cycle validation
// and insertion form one atomic unit.
type AdminStore interface {
	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	GetPermission(ctx context.Context, id int64) (Permission, error)
	UpdatePermission(ctx context.Context, p Permission) (Permission, error)
	DeactivatePermission(ctx context.Context, id int64) error

	GetRole(ctx context.Context, id int64) (Role, error)
	ListRoleHierarchy(ctx context.Context) ([]RoleHierarchyEdge, error)

	UpsertUserPermission(ctx context.Context, up UserPermission) (UserPermission, error)
	DeleteUserPermission(ctx context.Context, userID, permissionID int64) error

	UpsertRolePermission(ctx context.Context, rp RolePermission) (RolePermission, error)
	DeleteRolePermission(ctx context.Context, roleID, permissionID int64) error

	InsertUserRole(ctx context.Context, ur UserRole) error
	DeactivateUserRole(ctx context.Context, userID, roleID int64) error

	UpsertUserPosition(ctx context.Context, p UserPosition) (UserPosition, error)
	DeactivateUserPosition(ctx context.Context, userID int64, positionCode string) error

	InsertResourcePermission(ctx context.Context, rp ResourcePermission) (ResourcePermission, error)
	GetResourcePermission(ctx context.Context, id int64) (ResourcePermission, error)
	DeleteResourcePermission(ctx context.Context, id int64) error

	WithRoleGraphTx(ctx context.Context, fn func(RoleGraphTx) error) error
	WithDependencyGraphTx(ctx context.Context, fn func(DependencyGraphTx) error) error
}

// Service carries out grant, revoke and catalog mutations for every
// permission source, keeping the cache consistent with each write.
type Service struct {
	store    AdminStore
	cache    *PermissionCache
	audit    AuditPort
	validate *validator.Validate
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService constructs the admin service.
func NewService(store AdminStore, cache *PermissionCache, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		cache:    cache,
		audit:    audit,
		validate: validator.New(),
		logger:   logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	s.clock = clock
}

// CreatePermissionInput describes a new catalog entry.
type CreatePermissionInput struct {
	Code       string `validate:"required"`
	Name       string `validate:"required"`
	Resource   string `validate:"required"`
	Action     Action `validate:"required"`
	Scope      Scope
	Conditions Predicate
	IsSystem   bool
}

// CreatePermission adds a permission to the catalog.
func (s *Service) CreatePermission(ctx context.Context, input CreatePermissionInput, actorID int64) (Permission, error) {
	if err := s.validate.Struct(input); err != nil {
		return Permission{}, fmt.Errorf("permission input: %v: %w", err, shared.ErrInvalidArgument)
	}
	if input.Scope != "" && !input.Scope.Valid() {
		return Permission{}, fmt.Errorf("unknown scope %q: %w", input.Scope, shared.ErrInvalidArgument)
	}
	created, err := s.store.CreatePermission(ctx, Permission{
		Code:       input.Code,
		Name:       input.Name,
		Resource:   input.Resource,
		Action:     input.Action,
		Scope:      input.Scope,
		Conditions: input.Conditions,
		IsSystem:   input.IsSystem,
		IsActive:   true,
	})
	if err != nil {
		return Permission{}, err
	}
	s.recordAudit(ctx, actorID, "permission.create", "permission", created.Code, nil, created, "")
	return created, nil
}

// UpdatePermission changes a permission's mutable fields. System permissions
// only accept a name change; their protected fields are immutable.
func (s *Service) UpdatePermission(ctx context.Context, id int64, name string, conditions Predicate, actorID int64, reason string) (Permission, error) {
	existing, err := s.store.GetPermission(ctx, id)
	if err != nil {
		return Permission{}, err
	}
	if existing.IsSystem && conditions != nil {
		return Permission{}, fmt.Errorf("system permission %s is write-protected: %w", existing.Code, shared.ErrInvalidArgument)
	}
	updated := existing
	if name != "" {
		updated.Name = name
	}
	if conditions != nil {
		updated.Conditions = conditions
	}
	updated, err = s.store.UpdatePermission(ctx, updated)
	if err != nil {
		return Permission{}, err
	}
	// Conditions ride inside cached sets, so every holder may be affected.
	if err := s.invalidateAll(ctx); err != nil {
		return Permission{}, err
	}
	s.recordAudit(ctx, actorID, "permission.update", "permission", existing.Code, existing, updated, reason)
	return updated, nil
}

// DeactivatePermission soft-deletes a catalog entry. Referenced permissions
// are never hard-deleted.
func (s *Service) DeactivatePermission(ctx context.Context, id int64, actorID int64, reason string) error {
	existing, err := s.store.GetPermission(ctx, id)
	if err != nil {
		return err
	}
	if existing.IsSystem {
		return fmt.Errorf("system permission %s cannot be deactivated: %w", existing.Code, shared.ErrInvalidArgument)
	}
	if err := s.store.DeactivatePermission(ctx, id); err != nil {
		return err
	}
	if err := s.invalidateAll(ctx); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "permission.deactivate", "permission", existing.Code, existing, nil, reason)
	return nil
}

// GrantUserPermissionInput describes a direct grant or explicit deny.
type GrantUserPermissionInput struct {
	UserID       int64 `validate:"required,gt=0"`
	PermissionID int64 `validate:"required,gt=0"`
	IsGranted    bool
	Conditions   Predicate
	Priority     int
	IsTemporary  bool
	ValidFrom    *time.Time
	ValidUntil   *time.Time
}

// GrantUserPermission writes a direct user override, the highest-precedence
// source.
func (s *Service) GrantUserPermission(ctx context.Context, input GrantUserPermissionInput, actorID int64, reason string) (UserPermission, error) {
	if err := s.validate.Struct(input); err != nil {
		return UserPermission{}, fmt.Errorf("user permission input: %v: %w", err, shared.ErrInvalidArgument)
	}
	validFrom := s.clock()
	if input.ValidFrom != nil {
		validFrom = *input.ValidFrom
	}
	if input.ValidUntil != nil && !input.ValidUntil.After(validFrom) {
		return UserPermission{}, fmt.Errorf("valid_until must be after valid_from: %w", shared.ErrInvalidArgument)
	}
	created, err := s.store.UpsertUserPermission(ctx, UserPermission{
		UserID:       input.UserID,
		PermissionID: input.PermissionID,
		IsGranted:    input.IsGranted,
		Conditions:   input.Conditions,
		Priority:     input.Priority,
		IsTemporary:  input.IsTemporary,
		ValidFrom:    validFrom,
		ValidUntil:   input.ValidUntil,
	})
	if err != nil {
		return UserPermission{}, err
	}
	if err := s.invalidateUser(ctx, input.UserID); err != nil {
		return UserPermission{}, err
	}
	s.recordAudit(ctx, actorID, "user_permission.grant", "user_permission", strconv.FormatInt(created.ID, 10), nil, created, reason)
	return created, nil
}

// RevokeUserPermission removes a direct override.
func (s *Service) RevokeUserPermission(ctx context.Context, userID, permissionID, actorID int64, reason string) error {
	if err := s.store.DeleteUserPermission(ctx, userID, permissionID); err != nil {
		return err
	}
	if err := s.invalidateUser(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "user_permission.revoke", "user_permission",
		fmt.Sprintf("%d:%d", userID, permissionID), nil, nil, reason)
	return nil
}

// SetRolePermissionInput describes a role-level grant or deny.
type SetRolePermissionInput struct {
	RoleID       int64 `validate:"required,gt=0"`
	PermissionID int64 `validate:"required,gt=0"`
	IsGranted    bool
	Conditions   Predicate
	Priority     int
	ValidFrom    *time.Time
	ValidUntil   *time.Time
}

// SetRolePermission attaches a grant or an explicit deny to a role and
// invalidates every active holder before returning.
func (s *Service) SetRolePermission(ctx context.Context, input SetRolePermissionInput, actorID int64, reason string) (RolePermission, error) {
	if err := s.validate.Struct(input); err != nil {
		return RolePermission{}, fmt.Errorf("role permission input: %v: %w", err, shared.ErrInvalidArgument)
	}
	role, err := s.store.GetRole(ctx, input.RoleID)
	if err != nil {
		return RolePermission{}, err
	}
	if role.IsSystem {
		return RolePermission{}, fmt.Errorf("system role %s is write-protected: %w", role.Code, shared.ErrInvalidArgument)
	}
	validFrom := s.clock()
	if input.ValidFrom != nil {
		validFrom = *input.ValidFrom
	}
	created, err := s.store.UpsertRolePermission(ctx, RolePermission{
		RoleID:       input.RoleID,
		PermissionID: input.PermissionID,
		IsGranted:    input.IsGranted,
		Conditions:   input.Conditions,
		Priority:     input.Priority,
		ValidFrom:    validFrom,
		ValidUntil:   input.ValidUntil,
		GrantedBy:    actorID,
		GrantReason:  reason,
	})
	if err != nil {
		return RolePermission{}, err
	}
	if err := s.invalidateRole(ctx, input.RoleID); err != nil {
		return RolePermission{}, err
	}
	s.recordAudit(ctx, actorID, "role_permission.set", "role_permission",
		fmt.Sprintf("%d:%d", input.RoleID, input.PermissionID), nil, created, reason)
	return created, nil
}

// RemoveRolePermission detaches a permission from a role.
func (s *Service) RemoveRolePermission(ctx context.Context, roleID, permissionID, actorID int64, reason string) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("system role %s is write-protected: %w", role.Code, shared.ErrInvalidArgument)
	}
	if err := s.store.DeleteRolePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	if err := s.invalidateRole(ctx, roleID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "role_permission.remove", "role_permission",
		fmt.Sprintf("%d:%d", roleID, permissionID), nil, nil, reason)
	return nil
}

// AssignRole gives a user a time-bounded role membership.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64, validFrom time.Time, validUntil *time.Time, actorID int64, reason string) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if !role.IsActive {
		return fmt.Errorf("role %s is inactive: %w", role.Code, shared.ErrInvalidArgument)
	}
	if validFrom.IsZero() {
		validFrom = s.clock()
	}
	if validUntil != nil && !validUntil.After(validFrom) {
		return fmt.Errorf("valid_until must be after valid_from: %w", shared.ErrInvalidArgument)
	}
	if err := s.store.InsertUserRole(ctx, UserRole{
		UserID:     userID,
		RoleID:     roleID,
		IsActive:   true,
		ValidFrom:  validFrom,
		ValidUntil: validUntil,
	}); err != nil {
		return err
	}
	if err := s.invalidateUser(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "user_role.assign", "user_role",
		fmt.Sprintf("%d:%d", userID, roleID), nil, nil, reason)
	return nil
}

// RemoveRole deactivates a user's role membership.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID, actorID int64, reason string) error {
	if err := s.store.DeactivateUserRole(ctx, userID, roleID); err != nil {
		return err
	}
	if err := s.invalidateUser(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "user_role.remove", "user_role",
		fmt.Sprintf("%d:%d", userID, roleID), nil, nil, reason)
	return nil
}

// AssignPositionInput describes an organizational position assignment.
type AssignPositionInput struct {
	UserID         int64  `validate:"required,gt=0"`
	PositionCode   string `validate:"required"`
	HierarchyLevel int    `validate:"required,gt=0"`
}

// AssignPosition records a user's organizational position. The minimum
// position level rides inside the cached permission set, so the holder is
// invalidated before returning.
func (s *Service) AssignPosition(ctx context.Context, input AssignPositionInput, actorID int64, reason string) (UserPosition, error) {
	if err := s.validate.Struct(input); err != nil {
		return UserPosition{}, fmt.Errorf("position input: %v: %w", err, shared.ErrInvalidArgument)
	}
	created, err := s.store.UpsertUserPosition(ctx, UserPosition{
		UserID:         input.UserID,
		PositionCode:   input.PositionCode,
		HierarchyLevel: input.HierarchyLevel,
		IsActive:       true,
	})
	if err != nil {
		return UserPosition{}, err
	}
	if err := s.invalidateUser(ctx, input.UserID); err != nil {
		return UserPosition{}, err
	}
	s.recordAudit(ctx, actorID, "user_position.assign", "user_position",
		fmt.Sprintf("%d:%s", input.UserID, input.PositionCode), nil, created, reason)
	return created, nil
}

// RemovePosition deactivates a user's position assignment.
func (s *Service) RemovePosition(ctx context.Context, userID int64, positionCode string, actorID int64, reason string) error {
	if err := s.store.DeactivateUserPosition(ctx, userID, positionCode); err != nil {
		return err
	}
	if err := s.invalidateUser(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "user_position.remove", "user_position",
		fmt.Sprintf("%d:%s", userID, positionCode), nil, nil, reason)
	return nil
}

// GrantResourcePermissionInput describes an instance-scoped grant.
type GrantResourcePermissionInput struct {
	UserID       int64  `validate:"required,gt=0"`
	PermissionID int64  `validate:"required,gt=0"`
	ResourceType string `validate:"required"`
	ResourceID   string `validate:"required"`
	IsGranted    bool
	ValidUntil   *time.Time
}

// GrantResourcePermission grants a user a permission on one resource
// instance.
func (s *Service) GrantResourcePermission(ctx context.Context, input GrantResourcePermissionInput, actorID int64, reason string) (ResourcePermission, error) {
	if err := s.validate.Struct(input); err != nil {
		return ResourcePermission{}, fmt.Errorf("resource permission input: %v: %w", err, shared.ErrInvalidArgument)
	}
	created, err := s.store.InsertResourcePermission(ctx, ResourcePermission{
		UserID:       input.UserID,
		PermissionID: input.PermissionID,
		ResourceType: input.ResourceType,
		ResourceID:   input.ResourceID,
		IsGranted:    input.IsGranted,
		ValidUntil:   input.ValidUntil,
	})
	if err != nil {
		return ResourcePermission{}, err
	}
	if err := s.invalidateUser(ctx, input.UserID); err != nil {
		return ResourcePermission{}, err
	}
	s.recordAudit(ctx, actorID, "resource_permission.grant", "resource_permission",
		strconv.FormatInt(created.ID, 10), nil, created, reason)
	return created, nil
}

// RevokeResourcePermission removes an instance-scoped grant.
func (s *Service) RevokeResourcePermission(ctx context.Context, id, actorID int64, reason string) error {
	existing, err := s.store.GetResourcePermission(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteResourcePermission(ctx, id); err != nil {
		return err
	}
	if err := s.invalidateUser(ctx, existing.UserID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "resource_permission.revoke", "resource_permission",
		strconv.FormatInt(id, 10), existing, nil, reason)
	return nil
}

// AddRoleHierarchyEdge links a role to a parent. Cycle validation and the
// insert run in one transaction behind an advisory lock, so concurrent edits
// cannot jointly close a cycle.
func (s *Service) AddRoleHierarchyEdge(ctx context.Context, roleID, parentRoleID int64, inheritPermissions bool, actorID int64, reason string) error {
	err := s.store.WithRoleGraphTx(ctx, func(tx RoleGraphTx) error {
		existing, err := tx.ListEdges(ctx)
		if err != nil {
			return err
		}
		edges := make([]Edge, 0, len(existing))
		for _, e := range existing {
			edges = append(edges, Edge{From: e.RoleID, To: e.ParentRoleID})
		}
		if err := NewGraph(edges).ValidateNewEdge(roleID, parentRoleID); err != nil {
			return err
		}
		return tx.InsertEdge(ctx, RoleHierarchyEdge{
			RoleID:             roleID,
			ParentRoleID:       parentRoleID,
			InheritPermissions: inheritPermissions,
		})
	})
	if err != nil {
		return err
	}
	// Holders of the child role may have gained the parent's grants.
	if err := s.invalidateRole(ctx, roleID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "role_hierarchy.add", "role_hierarchy",
		fmt.Sprintf("%d:%d", roleID, parentRoleID), nil, nil, reason)
	return nil
}

// RemoveRoleHierarchyEdge unlinks a role from a parent.
func (s *Service) RemoveRoleHierarchyEdge(ctx context.Context, roleID, parentRoleID, actorID int64, reason string) error {
	err := s.store.WithRoleGraphTx(ctx, func(tx RoleGraphTx) error {
		return tx.DeleteEdge(ctx, roleID, parentRoleID)
	})
	if err != nil {
		return err
	}
	if err := s.invalidateRole(ctx, roleID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "role_hierarchy.remove", "role_hierarchy",
		fmt.Sprintf("%d:%d", roleID, parentRoleID), nil, nil, reason)
	return nil
}

// AddPermissionDependency records that one permission requires another.
// Dependencies never affect resolution; they are advisory metadata, so no
// cache invalidation is needed.
func (s *Service) AddPermissionDependency(ctx context.Context, permissionID, requiredPermissionID int64, actorID int64, reason string) error {
	err := s.store.WithDependencyGraphTx(ctx, func(tx DependencyGraphTx) error {
		existing, err := tx.ListEdges(ctx)
		if err != nil {
			return err
		}
		edges := make([]Edge, 0, len(existing))
		for _, e := range existing {
			edges = append(edges, Edge{From: e.PermissionID, To: e.RequiredPermissionID})
		}
		if err := NewGraph(edges).ValidateNewEdge(permissionID, requiredPermissionID); err != nil {
			return err
		}
		return tx.InsertEdge(ctx, PermissionDependency{
			PermissionID:         permissionID,
			RequiredPermissionID: requiredPermissionID,
		})
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "permission_dependency.add", "permission_dependency",
		fmt.Sprintf("%d:%d", permissionID, requiredPermissionID), nil, nil, reason)
	return nil
}

// RemovePermissionDependency drops a dependency edge.
func (s *Service) RemovePermissionDependency(ctx context.Context, permissionID, requiredPermissionID, actorID int64, reason string) error {
	err := s.store.WithDependencyGraphTx(ctx, func(tx DependencyGraphTx) error {
		return tx.DeleteEdge(ctx, permissionID, requiredPermissionID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "permission_dependency.remove", "permission_dependency",
		fmt.Sprintf("%d:%d", permissionID, requiredPermissionID), nil, nil, reason)
	return nil
}

// InvalidateUser exposes cache invalidation for one principal.
func (s *Service) InvalidateUser(ctx context.Context, userID int64) error {
	return s.invalidateUser(ctx, userID)
}

// InvalidateRole exposes cache invalidation for every holder of a role.
func (s *Service) InvalidateRole(ctx context.Context, roleID int64) error {
	return s.invalidateRole(ctx, roleID)
}

// InvalidateAll exposes global cache invalidation.
func (s *Service) InvalidateAll(ctx context.Context) error {
	return s.invalidateAll(ctx)
}

func (s *Service) invalidateUser(ctx context.Context, userID int64) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, userID)
}

// invalidateRole drops cached sets for holders of the role and for holders of
// every role that transitively inherits it. A grant change on a parent role
// reaches child-role holders through inheritance, so their entries are stale
// too.
func (s *Service) invalidateRole(ctx context.Context, roleID int64) error {
	if s.cache == nil {
		return nil
	}
	affected, err := s.affectedRoles(ctx, roleID)
	if err != nil {
		return err
	}
	for _, id := range affected {
		if err := s.cache.InvalidateForRole(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// affectedRoles walks inheritance edges in reverse from roleID, collecting
// every role whose effective grants include it.
func (s *Service) affectedRoles(ctx context.Context, roleID int64) ([]int64, error) {
	edges, err := s.store.ListRoleHierarchy(ctx)
	if err != nil {
		return nil, fmt.Errorf("list role hierarchy: %w", err)
	}
	children := make(map[int64][]int64, len(edges))
	for _, e := range edges {
		if e.InheritPermissions {
			children[e.ParentRoleID] = append(children[e.ParentRoleID], e.RoleID)
		}
	}
	affected := []int64{roleID}
	seen := map[int64]bool{roleID: true}
	for i := 0; i < len(affected); i++ {
		for _, child := range children[affected[i]] {
			if seen[child] {
				continue
			}
			seen[child] = true
			affected = append(affected, child)
		}
	}
	return affected, nil
}

func (s *Service) invalidateAll(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.InvalidateAll(ctx)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, operation, entity, entityID string, before, after any, reason string) {
	if s.audit == nil {
		return
	}
	s.audit.RecordAsync(ctx, shared.AuditLog{
		ActorID:   actorID,
		Operation: operation,
		Entity:    entity,
		EntityID:  entityID,
		Before:    before,
		After:     after,
		Reason:    reason,
		At:        s.clock(),
	})
}
