package authz

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-sis/atlas-sis/internal/shared"
)

type adminStore struct {
	mu                  sync.Mutex
	permissions         map[int64]Permission
	nextPermissionID    int64
	roles               map[int64]Role
	userPermissions     map[string]UserPermission
	rolePermissions     map[string]RolePermission
	userRoles           []UserRole
	resourcePermissions map[int64]ResourcePermission
	nextResourceID      int64
	positions           map[string]UserPosition
	hierarchy           []RoleHierarchyEdge
	dependencies        []PermissionDependency
}

func newAdminStore() *adminStore {
	return &adminStore{
		permissions:         map[int64]Permission{},
		nextPermissionID:    1,
		roles:               map[int64]Role{},
		userPermissions:     map[string]UserPermission{},
		rolePermissions:     map[string]RolePermission{},
		resourcePermissions: map[int64]ResourcePermission{},
		nextResourceID:      1,
		positions:           map[string]UserPosition{},
	}
}

func pairKey(a, b int64) string {
	return fmt.Sprintf("%d:%d", a, b)
}

func (s *adminStore) CreatePermission(_ context.Context, p Permission) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.permissions {
		if existing.Code == p.Code {
			return Permission{}, shared.ErrConflict
		}
	}
	p.ID = s.nextPermissionID
	s.nextPermissionID++
	s.permissions[p.ID] = p
	return p, nil
}

func (s *adminStore) GetPermission(_ context.Context, id int64) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[id]
	if !ok {
		return Permission{}, shared.ErrNotFound
	}
	return p, nil
}

func (s *adminStore) UpdatePermission(_ context.Context, p Permission) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permissions[p.ID]; !ok {
		return Permission{}, shared.ErrNotFound
	}
	s.permissions[p.ID] = p
	return p, nil
}

func (s *adminStore) DeactivatePermission(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[id]
	if !ok {
		return shared.ErrNotFound
	}
	p.IsActive = false
	s.permissions[id] = p
	return nil
}

func (s *adminStore) ListRoleHierarchy(context.Context) ([]RoleHierarchyEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hierarchy, nil
}

func (s *adminStore) GetRole(_ context.Context, id int64) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok {
		return Role{}, shared.ErrNotFound
	}
	return role, nil
}

func (s *adminStore) UpsertUserPermission(_ context.Context, up UserPermission) (UserPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up.ID = int64(len(s.userPermissions) + 1)
	s.userPermissions[pairKey(up.UserID, up.PermissionID)] = up
	return up, nil
}

func (s *adminStore) DeleteUserPermission(_ context.Context, userID, permissionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(userID, permissionID)
	if _, ok := s.userPermissions[key]; !ok {
		return shared.ErrNotFound
	}
	delete(s.userPermissions, key)
	return nil
}

func (s *adminStore) UpsertRolePermission(_ context.Context, rp RolePermission) (RolePermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolePermissions[pairKey(rp.RoleID, rp.PermissionID)] = rp
	return rp, nil
}

func (s *adminStore) DeleteRolePermission(_ context.Context, roleID, permissionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(roleID, permissionID)
	if _, ok := s.rolePermissions[key]; !ok {
		return shared.ErrNotFound
	}
	delete(s.rolePermissions, key)
	return nil
}

func (s *adminStore) InsertUserRole(_ context.Context, ur UserRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userRoles = append(s.userRoles, ur)
	return nil
}

func (s *adminStore) DeactivateUserRole(_ context.Context, userID, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ur := range s.userRoles {
		if ur.UserID == userID && ur.RoleID == roleID && ur.IsActive {
			s.userRoles[i].IsActive = false
			return nil
		}
	}
	return shared.ErrNotFound
}

func positionKey(userID int64, code string) string {
	return fmt.Sprintf("%d:%s", userID, code)
}

func (s *adminStore) UpsertUserPosition(_ context.Context, p UserPosition) (UserPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.IsActive = true
	s.positions[positionKey(p.UserID, p.PositionCode)] = p
	return p, nil
}

func (s *adminStore) DeactivateUserPosition(_ context.Context, userID int64, positionCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKey(userID, positionCode)
	p, ok := s.positions[key]
	if !ok || !p.IsActive {
		return shared.ErrNotFound
	}
	p.IsActive = false
	s.positions[key] = p
	return nil
}

func (s *adminStore) InsertResourcePermission(_ context.Context, rp ResourcePermission) (ResourcePermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp.ID = s.nextResourceID
	s.nextResourceID++
	s.resourcePermissions[rp.ID] = rp
	return rp, nil
}

func (s *adminStore) GetResourcePermission(_ context.Context, id int64) (ResourcePermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.resourcePermissions[id]
	if !ok {
		return ResourcePermission{}, shared.ErrNotFound
	}
	return rp, nil
}

func (s *adminStore) DeleteResourcePermission(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resourcePermissions[id]; !ok {
		return shared.ErrNotFound
	}
	delete(s.resourcePermissions, id)
	return nil
}

type fakeRoleGraphTx struct{ store *adminStore }

func (tx fakeRoleGraphTx) ListEdges(context.Context) ([]RoleHierarchyEdge, error) {
	return tx.store.hierarchy, nil
}

func (tx fakeRoleGraphTx) InsertEdge(_ context.Context, edge RoleHierarchyEdge) error {
	tx.store.hierarchy = append(tx.store.hierarchy, edge)
	return nil
}

func (tx fakeRoleGraphTx) DeleteEdge(_ context.Context, roleID, parentRoleID int64) error {
	for i, e := range tx.store.hierarchy {
		if e.RoleID == roleID && e.ParentRoleID == parentRoleID {
			tx.store.hierarchy = append(tx.store.hierarchy[:i], tx.store.hierarchy[i+1:]...)
			return nil
		}
	}
	return shared.ErrNotFound
}

type fakeDependencyGraphTx struct{ store *adminStore }

func (tx fakeDependencyGraphTx) ListEdges(context.Context) ([]PermissionDependency, error) {
	return tx.store.dependencies, nil
}

func (tx fakeDependencyGraphTx) InsertEdge(_ context.Context, edge PermissionDependency) error {
	tx.store.dependencies = append(tx.store.dependencies, edge)
	return nil
}

func (tx fakeDependencyGraphTx) DeleteEdge(_ context.Context, permissionID, requiredPermissionID int64) error {
	for i, e := range tx.store.dependencies {
		if e.PermissionID == permissionID && e.RequiredPermissionID == requiredPermissionID {
			tx.store.dependencies = append(tx.store.dependencies[:i], tx.store.dependencies[i+1:]...)
			return nil
		}
	}
	return shared.ErrNotFound
}

func (s *adminStore) WithRoleGraphTx(_ context.Context, fn func(RoleGraphTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(fakeRoleGraphTx{store: s})
}

func (s *adminStore) WithDependencyGraphTx(_ context.Context, fn func(DependencyGraphTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(fakeDependencyGraphTx{store: s})
}

func newTestService(t *testing.T) (*Service, *adminStore, *recordingAudit) {
	t.Helper()
	store := newAdminStore()
	audit := &recordingAudit{}
	svc := NewService(store, nil, audit, nil)
	svc.WithClock(func() time.Time { return testNow })
	return svc, store, audit
}

func TestServiceCreatePermission(t *testing.T) {
	svc, store, audit := newTestService(t)

	created, err := svc.CreatePermission(context.Background(), CreatePermissionInput{
		Code: "docs.read", Name: "Read documents", Resource: "docs", Action: ActionRead, Scope: ScopeDepartment,
	}, 1)
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.True(t, created.IsActive)
	assert.Len(t, store.permissions, 1)
	assert.Equal(t, []string{"permission.create"}, audit.operations())

	_, err = svc.CreatePermission(context.Background(), CreatePermissionInput{
		Code: "docs.read", Name: "Duplicate", Resource: "docs", Action: ActionRead,
	}, 1)
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestServiceCreatePermissionRejectsUnknownScope(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.CreatePermission(context.Background(), CreatePermissionInput{
		Code: "docs.read", Name: "Read documents", Resource: "docs", Action: ActionRead, Scope: "GLOBAL",
	}, 1)
	require.ErrorIs(t, err, shared.ErrInvalidArgument)
}

func TestServiceSystemPermissionWriteProtected(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.permissions[1] = Permission{ID: 1, Code: "core.admin", Name: "Core admin", Resource: "core", Action: ActionUpdate, IsSystem: true, IsActive: true}
	store.nextPermissionID = 2

	// A name change is allowed.
	updated, err := svc.UpdatePermission(context.Background(), 1, "Core administration", nil, 1, "rename")
	require.NoError(t, err)
	assert.Equal(t, "Core administration", updated.Name)

	// Conditions are protected.
	_, err = svc.UpdatePermission(context.Background(), 1, "", Predicate{"env": {Op: OpEq, Value: "prod"}}, 1, "tighten")
	require.ErrorIs(t, err, shared.ErrInvalidArgument)

	err = svc.DeactivatePermission(context.Background(), 1, 1, "cleanup")
	require.ErrorIs(t, err, shared.ErrInvalidArgument)
}

func TestServiceDeactivatePermission(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.permissions[1] = Permission{ID: 1, Code: "docs.read", IsActive: true}
	store.nextPermissionID = 2

	require.NoError(t, svc.DeactivatePermission(context.Background(), 1, 1, "retired"))
	assert.False(t, store.permissions[1].IsActive, "deactivation is a soft delete")
}

func TestServiceGrantUserPermission(t *testing.T) {
	svc, store, audit := newTestService(t)

	created, err := svc.GrantUserPermission(context.Background(), GrantUserPermissionInput{
		UserID: 7, PermissionID: 1, IsGranted: true, Priority: 10,
	}, 1, "project access")
	require.NoError(t, err)
	assert.True(t, created.ValidFrom.Equal(testNow))
	assert.Len(t, store.userPermissions, 1)
	assert.Equal(t, []string{"user_permission.grant"}, audit.operations())

	until := testNow.AddDate(0, -1, 0)
	_, err = svc.GrantUserPermission(context.Background(), GrantUserPermissionInput{
		UserID: 7, PermissionID: 2, IsGranted: true, ValidUntil: &until,
	}, 1, "backdated")
	require.ErrorIs(t, err, shared.ErrInvalidArgument)
}

func TestServiceGrantInvalidatesUserCache(t *testing.T) {
	cache, client, _ := testCache(t)
	require.NoError(t, cache.Put(context.Background(), sampleSet(7)))

	store := newAdminStore()
	svc := NewService(store, cache, nil, nil)
	svc.WithClock(func() time.Time { return testNow })

	_, err := svc.GrantUserPermission(context.Background(), GrantUserPermissionInput{
		UserID: 7, PermissionID: 1, IsGranted: true,
	}, 1, "")
	require.NoError(t, err)

	exists, err := client.Exists(context.Background(), userPermissionsKey(7)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists, "stale set must not outlive the grant")
}

func TestServiceSetRolePermissionInvalidatesHolders(t *testing.T) {
	cache, client, snapshots := testCache(t)
	snapshots.roleHolders[10] = []int64{7, 8}
	require.NoError(t, cache.Put(context.Background(), sampleSet(7)))
	require.NoError(t, cache.Put(context.Background(), sampleSet(8)))

	store := newAdminStore()
	store.roles[10] = Role{ID: 10, Code: "TEACHER", IsActive: true}
	svc := NewService(store, cache, nil, nil)
	svc.WithClock(func() time.Time { return testNow })

	_, err := svc.SetRolePermission(context.Background(), SetRolePermissionInput{
		RoleID: 10, PermissionID: 1, IsGranted: true,
	}, 1, "curriculum change")
	require.NoError(t, err)

	for _, userID := range []int64{7, 8} {
		exists, err := client.Exists(context.Background(), userPermissionsKey(userID)).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(0), exists)
	}
}

func TestServiceRolePermissionChangeInvalidatesInheritingHolders(t *testing.T) {
	cache, client, snapshots := testCache(t)
	// User 7 holds CHILD, which inherits PARENT's grants; user 8 holds an
	// unrelated role.
	snapshots.roleHolders[10] = nil
	snapshots.roleHolders[20] = []int64{7}
	snapshots.roleHolders[30] = []int64{8}
	require.NoError(t, cache.Put(context.Background(), sampleSet(7)))
	require.NoError(t, cache.Put(context.Background(), sampleSet(8)))

	store := newAdminStore()
	store.roles[10] = Role{ID: 10, Code: "PARENT", IsActive: true}
	store.hierarchy = []RoleHierarchyEdge{{RoleID: 20, ParentRoleID: 10, InheritPermissions: true}}
	store.rolePermissions[pairKey(10, 1)] = RolePermission{RoleID: 10, PermissionID: 1, IsGranted: true}
	svc := NewService(store, cache, nil, nil)
	svc.WithClock(func() time.Time { return testNow })

	require.NoError(t, svc.RemoveRolePermission(context.Background(), 10, 1, 1, "tightened"))

	exists, err := client.Exists(context.Background(), userPermissionsKey(7)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists, "inheriting holder's set must be dropped")
	assert.Equal(t, 0, snapshots.countValid(7))

	exists, err = client.Exists(context.Background(), userPermissionsKey(8)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists, "unrelated role holder keeps their set")
}

func TestServiceRoleInvalidationFollowsDeepInheritance(t *testing.T) {
	cache, client, snapshots := testCache(t)
	// GRANDCHILD inherits CHILD inherits PARENT; NONINHERIT links to PARENT
	// without inheritance.
	snapshots.roleHolders[20] = []int64{7}
	snapshots.roleHolders[21] = []int64{8}
	snapshots.roleHolders[22] = []int64{9}
	require.NoError(t, cache.Put(context.Background(), sampleSet(7)))
	require.NoError(t, cache.Put(context.Background(), sampleSet(8)))
	require.NoError(t, cache.Put(context.Background(), sampleSet(9)))

	store := newAdminStore()
	store.roles[10] = Role{ID: 10, Code: "PARENT", IsActive: true}
	store.hierarchy = []RoleHierarchyEdge{
		{RoleID: 20, ParentRoleID: 10, InheritPermissions: true},
		{RoleID: 21, ParentRoleID: 20, InheritPermissions: true},
		{RoleID: 22, ParentRoleID: 10, InheritPermissions: false},
	}
	svc := NewService(store, cache, nil, nil)
	svc.WithClock(func() time.Time { return testNow })

	_, err := svc.SetRolePermission(context.Background(), SetRolePermissionInput{
		RoleID: 10, PermissionID: 1, IsGranted: true,
	}, 1, "")
	require.NoError(t, err)

	for _, userID := range []int64{7, 8} {
		exists, err := client.Exists(context.Background(), userPermissionsKey(userID)).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(0), exists, "transitive inheritor must be dropped")
	}
	exists, err := client.Exists(context.Background(), userPermissionsKey(9)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists, "non-inheriting link is unaffected")
}

func TestServiceSystemRoleWriteProtected(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.roles[1] = Role{ID: 1, Code: "SUPERADMIN", IsSystem: true, IsActive: true}

	_, err := svc.SetRolePermission(context.Background(), SetRolePermissionInput{
		RoleID: 1, PermissionID: 1, IsGranted: true,
	}, 1, "")
	require.ErrorIs(t, err, shared.ErrInvalidArgument)

	err = svc.RemoveRolePermission(context.Background(), 1, 1, 1, "")
	require.ErrorIs(t, err, shared.ErrInvalidArgument)
}

func TestServiceAssignRole(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.roles[10] = Role{ID: 10, Code: "TEACHER", IsActive: true}
	store.roles[11] = Role{ID: 11, Code: "RETIRED", IsActive: false}

	require.NoError(t, svc.AssignRole(context.Background(), 7, 10, time.Time{}, nil, 1, "new hire"))
	require.Len(t, store.userRoles, 1)
	assert.True(t, store.userRoles[0].ValidFrom.Equal(testNow), "zero valid_from defaults to now")

	err := svc.AssignRole(context.Background(), 7, 11, time.Time{}, nil, 1, "")
	require.ErrorIs(t, err, shared.ErrInvalidArgument)

	err = svc.AssignRole(context.Background(), 7, 99, time.Time{}, nil, 1, "")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestServiceRemoveRole(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.roles[10] = Role{ID: 10, Code: "TEACHER", IsActive: true}
	require.NoError(t, svc.AssignRole(context.Background(), 7, 10, time.Time{}, nil, 1, ""))

	require.NoError(t, svc.RemoveRole(context.Background(), 7, 10, 1, "left school"))
	assert.False(t, store.userRoles[0].IsActive, "membership is deactivated, not deleted")
}

func TestServicePositionLifecycle(t *testing.T) {
	svc, store, audit := newTestService(t)

	created, err := svc.AssignPosition(context.Background(), AssignPositionInput{
		UserID: 7, PositionCode: "VICE_PRINCIPAL", HierarchyLevel: 2,
	}, 1, "promotion")
	require.NoError(t, err)
	assert.True(t, created.IsActive)
	assert.Len(t, store.positions, 1)

	// Re-assigning updates the level in place.
	created, err = svc.AssignPosition(context.Background(), AssignPositionInput{
		UserID: 7, PositionCode: "VICE_PRINCIPAL", HierarchyLevel: 1,
	}, 1, "restructure")
	require.NoError(t, err)
	assert.Equal(t, 1, created.HierarchyLevel)
	assert.Len(t, store.positions, 1)

	require.NoError(t, svc.RemovePosition(context.Background(), 7, "VICE_PRINCIPAL", 1, "stepped down"))
	assert.False(t, store.positions[positionKey(7, "VICE_PRINCIPAL")].IsActive)
	assert.Equal(t, []string{"user_position.assign", "user_position.assign", "user_position.remove"}, audit.operations())

	err = svc.RemovePosition(context.Background(), 7, "VICE_PRINCIPAL", 1, "")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestServicePositionInputValidated(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.AssignPosition(context.Background(), AssignPositionInput{
		UserID: 7, PositionCode: "", HierarchyLevel: 2,
	}, 1, "")
	require.ErrorIs(t, err, shared.ErrInvalidArgument)
}

func TestServicePositionChangeInvalidatesUserCache(t *testing.T) {
	cache, client, _ := testCache(t)
	require.NoError(t, cache.Put(context.Background(), sampleSet(7)))

	store := newAdminStore()
	svc := NewService(store, cache, nil, nil)
	svc.WithClock(func() time.Time { return testNow })

	_, err := svc.AssignPosition(context.Background(), AssignPositionInput{
		UserID: 7, PositionCode: "VICE_PRINCIPAL", HierarchyLevel: 2,
	}, 1, "")
	require.NoError(t, err)

	exists, err := client.Exists(context.Background(), userPermissionsKey(7)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists, "position level rides in the cached set")
}

func TestServiceResourcePermissionLifecycle(t *testing.T) {
	svc, store, audit := newTestService(t)

	created, err := svc.GrantResourcePermission(context.Background(), GrantResourcePermissionInput{
		UserID: 7, PermissionID: 3, ResourceType: "document", ResourceID: "doc-42", IsGranted: true,
	}, 1, "committee review")
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	require.NoError(t, svc.RevokeResourcePermission(context.Background(), created.ID, 1, "review done"))
	assert.Empty(t, store.resourcePermissions)
	assert.Equal(t, []string{"resource_permission.grant", "resource_permission.revoke"}, audit.operations())

	err = svc.RevokeResourcePermission(context.Background(), created.ID, 1, "")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestServiceRoleHierarchyCycleRejected(t *testing.T) {
	svc, store, _ := newTestService(t)

	require.NoError(t, svc.AddRoleHierarchyEdge(context.Background(), 1, 2, true, 1, ""))
	require.NoError(t, svc.AddRoleHierarchyEdge(context.Background(), 2, 3, true, 1, ""))

	err := svc.AddRoleHierarchyEdge(context.Background(), 3, 1, true, 1, "")
	require.ErrorIs(t, err, shared.ErrCycleDetected)
	assert.Len(t, store.hierarchy, 2, "rejected edge is not persisted")

	err = svc.AddRoleHierarchyEdge(context.Background(), 1, 1, true, 1, "")
	require.ErrorIs(t, err, shared.ErrInvalidArgument)

	err = svc.AddRoleHierarchyEdge(context.Background(), 1, 2, true, 1, "")
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestServiceRemoveRoleHierarchyEdge(t *testing.T) {
	svc, store, _ := newTestService(t)
	require.NoError(t, svc.AddRoleHierarchyEdge(context.Background(), 1, 2, true, 1, ""))

	require.NoError(t, svc.RemoveRoleHierarchyEdge(context.Background(), 1, 2, 1, "restructure"))
	assert.Empty(t, store.hierarchy)

	// The previously cyclic edge is now legal.
	require.NoError(t, svc.AddRoleHierarchyEdge(context.Background(), 2, 1, true, 1, ""))
}

func TestServicePermissionDependencyCycleRejected(t *testing.T) {
	svc, store, _ := newTestService(t)

	require.NoError(t, svc.AddPermissionDependency(context.Background(), 1, 2, 1, ""))
	err := svc.AddPermissionDependency(context.Background(), 2, 1, 1, "")
	require.ErrorIs(t, err, shared.ErrCycleDetected)
	assert.Len(t, store.dependencies, 1)

	require.NoError(t, svc.RemovePermissionDependency(context.Background(), 1, 2, 1, ""))
	assert.Empty(t, store.dependencies)
}
