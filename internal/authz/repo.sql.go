package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const permissionColumns = `id, code, name, resource, action, COALESCE(scope, ''), conditions, COALESCE(category, ''), is_system, is_active, created_at, updated_at`

func scanPermission(row pgx.Row) (Permission, error) {
	var p Permission
	var action, scope string
	var conditions []byte
	if err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Resource, &action, &scope, &conditions, &p.Category, &p.IsSystem, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Permission{}, err
	}
	p.Action = Action(action)
	p.Scope = Scope(scope)
	var err error
	p.Conditions, err = unmarshalPredicate(conditions)
	return p, err
}

// GetPermission fetches a catalog entry by ID.
func (r *Repository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id)
	p, err := scanPermission(row)
	if err != nil {
		return Permission{}, mapError(err)
	}
	return p, nil
}

// GetPermissionsByIDs fetches catalog entries keyed by ID.
func (r *Repository) GetPermissionsByIDs(ctx context.Context, ids []int64) (map[int64]Permission, error) {
	result := make(map[int64]Permission, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

// GetPermissionsByCodes fetches catalog entries by code.
func (r *Repository) GetPermissionsByCodes(ctx context.Context, codes []string) ([]Permission, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE code = ANY($1)`, codes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// CreatePermission inserts a catalog entry.
func (r *Repository) CreatePermission(ctx context.Context, p Permission) (Permission, error) {
	conditions, err := marshalPredicate(p.Conditions)
	if err != nil {
		return Permission{}, err
	}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO permissions (code, name, resource, action, scope, conditions, category, is_system, is_active)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9)
		 RETURNING `+permissionColumns,
		p.Code, p.Name, p.Resource, string(p.Action), string(p.Scope), conditions, p.Category, p.IsSystem, p.IsActive)
	created, err := scanPermission(row)
	if err != nil {
		return Permission{}, mapError(err)
	}
	return created, nil
}

// UpdatePermission updates mutable catalog fields.
func (r *Repository) UpdatePermission(ctx context.Context, p Permission) (Permission, error) {
	conditions, err := marshalPredicate(p.Conditions)
	if err != nil {
		return Permission{}, err
	}
	row := r.pool.QueryRow(ctx,
		`UPDATE permissions SET name = $2, conditions = $3, category = NULLIF($4, ''), updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+permissionColumns,
		p.ID, p.Name, conditions, p.Category)
	updated, err := scanPermission(row)
	if err != nil {
		return Permission{}, mapError(err)
	}
	return updated, nil
}

// DeactivatePermission soft-deletes a catalog entry.
func (r *Repository) DeactivatePermission(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE permissions SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows)
	}
	return nil
}

// GetRole fetches a role by ID.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx,
		`SELECT id, code, name, hierarchy_level, is_system, is_active, created_at, updated_at FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.Code, &role.Name, &role.HierarchyLevel, &role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, mapError(err)
	}
	return role, nil
}

// GetRolesByIDs fetches roles keyed by ID.
func (r *Repository) GetRolesByIDs(ctx context.Context, ids []int64) (map[int64]Role, error) {
	result := make(map[int64]Role, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, code, name, hierarchy_level, is_system, is_active, created_at, updated_at FROM roles WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Code, &role.Name, &role.HierarchyLevel, &role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		result[role.ID] = role
	}
	return result, rows.Err()
}

// ListRoleHierarchy loads the full role-inheritance edge set.
func (r *Repository) ListRoleHierarchy(ctx context.Context) ([]RoleHierarchyEdge, error) {
	rows, err := r.pool.Query(ctx, `SELECT role_id, parent_role_id, inherit_permissions FROM role_hierarchy`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []RoleHierarchyEdge
	for rows.Next() {
		var e RoleHierarchyEdge
		if err := rows.Scan(&e.RoleID, &e.ParentRoleID, &e.InheritPermissions); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ListRolePermissions returns all grants attached to the given roles.
func (r *Repository) ListRolePermissions(ctx context.Context, roleIDs []int64) ([]RolePermission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT role_id, permission_id, is_granted, conditions, valid_from, valid_until, priority, granted_by, COALESCE(grant_reason, '')
		 FROM role_permissions WHERE role_id = ANY($1)`, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []RolePermission
	for rows.Next() {
		var g RolePermission
		var conditions []byte
		if err := rows.Scan(&g.RoleID, &g.PermissionID, &g.IsGranted, &conditions, &g.ValidFrom, &g.ValidUntil, &g.Priority, &g.GrantedBy, &g.GrantReason); err != nil {
			return nil, err
		}
		if g.Conditions, err = unmarshalPredicate(conditions); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// UpsertRolePermission writes one (role, permission) row.
func (r *Repository) UpsertRolePermission(ctx context.Context, rp RolePermission) (RolePermission, error) {
	conditions, err := marshalPredicate(rp.Conditions)
	if err != nil {
		return RolePermission{}, err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO role_permissions (role_id, permission_id, is_granted, conditions, valid_from, valid_until, priority, granted_by, grant_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		 ON CONFLICT (role_id, permission_id) DO UPDATE SET
		   is_granted = EXCLUDED.is_granted, conditions = EXCLUDED.conditions,
		   valid_from = EXCLUDED.valid_from, valid_until = EXCLUDED.valid_until,
		   priority = EXCLUDED.priority, granted_by = EXCLUDED.granted_by, grant_reason = EXCLUDED.grant_reason`,
		rp.RoleID, rp.PermissionID, rp.IsGranted, conditions, rp.ValidFrom, rp.ValidUntil, rp.Priority, rp.GrantedBy, rp.GrantReason)
	if err != nil {
		return RolePermission{}, mapError(err)
	}
	return rp, nil
}

// DeleteRolePermission detaches a permission from a role.
func (r *Repository) DeleteRolePermission(ctx context.Context, roleID, permissionID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows)
	}
	return nil
}

// ListUserRoles returns a user's role memberships, windows included.
func (r *Repository) ListUserRoles(ctx context.Context, userID int64) ([]UserRole, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, role_id, is_active, valid_from, valid_until FROM user_roles WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var memberships []UserRole
	for rows.Next() {
		var m UserRole
		if err := rows.Scan(&m.UserID, &m.RoleID, &m.IsActive, &m.ValidFrom, &m.ValidUntil); err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

// InsertUserRole writes a membership row.
func (r *Repository) InsertUserRole(ctx context.Context, ur UserRole) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id, is_active, valid_from, valid_until)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, role_id) DO UPDATE SET
		   is_active = EXCLUDED.is_active, valid_from = EXCLUDED.valid_from, valid_until = EXCLUDED.valid_until`,
		ur.UserID, ur.RoleID, ur.IsActive, ur.ValidFrom, ur.ValidUntil)
	return mapError(err)
}

// DeactivateUserRole soft-removes a membership.
func (r *Repository) DeactivateUserRole(ctx context.Context, userID, roleID int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE user_roles SET is_active = FALSE WHERE user_id = $1 AND role_id = $2 AND is_active`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows)
	}
	return nil
}

// ListActiveRoleHolders returns user IDs with an active membership of the
// role. Used for invalidation fan-out.
func (r *Repository) ListActiveRoleHolders(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT user_id FROM user_roles WHERE role_id = $1 AND is_active`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var holders []int64
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		holders = append(holders, userID)
	}
	return holders, rows.Err()
}

// ListUserPermissions returns a user's direct overrides.
func (r *Repository) ListUserPermissions(ctx context.Context, userID int64) ([]UserPermission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, permission_id, is_granted, conditions, priority, is_temporary, valid_from, valid_until
		 FROM user_permissions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var overrides []UserPermission
	for rows.Next() {
		var up UserPermission
		var conditions []byte
		if err := rows.Scan(&up.ID, &up.UserID, &up.PermissionID, &up.IsGranted, &conditions, &up.Priority, &up.IsTemporary, &up.ValidFrom, &up.ValidUntil); err != nil {
			return nil, err
		}
		if up.Conditions, err = unmarshalPredicate(conditions); err != nil {
			return nil, err
		}
		overrides = append(overrides, up)
	}
	return overrides, rows.Err()
}

// UpsertUserPermission writes one (user, permission) override row.
func (r *Repository) UpsertUserPermission(ctx context.Context, up UserPermission) (UserPermission, error) {
	conditions, err := marshalPredicate(up.Conditions)
	if err != nil {
		return UserPermission{}, err
	}
	err = r.pool.QueryRow(ctx,
		`INSERT INTO user_permissions (user_id, permission_id, is_granted, conditions, priority, is_temporary, valid_from, valid_until)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id, permission_id) DO UPDATE SET
		   is_granted = EXCLUDED.is_granted, conditions = EXCLUDED.conditions,
		   priority = EXCLUDED.priority, is_temporary = EXCLUDED.is_temporary,
		   valid_from = EXCLUDED.valid_from, valid_until = EXCLUDED.valid_until
		 RETURNING id`,
		up.UserID, up.PermissionID, up.IsGranted, conditions, up.Priority, up.IsTemporary, up.ValidFrom, up.ValidUntil).
		Scan(&up.ID)
	if err != nil {
		return UserPermission{}, mapError(err)
	}
	return up, nil
}

// DeleteUserPermission removes a direct override.
func (r *Repository) DeleteUserPermission(ctx context.Context, userID, permissionID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2`, userID, permissionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows)
	}
	return nil
}

// ListResourcePermissions returns a user's instance-scoped grants.
func (r *Repository) ListResourcePermissions(ctx context.Context, userID int64) ([]ResourcePermission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, permission_id, resource_type, resource_id, is_granted, valid_until
		 FROM resource_permissions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []ResourcePermission
	for rows.Next() {
		var rp ResourcePermission
		if err := rows.Scan(&rp.ID, &rp.UserID, &rp.PermissionID, &rp.ResourceType, &rp.ResourceID, &rp.IsGranted, &rp.ValidUntil); err != nil {
			return nil, err
		}
		grants = append(grants, rp)
	}
	return grants, rows.Err()
}

// GetResourcePermission fetches one instance-scoped grant.
func (r *Repository) GetResourcePermission(ctx context.Context, id int64) (ResourcePermission, error) {
	var rp ResourcePermission
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, permission_id, resource_type, resource_id, is_granted, valid_until
		 FROM resource_permissions WHERE id = $1`, id).
		Scan(&rp.ID, &rp.UserID, &rp.PermissionID, &rp.ResourceType, &rp.ResourceID, &rp.IsGranted, &rp.ValidUntil)
	if err != nil {
		return ResourcePermission{}, mapError(err)
	}
	return rp, nil
}

// InsertResourcePermission writes an instance-scoped grant.
func (r *Repository) InsertResourcePermission(ctx context.Context, rp ResourcePermission) (ResourcePermission, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO resource_permissions (user_id, permission_id, resource_type, resource_id, is_granted, valid_until)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		rp.UserID, rp.PermissionID, rp.ResourceType, rp.ResourceID, rp.IsGranted, rp.ValidUntil).
		Scan(&rp.ID)
	if err != nil {
		return ResourcePermission{}, mapError(err)
	}
	return rp, nil
}

// DeleteResourcePermission removes an instance-scoped grant.
func (r *Repository) DeleteResourcePermission(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM resource_permissions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows)
	}
	return nil
}

const delegationColumns = `id, reference, delegator_id, delegate_id, permissions, COALESCE(reason, ''), valid_from, valid_until, is_revoked, COALESCE(revoked_reason, ''), is_expired, created_at`

func scanDelegation(row pgx.Row) (Delegation, error) {
	var d Delegation
	var codes []byte
	if err := row.Scan(&d.ID, &d.Reference, &d.DelegatorID, &d.DelegateID, &codes, &d.Reason, &d.ValidFrom, &d.ValidUntil, &d.IsRevoked, &d.RevokedReason, &d.IsExpired, &d.CreatedAt); err != nil {
		return Delegation{}, err
	}
	var err error
	d.Permissions, err = unmarshalCodes(codes)
	return d, err
}

// GetDelegation fetches one delegation by ID.
func (r *Repository) GetDelegation(ctx context.Context, id int64) (Delegation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+delegationColumns+` FROM permission_delegations WHERE id = $1`, id)
	d, err := scanDelegation(row)
	if err != nil {
		return Delegation{}, mapError(err)
	}
	return d, nil
}

// delegationQuerier abstracts pool and tx reads over delegations.
type delegationQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listDelegations(ctx context.Context, q delegationQuerier, where string, args ...any) ([]Delegation, error) {
	rows, err := q.Query(ctx, `SELECT `+delegationColumns+` FROM permission_delegations WHERE `+where+` ORDER BY valid_from`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var delegations []Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		delegations = append(delegations, d)
	}
	return delegations, rows.Err()
}

// ListDelegationsTo returns delegations where the user is the delegate.
func (r *Repository) ListDelegationsTo(ctx context.Context, delegateID int64) ([]Delegation, error) {
	return listDelegations(ctx, r.pool, `delegate_id = $1`, delegateID)
}

// ListDelegationsFrom returns delegations where the user is the delegator.
func (r *Repository) ListDelegationsFrom(ctx context.Context, delegatorID int64) ([]Delegation, error) {
	return listDelegations(ctx, r.pool, `delegator_id = $1`, delegatorID)
}

// delegationTx is the DelegationTx implementation bound to one advisory-lock
// transaction.
type delegationTx struct {
	tx pgx.Tx
}

func (t *delegationTx) ListDelegationsBetween(ctx context.Context, delegatorID, delegateID int64) ([]Delegation, error) {
	return listDelegations(ctx, t.tx, `delegator_id = $1 AND delegate_id = $2`, delegatorID, delegateID)
}

func (t *delegationTx) CreateDelegation(ctx context.Context, d Delegation) (Delegation, error) {
	codes, err := marshalCodes(d.Permissions)
	if err != nil {
		return Delegation{}, err
	}
	row := t.tx.QueryRow(ctx,
		`INSERT INTO permission_delegations (reference, delegator_id, delegate_id, permissions, reason, valid_from, valid_until, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		 RETURNING `+delegationColumns,
		d.Reference, d.DelegatorID, d.DelegateID, codes, d.Reason, d.ValidFrom, d.ValidUntil, d.CreatedAt)
	created, err := scanDelegation(row)
	if err != nil {
		return Delegation{}, mapError(err)
	}
	return created, nil
}

func (t *delegationTx) ExtendDelegation(ctx context.Context, id int64, until time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE permission_delegations SET valid_until = $2, is_expired = FALSE WHERE id = $1 AND NOT is_revoked`,
		id, until)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows)
	}
	return nil
}

// RevokeDelegation marks a delegation revoked.
func (r *Repository) RevokeDelegation(ctx context.Context, id int64, reason string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE permission_delegations SET is_revoked = TRUE, revoked_reason = NULLIF($2, '') WHERE id = $1 AND NOT is_revoked`,
		id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows)
	}
	return nil
}

// MarkExpiredDelegations flags lapsed delegations. Advisory bookkeeping:
// resolution ignores expired windows either way.
func (r *Repository) MarkExpiredDelegations(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE permission_delegations SET is_expired = TRUE WHERE valid_until < $1 AND NOT is_expired AND NOT is_revoked`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListUserPositions returns a user's organizational positions.
func (r *Repository) ListUserPositions(ctx context.Context, userID int64) ([]UserPosition, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, position_code, hierarchy_level, is_active FROM user_positions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var positions []UserPosition
	for rows.Next() {
		var p UserPosition
		if err := rows.Scan(&p.UserID, &p.PositionCode, &p.HierarchyLevel, &p.IsActive); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpsertUserPosition writes or reactivates a position assignment.
func (r *Repository) UpsertUserPosition(ctx context.Context, p UserPosition) (UserPosition, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_positions (user_id, position_code, hierarchy_level, is_active)
		 VALUES ($1, $2, $3, TRUE)
		 ON CONFLICT (user_id, position_code)
		 DO UPDATE SET hierarchy_level = EXCLUDED.hierarchy_level, is_active = TRUE`,
		p.UserID, p.PositionCode, p.HierarchyLevel)
	if err != nil {
		return UserPosition{}, mapError(err)
	}
	p.IsActive = true
	return p, nil
}

// DeactivateUserPosition soft-removes a position assignment.
func (r *Repository) DeactivateUserPosition(ctx context.Context, userID int64, positionCode string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE user_positions SET is_active = FALSE WHERE user_id = $1 AND position_code = $2 AND is_active`,
		userID, positionCode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows)
	}
	return nil
}

// SaveSnapshot stores a computed set in the durable tier and trims older
// snapshots past the retention count.
func (r *Repository) SaveSnapshot(ctx context.Context, set *ComputedPermissions, expiresAt time.Time, keep int) error {
	payload, err := json.Marshal(set)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO permission_cache (user_id, cache_key, computed_at, expires_at, is_valid, payload)
		 VALUES ($1, $2, $3, $4, TRUE, $5)`,
		set.UserID, userPermissionsKey(set.UserID), set.ComputedAt, expiresAt, payload)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`DELETE FROM permission_cache WHERE user_id = $1 AND id NOT IN (
		   SELECT id FROM permission_cache WHERE user_id = $1 ORDER BY computed_at DESC LIMIT $2)`,
		set.UserID, keep)
	return err
}

// LatestSnapshot returns the newest valid, unexpired snapshot, or nil.
func (r *Repository) LatestSnapshot(ctx context.Context, userID int64, now time.Time) (*ComputedPermissions, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx,
		`SELECT payload FROM permission_cache
		 WHERE user_id = $1 AND is_valid AND expires_at >= $2
		 ORDER BY computed_at DESC LIMIT 1`, userID, now).
		Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var set ComputedPermissions
	if err := json.Unmarshal(payload, &set); err != nil {
		return nil, fmt.Errorf("authz: decode snapshot: %w", err)
	}
	return &set, nil
}

// InvalidateSnapshots marks one user's snapshots invalid.
func (r *Repository) InvalidateSnapshots(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE permission_cache SET is_valid = FALSE WHERE user_id = $1 AND is_valid`, userID)
	return err
}

// InvalidateAllSnapshots marks every snapshot invalid.
func (r *Repository) InvalidateAllSnapshots(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `UPDATE permission_cache SET is_valid = FALSE WHERE is_valid`)
	return err
}

// InsertCheckLog appends one resolution outcome.
func (r *Repository) InsertCheckLog(ctx context.Context, entry CheckLogEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO permission_check_logs (user_id, resource, action, scope, resource_id, allowed, source, reason, duration_ms, checked_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9, $10)`,
		entry.UserID, entry.Resource, string(entry.Action), string(entry.Scope), entry.ResourceID,
		entry.Allowed, string(entry.Source), entry.Reason, entry.Duration.Milliseconds(), entry.CheckedAt)
	return err
}

// PruneCheckLog deletes entries older than the cutoff.
func (r *Repository) PruneCheckLog(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permission_check_logs WHERE checked_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListConflictingUserPermissions reports (user, permission) pairs holding
// both a grant and a deny among rows applicable now.
func (r *Repository) ListConflictingUserPermissions(ctx context.Context, now time.Time) ([]PermissionConflict, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT up.user_id, up.permission_id, p.code,
		        COUNT(*) FILTER (WHERE up.is_granted) AS grants,
		        COUNT(*) FILTER (WHERE NOT up.is_granted) AS denies
		 FROM user_permissions up
		 JOIN permissions p ON p.id = up.permission_id
		 WHERE up.valid_from <= $1 AND (up.valid_until IS NULL OR up.valid_until >= $1)
		 GROUP BY up.user_id, up.permission_id, p.code
		 HAVING COUNT(*) FILTER (WHERE up.is_granted) > 0
		    AND COUNT(*) FILTER (WHERE NOT up.is_granted) > 0`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var conflicts []PermissionConflict
	for rows.Next() {
		var c PermissionConflict
		if err := rows.Scan(&c.UserID, &c.PermissionID, &c.PermissionCode, &c.Grants, &c.Denies); err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// ListUncategorizedPermissions returns active permissions without a category.
func (r *Repository) ListUncategorizedPermissions(ctx context.Context) ([]Permission, error) {
	return r.listPermissionsWhere(ctx, `is_active AND (category IS NULL OR category = '')`)
}

// ListUnattachedPermissions returns active permissions nothing references.
func (r *Repository) ListUnattachedPermissions(ctx context.Context) ([]Permission, error) {
	return r.listPermissionsWhere(ctx, `is_active
		 AND NOT EXISTS (SELECT 1 FROM role_permissions rp WHERE rp.permission_id = permissions.id)
		 AND NOT EXISTS (SELECT 1 FROM user_permissions up WHERE up.permission_id = permissions.id)
		 AND NOT EXISTS (SELECT 1 FROM resource_permissions xp WHERE xp.permission_id = permissions.id)`)
}

// ListUnusedPermissions returns active permissions with zero check-log hits
// since the cutoff.
func (r *Repository) ListUnusedPermissions(ctx context.Context, since time.Time) ([]Permission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+permissionColumns+` FROM permissions p
		 WHERE p.is_active AND NOT EXISTS (
		   SELECT 1 FROM permission_check_logs l
		   WHERE l.resource = p.resource AND l.action = p.action AND l.checked_at >= $1)`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r *Repository) listPermissionsWhere(ctx context.Context, where string) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE `+where)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// HealthCounts gathers coarse engine counters.
func (r *Repository) HealthCounts(ctx context.Context, now time.Time) (HealthSummary, error) {
	var s HealthSummary
	err := r.pool.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM permissions WHERE is_active),
		   (SELECT COUNT(*) FROM roles WHERE is_active),
		   (SELECT COUNT(*) FROM permission_delegations WHERE NOT is_revoked AND valid_from <= $1 AND valid_until >= $1),
		   (SELECT COUNT(*) FROM role_hierarchy),
		   (SELECT COUNT(*) FROM permission_dependencies),
		   (SELECT COUNT(*) FROM permission_cache WHERE is_valid AND expires_at >= $1),
		   (SELECT COUNT(*) FROM permission_check_logs WHERE checked_at >= $1 - INTERVAL '1 day'),
		   (SELECT COUNT(*) FROM permission_check_logs WHERE checked_at >= $1 - INTERVAL '1 day' AND NOT allowed)`,
		now).
		Scan(&s.ActivePermissions, &s.ActiveRoles, &s.ActiveDelegations, &s.HierarchyEdges,
			&s.DependencyEdges, &s.ValidCacheEntries, &s.ChecksLastDay, &s.DeniesLastDay)
	if err != nil {
		return HealthSummary{}, err
	}
	return s, nil
}

// roleGraphTx binds role-hierarchy edge operations to one transaction.
type roleGraphTx struct {
	tx pgx.Tx
}

func (t *roleGraphTx) ListEdges(ctx context.Context) ([]RoleHierarchyEdge, error) {
	rows, err := t.tx.Query(ctx, `SELECT role_id, parent_role_id, inherit_permissions FROM role_hierarchy`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []RoleHierarchyEdge
	for rows.Next() {
		var e RoleHierarchyEdge
		if err := rows.Scan(&e.RoleID, &e.ParentRoleID, &e.InheritPermissions); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (t *roleGraphTx) InsertEdge(ctx context.Context, edge RoleHierarchyEdge) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO role_hierarchy (role_id, parent_role_id, inherit_permissions) VALUES ($1, $2, $3)`,
		edge.RoleID, edge.ParentRoleID, edge.InheritPermissions)
	return mapError(err)
}

func (t *roleGraphTx) DeleteEdge(ctx context.Context, roleID, parentRoleID int64) error {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM role_hierarchy WHERE role_id = $1 AND parent_role_id = $2`, roleID, parentRoleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows)
	}
	return nil
}

// dependencyGraphTx binds permission-dependency edge operations to one
// transaction.
type dependencyGraphTx struct {
	tx pgx.Tx
}

func (t *dependencyGraphTx) ListEdges(ctx context.Context) ([]PermissionDependency, error) {
	rows, err := t.tx.Query(ctx, `SELECT permission_id, required_permission_id FROM permission_dependencies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []PermissionDependency
	for rows.Next() {
		var e PermissionDependency
		if err := rows.Scan(&e.PermissionID, &e.RequiredPermissionID); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (t *dependencyGraphTx) InsertEdge(ctx context.Context, edge PermissionDependency) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO permission_dependencies (permission_id, required_permission_id) VALUES ($1, $2)`,
		edge.PermissionID, edge.RequiredPermissionID)
	return mapError(err)
}

func (t *dependencyGraphTx) DeleteEdge(ctx context.Context, permissionID, requiredPermissionID int64) error {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM permission_dependencies WHERE permission_id = $1 AND required_permission_id = $2`,
		permissionID, requiredPermissionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows)
	}
	return nil
}
