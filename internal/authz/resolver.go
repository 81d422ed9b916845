package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// CandidateGrant is one potential grant (or explicit deny) from any source,
// flattened into a principal's computed permission set. Validity windows are
// kept so a cached set stays correct as time passes.
type CandidateGrant struct {
	Source     Source     `json:"source"`
	Resource   string     `json:"resource"`
	Action     Action     `json:"action"`
	Scope      Scope      `json:"scope,omitempty"`
	Conditions Predicate  `json:"conditions,omitempty"`
	IsGranted  bool       `json:"is_granted"`
	Priority   int        `json:"priority"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`

	PermissionCode string `json:"permission_code"`
	ResourceType   string `json:"resource_type,omitempty"`
	ResourceID     string `json:"resource_id,omitempty"`
	Provenance     string `json:"provenance,omitempty"`
}

// ComputedPermissions is a principal's full resolved permission set, the unit
// cached by the cache layer. Grants are ordered: within the role source the
// order encodes seniority and inheritance depth.
type ComputedPermissions struct {
	UserID           int64            `json:"user_id"`
	ComputedAt       time.Time        `json:"computed_at"`
	MinPositionLevel *int             `json:"min_position_level,omitempty"`
	Grants           []CandidateGrant `json:"grants"`
}

// ResolverStore is the storage surface the resolver reads from.
type ResolverStore interface {
	ListUserPermissions(ctx context.Context, userID int64) ([]UserPermission, error)
	ListDelegationsTo(ctx context.Context, delegateID int64) ([]Delegation, error)
	ListResourcePermissions(ctx context.Context, userID int64) ([]ResourcePermission, error)
	ListUserRoles(ctx context.Context, userID int64) ([]UserRole, error)
	GetRolesByIDs(ctx context.Context, ids []int64) (map[int64]Role, error)
	ListRoleHierarchy(ctx context.Context) ([]RoleHierarchyEdge, error)
	ListRolePermissions(ctx context.Context, roleIDs []int64) ([]RolePermission, error)
	GetPermissionsByIDs(ctx context.Context, ids []int64) (map[int64]Permission, error)
	GetPermissionsByCodes(ctx context.Context, codes []string) ([]Permission, error)
	ListUserPositions(ctx context.Context, userID int64) ([]UserPosition, error)
	InsertCheckLog(ctx context.Context, entry CheckLogEntry) error
}

// positionRequiredLevel maps each action to the most junior position level
// (lower = more senior) still allowed to perform it when no explicit grant
// exists.
var positionRequiredLevel = map[Action]int{
	ActionRead:    4,
	ActionCreate:  3,
	ActionUpdate:  3,
	ActionExport:  3,
	ActionApprove: 2,
	ActionDelete:  2,
}

// Resolver answers access questions across the five grant sources.
type Resolver struct {
	store           ResolverStore
	cache           *PermissionCache
	logger          *slog.Logger
	checkLogEnabled bool
	clock           func() time.Time
}

// NewResolver constructs a Resolver. The cache may be nil, in which case
// every call recomputes the permission set.
func NewResolver(store ResolverStore, cache *PermissionCache, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		cache:  cache,
		logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the clock for deterministic tests.
func (r *Resolver) WithClock(clock func() time.Time) {
	r.clock = clock
}

// EnableCheckLog toggles append-only logging of every decision.
func (r *Resolver) EnableCheckLog(enabled bool) {
	r.checkLogEnabled = enabled
}

// Resolve decides one access request. Denial is a normal Decision, not an
// error; errors are reserved for infrastructure failures and callers must
// treat them as denied.
func (r *Resolver) Resolve(ctx context.Context, req CheckRequest) (Decision, error) {
	started := r.clock()
	set, err := r.permissionSet(ctx, req.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("authz: resolve user %d: %w", req.UserID, err)
	}
	decision := decide(set, req, r.clock())
	r.recordCheck(ctx, req, decision, r.clock().Sub(started))
	return decision, nil
}

// CheckBulk resolves each request independently. Items do not short-circuit
// one another.
func (r *Resolver) CheckBulk(ctx context.Context, userID int64, reqs []CheckRequest) ([]Decision, error) {
	decisions := make([]Decision, 0, len(reqs))
	for _, req := range reqs {
		req.UserID = userID
		decision, err := r.Resolve(ctx, req)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, decision)
	}
	return decisions, nil
}

// ComputeSet builds a principal's permission set directly from storage,
// bypassing the cache. The cache layer uses it as its loader.
func (r *Resolver) ComputeSet(ctx context.Context, userID int64) (*ComputedPermissions, error) {
	set := &ComputedPermissions{UserID: userID, ComputedAt: r.clock()}

	if err := r.collectDirect(ctx, userID, set); err != nil {
		return nil, err
	}
	if err := r.collectDelegated(ctx, userID, set); err != nil {
		return nil, err
	}
	if err := r.collectResource(ctx, userID, set); err != nil {
		return nil, err
	}
	if err := r.collectRoles(ctx, userID, set); err != nil {
		return nil, err
	}

	positions, err := r.store.ListUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, pos := range positions {
		if !pos.IsActive {
			continue
		}
		if set.MinPositionLevel == nil || pos.HierarchyLevel < *set.MinPositionLevel {
			level := pos.HierarchyLevel
			set.MinPositionLevel = &level
		}
	}
	return set, nil
}

func (r *Resolver) permissionSet(ctx context.Context, userID int64) (*ComputedPermissions, error) {
	if r.cache == nil {
		return r.ComputeSet(ctx, userID)
	}
	return r.cache.Get(ctx, userID, func(ctx context.Context) (*ComputedPermissions, error) {
		return r.ComputeSet(ctx, userID)
	})
}

func (r *Resolver) collectDirect(ctx context.Context, userID int64, set *ComputedPermissions) error {
	rows, err := r.store.ListUserPermissions(ctx, userID)
	if err != nil {
		return err
	}
	perms, err := r.permissionCatalog(ctx, rows)
	if err != nil {
		return err
	}
	for _, row := range rows {
		perm, ok := perms[row.PermissionID]
		if !ok || !perm.IsActive {
			continue
		}
		set.Grants = append(set.Grants, CandidateGrant{
			Source:         SourceDirect,
			Resource:       perm.Resource,
			Action:         perm.Action,
			Scope:          perm.Scope,
			Conditions:     mergePredicates(perm.Conditions, row.Conditions),
			IsGranted:      row.IsGranted,
			Priority:       row.Priority,
			ValidFrom:      row.ValidFrom,
			ValidUntil:     row.ValidUntil,
			PermissionCode: perm.Code,
			Provenance:     directProvenance(row),
		})
	}
	return nil
}

func (r *Resolver) collectDelegated(ctx context.Context, userID int64, set *ComputedPermissions) error {
	delegations, err := r.store.ListDelegationsTo(ctx, userID)
	if err != nil {
		return err
	}
	for _, d := range delegations {
		if d.IsRevoked || len(d.Permissions) == 0 {
			continue
		}
		perms, err := r.store.GetPermissionsByCodes(ctx, d.Permissions)
		if err != nil {
			return err
		}
		until := d.ValidUntil
		for _, perm := range perms {
			if !perm.IsActive {
				continue
			}
			set.Grants = append(set.Grants, CandidateGrant{
				Source:         SourceDelegation,
				Resource:       perm.Resource,
				Action:         perm.Action,
				Scope:          perm.Scope,
				Conditions:     perm.Conditions,
				IsGranted:      true,
				ValidFrom:      d.ValidFrom,
				ValidUntil:     &until,
				PermissionCode: perm.Code,
				Provenance:     fmt.Sprintf("delegated by user %d", d.DelegatorID),
			})
		}
	}
	return nil
}

func (r *Resolver) collectResource(ctx context.Context, userID int64, set *ComputedPermissions) error {
	rows, err := r.store.ListResourcePermissions(ctx, userID)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.PermissionID)
	}
	perms, err := r.store.GetPermissionsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, row := range rows {
		perm, ok := perms[row.PermissionID]
		if !ok || !perm.IsActive {
			continue
		}
		set.Grants = append(set.Grants, CandidateGrant{
			Source:         SourceResource,
			Resource:       row.ResourceType,
			Action:         perm.Action,
			Scope:          perm.Scope,
			Conditions:     perm.Conditions,
			IsGranted:      row.IsGranted,
			ValidUntil:     row.ValidUntil,
			PermissionCode: perm.Code,
			ResourceType:   row.ResourceType,
			ResourceID:     row.ResourceID,
			Provenance:     fmt.Sprintf("grant on %s:%s", row.ResourceType, row.ResourceID),
		})
	}
	return nil
}

// roleVisit is one role reached during hierarchy traversal, with the
// membership window it was reached under.
type roleVisit struct {
	roleID     int64
	code       string
	via        string
	validFrom  time.Time
	validUntil *time.Time
}

func (r *Resolver) collectRoles(ctx context.Context, userID int64, set *ComputedPermissions) error {
	memberships, err := r.store.ListUserRoles(ctx, userID)
	if err != nil {
		return err
	}
	if len(memberships) == 0 {
		return nil
	}

	roleIDs := make([]int64, 0, len(memberships))
	for _, m := range memberships {
		roleIDs = append(roleIDs, m.RoleID)
	}
	roles, err := r.store.GetRolesByIDs(ctx, roleIDs)
	if err != nil {
		return err
	}
	edges, err := r.store.ListRoleHierarchy(ctx)
	if err != nil {
		return err
	}
	inherit := make(map[int64][]int64, len(edges))
	for _, e := range edges {
		if e.InheritPermissions {
			inherit[e.RoleID] = append(inherit[e.RoleID], e.ParentRoleID)
		}
	}

	// More senior roles (lower level) are consulted first.
	sort.SliceStable(memberships, func(i, j int) bool {
		return roles[memberships[i].RoleID].HierarchyLevel < roles[memberships[j].RoleID].HierarchyLevel
	})

	var visits []roleVisit
	for _, m := range memberships {
		if !m.IsActive {
			continue
		}
		role, ok := roles[m.RoleID]
		if !ok || !role.IsActive {
			continue
		}
		visits = append(visits, roleVisit{
			roleID:     m.RoleID,
			code:       role.Code,
			validFrom:  m.ValidFrom,
			validUntil: m.ValidUntil,
		})
		// Breadth-first over inheritance edges; membership window bounds
		// everything reached through it.
		seen := map[int64]bool{m.RoleID: true}
		queue := []roleVisit{visits[len(visits)-1]}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for _, parentID := range inherit[current.roleID] {
				if seen[parentID] {
					continue
				}
				seen[parentID] = true
				parent := roleVisit{
					roleID:     parentID,
					via:        role.Code,
					validFrom:  m.ValidFrom,
					validUntil: m.ValidUntil,
				}
				visits = append(visits, parent)
				queue = append(queue, parent)
			}
		}
	}
	if len(visits) == 0 {
		return nil
	}

	visitIDs := make([]int64, 0, len(visits))
	for _, v := range visits {
		visitIDs = append(visitIDs, v.roleID)
	}
	allRoles, err := r.store.GetRolesByIDs(ctx, visitIDs)
	if err != nil {
		return err
	}
	grants, err := r.store.ListRolePermissions(ctx, visitIDs)
	if err != nil {
		return err
	}
	grantsByRole := make(map[int64][]RolePermission, len(grants))
	permIDs := make([]int64, 0, len(grants))
	for _, g := range grants {
		grantsByRole[g.RoleID] = append(grantsByRole[g.RoleID], g)
		permIDs = append(permIDs, g.PermissionID)
	}
	perms, err := r.store.GetPermissionsByIDs(ctx, permIDs)
	if err != nil {
		return err
	}

	for _, visit := range visits {
		role, ok := allRoles[visit.roleID]
		if !ok || !role.IsActive {
			continue
		}
		for _, g := range grantsByRole[visit.roleID] {
			perm, ok := perms[g.PermissionID]
			if !ok || !perm.IsActive {
				continue
			}
			validFrom := g.ValidFrom
			if visit.validFrom.After(validFrom) {
				validFrom = visit.validFrom
			}
			provenance := fmt.Sprintf("role %s", role.Code)
			if visit.via != "" {
				provenance = fmt.Sprintf("inherited from %s via %s", role.Code, visit.via)
			}
			set.Grants = append(set.Grants, CandidateGrant{
				Source:         SourceRole,
				Resource:       perm.Resource,
				Action:         perm.Action,
				Scope:          perm.Scope,
				Conditions:     mergePredicates(perm.Conditions, g.Conditions),
				IsGranted:      g.IsGranted,
				Priority:       g.Priority,
				ValidFrom:      validFrom,
				ValidUntil:     minUntil(visit.validUntil, g.ValidUntil),
				PermissionCode: perm.Code,
				Provenance:     provenance,
			})
		}
	}
	return nil
}

// decide selects the best candidate for the request, honouring source
// precedence. A candidate filtered out by scope or conditions is skipped,
// never treated as a denial.
func decide(set *ComputedPermissions, req CheckRequest, now time.Time) Decision {
	if d, ok := decideDirect(set, req, now); ok {
		return d
	}
	if d, ok := decideDelegation(set, req, now); ok {
		return d
	}
	if req.ResourceID != "" {
		if d, ok := decideResource(set, req, now); ok {
			return d
		}
	}
	if d, ok := decideRole(set, req, now); ok {
		return d
	}
	if d, ok := decidePosition(set, req); ok {
		return d
	}
	return Decision{Allowed: false, Reason: "no matching permission"}
}

func matches(g CandidateGrant, req CheckRequest, now time.Time) bool {
	if g.Resource != req.Resource || g.Action != req.Action {
		return false
	}
	if !activeWithin(g.ValidFrom, g.ValidUntil, now) {
		return false
	}
	if req.Scope != "" && !ScopeSufficient(g.Scope, req.Scope) {
		return false
	}
	if !g.Conditions.Evaluate(req.Context) {
		return false
	}
	return true
}

func decideDirect(set *ComputedPermissions, req CheckRequest, now time.Time) (Decision, bool) {
	var candidates []CandidateGrant
	for _, g := range set.Grants {
		if g.Source == SourceDirect && matches(g, req, now) {
			candidates = append(candidates, g)
		}
	}
	if len(candidates) == 0 {
		return Decision{}, false
	}
	// Highest priority wins; a deny outranks a grant at equal priority.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return !candidates[i].IsGranted && candidates[j].IsGranted
	})
	best := candidates[0]
	if !best.IsGranted {
		return Decision{
			Allowed:    false,
			Source:     SourceDirect,
			Permission: best.PermissionCode,
			Reason:     "explicit deny",
			ValidUntil: best.ValidUntil,
		}, true
	}
	return Decision{
		Allowed:    true,
		Source:     SourceDirect,
		Permission: best.PermissionCode,
		Reason:     best.Provenance,
		ValidUntil: best.ValidUntil,
	}, true
}

func decideDelegation(set *ComputedPermissions, req CheckRequest, now time.Time) (Decision, bool) {
	for _, g := range set.Grants {
		if g.Source != SourceDelegation || !matches(g, req, now) {
			continue
		}
		return Decision{
			Allowed:    true,
			Source:     SourceDelegation,
			Permission: g.PermissionCode,
			Reason:     g.Provenance,
			ValidUntil: g.ValidUntil,
		}, true
	}
	return Decision{}, false
}

func decideResource(set *ComputedPermissions, req CheckRequest, now time.Time) (Decision, bool) {
	for _, g := range set.Grants {
		if g.Source != SourceResource || g.ResourceID != req.ResourceID || !matches(g, req, now) {
			continue
		}
		if !g.IsGranted {
			return Decision{
				Allowed:    false,
				Source:     SourceResource,
				Permission: g.PermissionCode,
				Reason:     "explicit deny on resource",
				ValidUntil: g.ValidUntil,
			}, true
		}
		return Decision{
			Allowed:    true,
			Source:     SourceResource,
			Permission: g.PermissionCode,
			Reason:     g.Provenance,
			ValidUntil: g.ValidUntil,
		}, true
	}
	return Decision{}, false
}

func decideRole(set *ComputedPermissions, req CheckRequest, now time.Time) (Decision, bool) {
	// Snapshot order already encodes seniority then inheritance depth; the
	// first surviving candidate wins.
	for _, g := range set.Grants {
		if g.Source != SourceRole || !matches(g, req, now) {
			continue
		}
		if !g.IsGranted {
			return Decision{
				Allowed:    false,
				Source:     SourceRole,
				Permission: g.PermissionCode,
				Reason:     fmt.Sprintf("denied by %s", g.Provenance),
				ValidUntil: g.ValidUntil,
			}, true
		}
		return Decision{
			Allowed:    true,
			Source:     SourceRole,
			Permission: g.PermissionCode,
			Reason:     g.Provenance,
			ValidUntil: g.ValidUntil,
		}, true
	}
	return Decision{}, false
}

func decidePosition(set *ComputedPermissions, req CheckRequest) (Decision, bool) {
	if set.MinPositionLevel == nil {
		return Decision{}, false
	}
	required, ok := positionRequiredLevel[req.Action]
	if !ok || *set.MinPositionLevel > required {
		return Decision{}, false
	}
	return Decision{
		Allowed: true,
		Source:  SourcePosition,
		Reason:  fmt.Sprintf("position level %d satisfies required level %d for %s", *set.MinPositionLevel, required, req.Action),
	}, true
}

func (r *Resolver) recordCheck(ctx context.Context, req CheckRequest, decision Decision, took time.Duration) {
	if !r.checkLogEnabled {
		return
	}
	entry := CheckLogEntry{
		UserID:     req.UserID,
		Resource:   req.Resource,
		Action:     req.Action,
		Scope:      req.Scope,
		ResourceID: req.ResourceID,
		Allowed:    decision.Allowed,
		Source:     decision.Source,
		Reason:     decision.Reason,
		Duration:   took,
		CheckedAt:  r.clock(),
	}
	go func() {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.store.InsertCheckLog(writeCtx, entry); err != nil && r.logger != nil {
			r.logger.Warn("check log write failed", slog.Int64("user_id", entry.UserID), slog.Any("error", err))
		}
	}()
}

func (r *Resolver) permissionCatalog(ctx context.Context, rows []UserPermission) (map[int64]Permission, error) {
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.PermissionID)
	}
	return r.store.GetPermissionsByIDs(ctx, ids)
}

// mergePredicates layers row-level conditions over the permission's own.
// Both apply; on a field collision the row-level condition wins.
func mergePredicates(base, override Predicate) Predicate {
	if len(base) == 0 {
		return override
	}
	if len(override) == 0 {
		return base
	}
	merged := make(Predicate, len(base)+len(override))
	for field, cond := range base {
		merged[field] = cond
	}
	for field, cond := range override {
		merged[field] = cond
	}
	return merged
}

func directProvenance(row UserPermission) string {
	if row.IsTemporary {
		return "temporary direct grant"
	}
	return "direct grant"
}
