package authz

import (
	"context"
	"time"
)

// PermissionConflict flags a (user, permission) pair carrying both a grant
// and an explicit deny among currently applicable direct rows.
type PermissionConflict struct {
	UserID         int64
	PermissionID   int64
	PermissionCode string
	Grants         int
	Denies         int
}

// OrphanedReport lists catalog entries nothing references.
type OrphanedReport struct {
	Uncategorized []Permission
	Unattached    []Permission
}

// HealthSummary is a coarse read-only snapshot of engine state.
type HealthSummary struct {
	ActivePermissions int64
	ActiveRoles       int64
	ActiveDelegations int64
	HierarchyEdges    int64
	DependencyEdges   int64
	ValidCacheEntries int64
	ChecksLastDay     int64
	DeniesLastDay     int64
	GeneratedAt       time.Time
}

// DiagnosticsStore is the read-only query surface for reports.
type DiagnosticsStore interface {
	ListConflictingUserPermissions(ctx context.Context, now time.Time) ([]PermissionConflict, error)
	ListUncategorizedPermissions(ctx context.Context) ([]Permission, error)
	ListUnattachedPermissions(ctx context.Context) ([]Permission, error)
	ListUnusedPermissions(ctx context.Context, since time.Time) ([]Permission, error)
	HealthCounts(ctx context.Context, now time.Time) (HealthSummary, error)
}

// Diagnostics produces eventually-consistent admin reports. It never mutates
// resolution state.
type Diagnostics struct {
	store DiagnosticsStore
	clock func() time.Time
}

// NewDiagnostics constructs the report service.
func NewDiagnostics(store DiagnosticsStore) *Diagnostics {
	return &Diagnostics{
		store: store,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the clock for deterministic tests.
func (d *Diagnostics) WithClock(clock func() time.Time) {
	d.clock = clock
}

// DetectConflicts reports simultaneous grant+deny pairs on direct user
// permissions.
func (d *Diagnostics) DetectConflicts(ctx context.Context) ([]PermissionConflict, error) {
	return d.store.ListConflictingUserPermissions(ctx, d.clock())
}

// FindOrphaned reports permissions with no category and permissions attached
// to zero roles, users or resources.
func (d *Diagnostics) FindOrphaned(ctx context.Context) (OrphanedReport, error) {
	uncategorized, err := d.store.ListUncategorizedPermissions(ctx)
	if err != nil {
		return OrphanedReport{}, err
	}
	unattached, err := d.store.ListUnattachedPermissions(ctx)
	if err != nil {
		return OrphanedReport{}, err
	}
	return OrphanedReport{Uncategorized: uncategorized, Unattached: unattached}, nil
}

// FindUnused reports permissions with zero check-log hits inside the window.
func (d *Diagnostics) FindUnused(ctx context.Context, daysThreshold int) ([]Permission, error) {
	since := d.clock().AddDate(0, 0, -daysThreshold)
	return d.store.ListUnusedPermissions(ctx, since)
}

// Health returns a summary of engine counters.
func (d *Diagnostics) Health(ctx context.Context) (HealthSummary, error) {
	summary, err := d.store.HealthCounts(ctx, d.clock())
	if err != nil {
		return HealthSummary{}, err
	}
	summary.GeneratedAt = d.clock()
	return summary, nil
}
