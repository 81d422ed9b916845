package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/atlas-sis/atlas-sis/internal/authz"
)

// DiagnosticsCLI renders read-only engine reports.
type DiagnosticsCLI struct {
	diagnostics *authz.Diagnostics
	out         io.Writer
}

// NewDiagnosticsCLI constructs the helper.
func NewDiagnosticsCLI(diagnostics *authz.Diagnostics, out io.Writer) *DiagnosticsCLI {
	return &DiagnosticsCLI{diagnostics: diagnostics, out: out}
}

// Conflicts prints grant+deny collisions on direct permissions.
func (c *DiagnosticsCLI) Conflicts(ctx context.Context) error {
	conflicts, err := c.diagnostics.DetectConflicts(ctx)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		fmt.Fprintln(c.out, "no conflicts")
		return nil
	}
	for _, conflict := range conflicts {
		fmt.Fprintf(c.out, "user=%d permission=%s grants=%d denies=%d\n",
			conflict.UserID, conflict.PermissionCode, conflict.Grants, conflict.Denies)
	}
	return nil
}

// Orphaned prints permissions nothing references.
func (c *DiagnosticsCLI) Orphaned(ctx context.Context) error {
	report, err := c.diagnostics.FindOrphaned(ctx)
	if err != nil {
		return err
	}
	for _, p := range report.Uncategorized {
		fmt.Fprintf(c.out, "uncategorized: %s\n", p.Code)
	}
	for _, p := range report.Unattached {
		fmt.Fprintf(c.out, "unattached: %s\n", p.Code)
	}
	if len(report.Uncategorized) == 0 && len(report.Unattached) == 0 {
		fmt.Fprintln(c.out, "no orphaned permissions")
	}
	return nil
}

// Unused prints permissions with no check-log hits inside the window.
func (c *DiagnosticsCLI) Unused(ctx context.Context, days int) error {
	perms, err := c.diagnostics.FindUnused(ctx, days)
	if err != nil {
		return err
	}
	if len(perms) == 0 {
		fmt.Fprintf(c.out, "no unused permissions in the last %d days\n", days)
		return nil
	}
	for _, p := range perms {
		fmt.Fprintf(c.out, "unused: %s (%s %s)\n", p.Code, p.Resource, p.Action)
	}
	return nil
}

// Health prints the engine health summary.
func (c *DiagnosticsCLI) Health(ctx context.Context) error {
	summary, err := c.diagnostics.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "permissions=%d roles=%d delegations=%d hierarchy_edges=%d dependency_edges=%d cache_entries=%d checks_24h=%d denies_24h=%d\n",
		summary.ActivePermissions, summary.ActiveRoles, summary.ActiveDelegations,
		summary.HierarchyEdges, summary.DependencyEdges, summary.ValidCacheEntries,
		summary.ChecksLastDay, summary.DeniesLastDay)
	return nil
}
