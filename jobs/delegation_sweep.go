package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/atlas-sis/atlas-sis/internal/authz"
)

// DelegationSweepJob marks delegations whose validity window has lapsed.
// The resolver already treats expired windows as inactive; this is
// bookkeeping so listings and reports agree with reality.
type DelegationSweepJob struct {
	Delegations *authz.DelegationService
	Logger      *slog.Logger
}

// NewDelegationSweepJob wires dependencies for the sweep handler.
func NewDelegationSweepJob(delegations *authz.DelegationService, logger *slog.Logger) *DelegationSweepJob {
	return &DelegationSweepJob{Delegations: delegations, Logger: logger}
}

// Handle processes TaskDelegationSweep tasks.
func (j *DelegationSweepJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Delegations == nil {
		return errors.New("delegation sweep: handler not configured")
	}
	marked, err := j.Delegations.SweepExpired(ctx)
	if err != nil {
		if j.Logger != nil {
			j.Logger.Error("delegation sweep failed", slog.Any("error", err))
		}
		return err
	}
	if j.Logger != nil {
		j.Logger.Info("delegation sweep completed", slog.Int64("marked_expired", marked))
	}
	return nil
}
