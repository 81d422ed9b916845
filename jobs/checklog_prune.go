package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atlas-sis/atlas-sis/internal/authz"
)

// CheckLogPruneJob trims the append-only check log to its retention window.
type CheckLogPruneJob struct {
	Repo   *authz.Repository
	Logger *slog.Logger
	clock  func() time.Time
}

// NewCheckLogPruneJob wires dependencies for the prune handler.
func NewCheckLogPruneJob(repo *authz.Repository, logger *slog.Logger) *CheckLogPruneJob {
	return &CheckLogPruneJob{
		Repo:   repo,
		Logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (j *CheckLogPruneJob) WithClock(clock func() time.Time) {
	j.clock = clock
}

// Handle processes TaskCheckLogPrune tasks.
func (j *CheckLogPruneJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("checklog prune: handler not configured")
	}
	var payload CheckLogPrunePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.RetainHours <= 0 {
		payload.RetainHours = 2160
	}
	cutoff := j.clock().Add(-time.Duration(payload.RetainHours) * time.Hour)
	deleted, err := j.Repo.PruneCheckLog(ctx, cutoff)
	if err != nil {
		if j.Logger != nil {
			j.Logger.Error("checklog prune failed", slog.Any("error", err))
		}
		return err
	}
	if j.Logger != nil {
		j.Logger.Info("checklog prune completed", slog.Int64("deleted", deleted))
	}
	return nil
}
