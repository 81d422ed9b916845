package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-sis/atlas-sis/internal/authz"
)

// CacheWarmupJob pre-computes permission sets for recently active users so
// the first check after a bulk invalidation does not pay the full
// recomputation cost.
type CacheWarmupJob struct {
	Resolver *authz.Resolver
	Cache    *authz.PermissionCache
	Pool     *pgxpool.Pool
	Logger   *slog.Logger
	clock    func() time.Time
}

// NewCacheWarmupJob wires dependencies for the warmup handler.
func NewCacheWarmupJob(resolver *authz.Resolver, cache *authz.PermissionCache, pool *pgxpool.Pool, logger *slog.Logger) *CacheWarmupJob {
	return &CacheWarmupJob{
		Resolver: resolver,
		Cache:    cache,
		Pool:     pool,
		Logger:   logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (j *CacheWarmupJob) WithClock(clock func() time.Time) {
	j.clock = clock
}

// Handle processes TaskCacheWarmup tasks.
func (j *CacheWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Resolver == nil || j.Cache == nil || j.Pool == nil {
		return errors.New("cache warmup: handler not configured")
	}
	var payload CacheWarmupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.ActiveWithinHours <= 0 {
		payload.ActiveWithinHours = 24
	}
	if payload.MaxUsers <= 0 {
		payload.MaxUsers = 500
	}

	since := j.clock().Add(-time.Duration(payload.ActiveWithinHours) * time.Hour)
	userIDs, err := j.recentlyActiveUsers(ctx, since, payload.MaxUsers)
	if err != nil {
		if j.Logger != nil {
			j.Logger.Error("load warmup users", slog.Any("error", err))
		}
		return err
	}

	warmed := 0
	for _, userID := range userIDs {
		set, err := j.Resolver.ComputeSet(ctx, userID)
		if err != nil {
			if j.Logger != nil {
				j.Logger.Error("warm user", slog.Int64("user_id", userID), slog.Any("error", err))
			}
			return err
		}
		if err := j.Cache.Put(ctx, set); err != nil {
			return err
		}
		warmed++
	}
	if j.Logger != nil {
		j.Logger.Info("cache warmup completed", slog.Int("users", warmed))
	}
	return nil
}

func (j *CacheWarmupJob) recentlyActiveUsers(ctx context.Context, since time.Time, limit int) ([]int64, error) {
	rows, err := j.Pool.Query(ctx,
		`SELECT user_id FROM permission_check_logs WHERE checked_at >= $1 GROUP BY user_id ORDER BY MAX(checked_at) DESC LIMIT $2`,
		since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var userIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}
