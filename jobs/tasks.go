package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskDelegationSweep marks lapsed delegations expired.
	TaskDelegationSweep = "authz:delegation_sweep"
	// TaskCacheWarmup pre-computes permission sets for recently active users.
	TaskCacheWarmup = "authz:cache_warmup"
	// TaskCheckLogPrune trims old permission check-log rows.
	TaskCheckLogPrune = "authz:checklog_prune"
)

// CacheWarmupPayload bounds which users get warmed.
type CacheWarmupPayload struct {
	// ActiveWithinHours selects users with a permission check inside the
	// window. Zero means 24.
	ActiveWithinHours int `json:"active_within_hours"`
	// MaxUsers caps the warmup batch. Zero means 500.
	MaxUsers int `json:"max_users"`
}

// CheckLogPrunePayload bounds the prune window.
type CheckLogPrunePayload struct {
	// RetainHours keeps entries newer than this. Zero means 2160 (90 days).
	RetainHours int `json:"retain_hours"`
}

// NewDelegationSweepTask constructs the sweep task.
func NewDelegationSweepTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskDelegationSweep, nil), nil
}

// NewCacheWarmupTask constructs a warmup task.
func NewCacheWarmupTask(payload CacheWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCacheWarmup, data), nil
}

// NewCheckLogPruneTask constructs a prune task.
func NewCheckLogPruneTask(payload CheckLogPrunePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCheckLogPrune, data), nil
}
