package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheKeyPrefix = "authz:user:"

// userPermissionsKey is the typed fast-tier key for one principal's set.
func userPermissionsKey(userID int64) string {
	return fmt.Sprintf("%s%d:permissions", cacheKeyPrefix, userID)
}

// SnapshotStore is the durable cache tier. It retains the last few computed
// snapshots per user for inspection and cold-start fallback.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, set *ComputedPermissions, expiresAt time.Time, keep int) error
	LatestSnapshot(ctx context.Context, userID int64, now time.Time) (*ComputedPermissions, error)
	InvalidateSnapshots(ctx context.Context, userID int64) error
	InvalidateAllSnapshots(ctx context.Context) error
	ListActiveRoleHolders(ctx context.Context, roleID int64) ([]int64, error)
}

// PermissionCache memoizes computed permission sets. Reads prefer the Redis
// fast tier, fall back to the durable tier (repopulating the fast tier), and
// only recompute on a full miss. Concurrent misses for the same principal
// collapse into one recomputation.
type PermissionCache struct {
	client *redis.Client
	store  SnapshotStore
	ttl    time.Duration
	keep   int
	logger *slog.Logger
	group  singleflight.Group
	clock  func() time.Time
}

// NewPermissionCache wires the two tiers. keep bounds durable snapshots
// retained per user.
func NewPermissionCache(client *redis.Client, store SnapshotStore, ttl time.Duration, keep int, logger *slog.Logger) *PermissionCache {
	if keep <= 0 {
		keep = 5
	}
	return &PermissionCache{
		client: client,
		store:  store,
		ttl:    ttl,
		keep:   keep,
		logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the clock for deterministic tests.
func (c *PermissionCache) WithClock(clock func() time.Time) {
	c.clock = clock
}

// Get returns the cached set for userID, loading and populating both tiers on
// a full miss. Fast-tier read failures are non-fatal and fall through.
func (c *PermissionCache) Get(ctx context.Context, userID int64, load func(context.Context) (*ComputedPermissions, error)) (*ComputedPermissions, error) {
	key := userPermissionsKey(userID)

	if c.client != nil {
		payload, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			var set ComputedPermissions
			if err := json.Unmarshal(payload, &set); err == nil {
				return &set, nil
			}
			// Corrupt entry: drop it and recompute.
			_ = c.client.Del(ctx, key).Err()
		} else if !errors.Is(err, redis.Nil) && c.logger != nil {
			c.logger.Warn("fast tier read failed", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}

	if c.store != nil {
		set, err := c.store.LatestSnapshot(ctx, userID, c.clock())
		if err != nil && c.logger != nil {
			c.logger.Warn("durable tier read failed", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		if err == nil && set != nil {
			c.setFast(ctx, key, set)
			return set, nil
		}
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		set, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Put(ctx, set); err != nil && c.logger != nil {
			// Population failure leaves the cache cold, never wrong.
			c.logger.Warn("cache populate failed", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*ComputedPermissions), nil
}

// Put stores a computed set in both tiers.
func (c *PermissionCache) Put(ctx context.Context, set *ComputedPermissions) error {
	if set == nil {
		return errors.New("authz: nil permission set")
	}
	key := userPermissionsKey(set.UserID)
	c.setFast(ctx, key, set)
	if c.store != nil {
		if err := c.store.SaveSnapshot(ctx, set, c.clock().Add(c.ttl), c.keep); err != nil {
			return fmt.Errorf("authz: save snapshot: %w", err)
		}
	}
	return nil
}

// Invalidate drops a single principal's entries from both tiers. A failure
// here is fatal to the mutation that required it: a stale permissive entry
// must not outlive the write.
func (c *PermissionCache) Invalidate(ctx context.Context, userID int64) error {
	if c.client != nil {
		if err := c.client.Del(ctx, userPermissionsKey(userID)).Err(); err != nil {
			return fmt.Errorf("authz: invalidate fast tier for user %d: %w", userID, err)
		}
	}
	if c.store != nil {
		if err := c.store.InvalidateSnapshots(ctx, userID); err != nil {
			return fmt.Errorf("authz: invalidate snapshots for user %d: %w", userID, err)
		}
	}
	return nil
}

// InvalidateForRole fans out to every active holder of the role.
func (c *PermissionCache) InvalidateForRole(ctx context.Context, roleID int64) error {
	if c.store == nil {
		return errors.New("authz: snapshot store required for role invalidation")
	}
	holders, err := c.store.ListActiveRoleHolders(ctx, roleID)
	if err != nil {
		return fmt.Errorf("authz: list holders of role %d: %w", roleID, err)
	}
	for _, userID := range holders {
		if err := c.Invalidate(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateAll clears every cached set: a prefix scan-and-delete on the fast
// tier plus a durable-tier sweep.
func (c *PermissionCache) InvalidateAll(ctx context.Context) error {
	if c.client != nil {
		iter := c.client.Scan(ctx, 0, cacheKeyPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("authz: invalidate all fast tier: %w", err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("authz: scan fast tier: %w", err)
		}
	}
	if c.store != nil {
		if err := c.store.InvalidateAllSnapshots(ctx); err != nil {
			return fmt.Errorf("authz: invalidate all snapshots: %w", err)
		}
	}
	return nil
}

func (c *PermissionCache) setFast(ctx context.Context, key string, set *ComputedPermissions) {
	if c.client == nil {
		return
	}
	payload, err := json.Marshal(set)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil && c.logger != nil {
		c.logger.Warn("fast tier write failed", slog.String("key", key), slog.Any("error", err))
	}
}
