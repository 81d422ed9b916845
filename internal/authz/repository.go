package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-sis/atlas-sis/internal/platform/db"
	"github.com/atlas-sis/atlas-sis/internal/shared"
)

// Advisory lock keys serializing writes per grant graph.
const (
	lockRoleGraph       int64 = 7211001
	lockDependencyGraph int64 = 7211002
	lockDelegationBase  int64 = 7211003
)

// delegationLockKey folds a (delegator, delegate) pair into one advisory lock
// key so creates and extends for the same pair serialize.
func delegationLockKey(delegatorID, delegateID int64) int64 {
	return lockDelegationBase<<32 ^ delegatorID<<16 ^ delegateID
}

// Repository provides PostgreSQL backed persistence for the authorization
// core. It implements ResolverStore, DelegationStore, AdminStore,
// SnapshotStore and DiagnosticsStore.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithRoleGraphTx runs fn in a transaction holding the role-graph advisory
// lock, so cycle validation and edge insertion form one atomic unit.
func (r *Repository) WithRoleGraphTx(ctx context.Context, fn func(RoleGraphTx) error) error {
	return db.WithTxLock(ctx, r.pool, lockRoleGraph, func(tx pgx.Tx) error {
		return fn(&roleGraphTx{tx: tx})
	})
}

// WithDependencyGraphTx runs fn in a transaction holding the
// dependency-graph advisory lock.
func (r *Repository) WithDependencyGraphTx(ctx context.Context, fn func(DependencyGraphTx) error) error {
	return db.WithTxLock(ctx, r.pool, lockDependencyGraph, func(tx pgx.Tx) error {
		return fn(&dependencyGraphTx{tx: tx})
	})
}

// WithDelegationTx runs fn in a transaction holding the pair's advisory lock,
// so the non-overlap check and the delegation write form one atomic unit.
func (r *Repository) WithDelegationTx(ctx context.Context, delegatorID, delegateID int64, fn func(DelegationTx) error) error {
	return db.WithTxLock(ctx, r.pool, delegationLockKey(delegatorID, delegateID), func(tx pgx.Tx) error {
		return fn(&delegationTx{tx: tx})
	})
}

// mapError normalises driver errors into the shared taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, shared.ErrConflict)
	}
	return err
}

func marshalPredicate(p Predicate) ([]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return json.Marshal(p)
}

func unmarshalPredicate(raw []byte) (Predicate, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var p Predicate
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("authz: decode conditions: %w", err)
	}
	return p, nil
}

func marshalCodes(codes []string) ([]byte, error) {
	if codes == nil {
		codes = []string{}
	}
	return json.Marshal(codes)
}

func unmarshalCodes(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var codes []string
	if err := json.Unmarshal(raw, &codes); err != nil {
		return nil, fmt.Errorf("authz: decode delegated permissions: %w", err)
	}
	return codes, nil
}
