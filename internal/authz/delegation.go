package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/atlas-sis/atlas-sis/internal/shared"
)

// DelegationTx exposes delegation reads and writes bound to one transaction
// holding the pair's advisory lock, so the non-overlap check and the write
// form one atomic unit.
type DelegationTx interface {
	ListDelegationsBetween(ctx context.Context, delegatorID, delegateID int64) ([]Delegation, error)
	CreateDelegation(ctx context.Context, d Delegation) (Delegation, error)
	ExtendDelegation(ctx context.Context, id int64, until time.Time) error
}

// DelegationStore is the storage surface for delegation lifecycle operations.
type DelegationStore interface {
	GetDelegation(ctx context.Context, id int64) (Delegation, error)
	ListDelegationsTo(ctx context.Context, delegateID int64) ([]Delegation, error)
	ListDelegationsFrom(ctx context.Context, delegatorID int64) ([]Delegation, error)
	RevokeDelegation(ctx context.Context, id int64, reason string) error
	MarkExpiredDelegations(ctx context.Context, now time.Time) (int64, error)
	GetPermissionsByCodes(ctx context.Context, codes []string) ([]Permission, error)
	WithDelegationTx(ctx context.Context, delegatorID, delegateID int64, fn func(DelegationTx) error) error
}

// AuditPort is the fire-and-forget audit sink.
type AuditPort interface {
	RecordAsync(ctx context.Context, log shared.AuditLog)
}

// DelegationRole selects which side of a delegation a principal is on.
type DelegationRole string

const (
	DelegationRoleDelegator DelegationRole = "delegator"
	DelegationRoleDelegate  DelegationRole = "delegate"
)

// CreateDelegationInput describes a delegation creation request.
type CreateDelegationInput struct {
	DelegatorID int64    `validate:"required,gt=0"`
	DelegateID  int64    `validate:"required,gt=0"`
	Permissions []string `validate:"required,min=1,dive,required"`
	Reason      string
	ValidFrom   *time.Time
	ValidUntil  time.Time `validate:"required"`
}

// DelegationService manages time-bounded permission delegations.
type DelegationService struct {
	store    DelegationStore
	cache    *PermissionCache
	audit    AuditPort
	validate *validator.Validate
	logger   *slog.Logger
	clock    func() time.Time
}

// NewDelegationService constructs the service.
func NewDelegationService(store DelegationStore, cache *PermissionCache, audit AuditPort, logger *slog.Logger) *DelegationService {
	return &DelegationService{
		store:    store,
		cache:    cache,
		audit:    audit,
		validate: validator.New(),
		logger:   logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *DelegationService) WithClock(clock func() time.Time) {
	s.clock = clock
}

// Create validates and persists a new delegation, then invalidates the
// delegate's cached permission set before returning.
func (s *DelegationService) Create(ctx context.Context, input CreateDelegationInput) (Delegation, error) {
	if err := s.validate.Struct(input); err != nil {
		return Delegation{}, fmt.Errorf("delegation input: %v: %w", err, shared.ErrInvalidArgument)
	}
	if input.DelegatorID == input.DelegateID {
		return Delegation{}, fmt.Errorf("self-delegation: %w", shared.ErrInvalidArgument)
	}

	now := s.clock()
	validFrom := now
	if input.ValidFrom != nil {
		validFrom = *input.ValidFrom
	}
	if !input.ValidUntil.After(validFrom) {
		return Delegation{}, fmt.Errorf("valid_until must be after valid_from: %w", shared.ErrInvalidArgument)
	}

	perms, err := s.store.GetPermissionsByCodes(ctx, input.Permissions)
	if err != nil {
		return Delegation{}, err
	}
	if len(perms) != len(input.Permissions) {
		return Delegation{}, fmt.Errorf("unknown permission code in delegation: %w", shared.ErrNotFound)
	}

	// Overlap check and insert run under the pair's advisory lock; two
	// concurrent creates cannot both pass the check.
	var created Delegation
	err = s.store.WithDelegationTx(ctx, input.DelegatorID, input.DelegateID, func(tx DelegationTx) error {
		existing, err := tx.ListDelegationsBetween(ctx, input.DelegatorID, input.DelegateID)
		if err != nil {
			return err
		}
		for _, d := range existing {
			if d.IsRevoked {
				continue
			}
			if windowsOverlap(validFrom, input.ValidUntil, d.ValidFrom, d.ValidUntil) {
				return fmt.Errorf("delegation window overlaps %s: %w", d.Reference, shared.ErrConflict)
			}
		}
		created, err = tx.CreateDelegation(ctx, Delegation{
			Reference:   uuid.New(),
			DelegatorID: input.DelegatorID,
			DelegateID:  input.DelegateID,
			Permissions: input.Permissions,
			Reason:      input.Reason,
			ValidFrom:   validFrom,
			ValidUntil:  input.ValidUntil,
			CreatedAt:   now,
		})
		return err
	})
	if err != nil {
		return Delegation{}, err
	}

	if err := s.invalidateDelegate(ctx, created.DelegateID); err != nil {
		return Delegation{}, err
	}
	s.recordAudit(ctx, created, "delegation.create", nil, input.Reason)
	return created, nil
}

// Revoke marks a delegation revoked and invalidates the delegate's cache.
func (s *DelegationService) Revoke(ctx context.Context, id int64, actorID int64, reason string) error {
	d, err := s.store.GetDelegation(ctx, id)
	if err != nil {
		return err
	}
	if d.IsRevoked {
		return fmt.Errorf("delegation %s already revoked: %w", d.Reference, shared.ErrConflict)
	}
	if err := s.store.RevokeDelegation(ctx, id, reason); err != nil {
		return err
	}
	if err := s.invalidateDelegate(ctx, d.DelegateID); err != nil {
		return err
	}
	revoked := d
	revoked.IsRevoked = true
	revoked.RevokedReason = reason
	s.recordAudit(ctx, revoked, "delegation.revoke", &d, reason)
	return nil
}

// Extend moves a delegation's expiry, re-checking overlap against the pair's
// other delegations.
func (s *DelegationService) Extend(ctx context.Context, id int64, newValidUntil time.Time, reason string) (Delegation, error) {
	d, err := s.store.GetDelegation(ctx, id)
	if err != nil {
		return Delegation{}, err
	}
	if d.IsRevoked {
		return Delegation{}, fmt.Errorf("cannot extend revoked delegation %s: %w", d.Reference, shared.ErrInvalidArgument)
	}
	if !newValidUntil.After(d.ValidFrom) {
		return Delegation{}, fmt.Errorf("valid_until must be after valid_from: %w", shared.ErrInvalidArgument)
	}

	err = s.store.WithDelegationTx(ctx, d.DelegatorID, d.DelegateID, func(tx DelegationTx) error {
		siblings, err := tx.ListDelegationsBetween(ctx, d.DelegatorID, d.DelegateID)
		if err != nil {
			return err
		}
		for _, other := range siblings {
			if other.ID == d.ID || other.IsRevoked {
				continue
			}
			if windowsOverlap(d.ValidFrom, newValidUntil, other.ValidFrom, other.ValidUntil) {
				return fmt.Errorf("extended window overlaps %s: %w", other.Reference, shared.ErrConflict)
			}
		}
		return tx.ExtendDelegation(ctx, id, newValidUntil)
	})
	if err != nil {
		return Delegation{}, err
	}
	if err := s.invalidateDelegate(ctx, d.DelegateID); err != nil {
		return Delegation{}, err
	}
	extended := d
	extended.ValidUntil = newValidUntil
	s.recordAudit(ctx, extended, "delegation.extend", &d, reason)
	return extended, nil
}

// ListActive returns delegations active now where the principal plays the
// given role.
func (s *DelegationService) ListActive(ctx context.Context, principalID int64, role DelegationRole) ([]Delegation, error) {
	var rows []Delegation
	var err error
	switch role {
	case DelegationRoleDelegator:
		rows, err = s.store.ListDelegationsFrom(ctx, principalID)
	case DelegationRoleDelegate:
		rows, err = s.store.ListDelegationsTo(ctx, principalID)
	default:
		return nil, fmt.Errorf("unknown delegation role %q: %w", role, shared.ErrInvalidArgument)
	}
	if err != nil {
		return nil, err
	}
	now := s.clock()
	active := make([]Delegation, 0, len(rows))
	for _, d := range rows {
		if d.IsRevoked {
			continue
		}
		until := d.ValidUntil
		if activeWithin(d.ValidFrom, &until, now) {
			active = append(active, d)
		}
	}
	return active, nil
}

// SweepExpired marks lapsed delegations expired. Advisory bookkeeping only:
// resolution already treats expired windows as inactive.
func (s *DelegationService) SweepExpired(ctx context.Context) (int64, error) {
	return s.store.MarkExpiredDelegations(ctx, s.clock())
}

func (s *DelegationService) invalidateDelegate(ctx context.Context, delegateID int64) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, delegateID)
}

func (s *DelegationService) recordAudit(ctx context.Context, d Delegation, operation string, before *Delegation, reason string) {
	if s.audit == nil {
		return
	}
	var beforeState any
	if before != nil {
		beforeState = *before
	}
	s.audit.RecordAsync(ctx, shared.AuditLog{
		ActorID:   d.DelegatorID,
		Operation: operation,
		Entity:    "permission_delegation",
		EntityID:  d.Reference.String(),
		Before:    beforeState,
		After:     d,
		Reason:    reason,
		At:        s.clock(),
	})
}

// windowsOverlap applies the half-open interval test to two delegation
// windows.
func windowsOverlap(aFrom, aUntil, bFrom, bUntil time.Time) bool {
	return !aFrom.After(bUntil) && !bFrom.After(aUntil)
}
