package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-dispatch/internal/metrics"
)

// maxAttempts bounds how often Resolve re-reads a record after losing a
// compare-and-swap race.
const maxAttempts = 4

// Action is the outcome of resolving a presented identity.
type Action int

const (
	// ActionProceed means the identity is valid; dispatch commands.
	ActionProceed Action = iota
	// ActionAssigned means a first-contact identity was issued.
	ActionAssigned
	// ActionReassigned means the worker must adopt the returned identity.
	ActionReassigned
)

func (a Action) String() string {
	switch a {
	case ActionProceed:
		return "proceed"
	case ActionAssigned:
		return "assigned"
	case ActionReassigned:
		return "reassigned"
	default:
		return "unknown"
	}
}

// Presented is the identity a worker claims in an envelope.
type Presented struct {
	WorkerID  string
	SessionID string
}

// Decision is what the registry concluded about a presented identity.
type Decision struct {
	Action   Action
	Identity WorkerIdentity
	Reason   string
}

// Registry validates presented identities and issues new ones.
type Registry struct {
	store           Store
	ttl             time.Duration
	refreshInterval time.Duration
	now             func() time.Time
	log             *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides SessionTTL.
func WithTTL(d time.Duration) Option {
	return func(r *Registry) { r.ttl = d }
}

// WithRefreshInterval overrides SessionRefreshInterval. Zero disables the
// silent refresh.
func WithRefreshInterval(d time.Duration) Option {
	return func(r *Registry) { r.refreshInterval = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:           store,
		ttl:             SessionTTL,
		refreshInterval: SessionRefreshInterval,
		now:             time.Now,
		log:             slog.With("component", "session"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying store.
func (r *Registry) Store() Store {
	return r.store
}

// Resolve decides whether p is a valid identity and issues a replacement when
// it is not. It must run before any other command of the envelope.
func (r *Registry) Resolve(ctx context.Context, p Presented) (Decision, error) {
	if p.WorkerID == "" {
		d, err := r.mint(ctx, ActionAssigned, "")
		return r.record(d, err)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		d, settled, err := r.evaluate(ctx, p)
		if err != nil {
			return Decision{}, err
		}
		if settled {
			return r.record(d, nil)
		}
		r.log.Debug("session changed concurrently, re-evaluating",
			"worker_id", p.WorkerID, "attempt", attempt+1)
	}

	return Decision{}, fmt.Errorf("resolve worker %s: %w", p.WorkerID, ErrConflict)
}

// evaluate runs one pass of the state machine. settled is false when a
// compare-and-swap lost a race and the caller should re-read.
func (r *Registry) evaluate(ctx context.Context, p Presented) (Decision, bool, error) {
	rec, err := r.store.Find(ctx, p.WorkerID)
	if errors.Is(err, ErrNotFound) {
		d, err := r.mint(ctx, ActionReassigned, "Id was reassigned from "+p.WorkerID)
		return d, true, err
	}
	if err != nil {
		return Decision{}, false, fmt.Errorf("find worker %s: %w", p.WorkerID, err)
	}

	now := truncate(r.now())
	current := rec.Session

	switch {
	case p.SessionID == "":
		return r.rotate(ctx, rec, now, "session was lost")

	case p.SessionID != current.ID:
		if r.expired(current, now) {
			return r.rotate(ctx, rec, now, "stale session superseded")
		}
		// A live instance already holds this id.
		d, err := r.mint(ctx, ActionReassigned, "Id was reassigned from "+p.WorkerID)
		return d, true, err

	case r.expired(current, now):
		next := Session{ID: current.ID, CreatedAt: now}
		ok, err := r.store.CompareAndSwapSession(ctx, rec.WorkerID, current, next)
		if err != nil {
			return Decision{}, false, fmt.Errorf("refresh session of %s: %w", rec.WorkerID, err)
		}
		if !ok {
			return Decision{}, false, nil
		}
		return Decision{
			Action:   ActionReassigned,
			Identity: WorkerIdentity{WorkerID: rec.WorkerID, SessionID: next.ID, SessionCreatedAt: next.CreatedAt},
			Reason:   "session expired and was refreshed",
		}, true, nil

	case r.refreshInterval > 0 && now.Sub(current.CreatedAt) > r.refreshInterval:
		next := Session{ID: current.ID, CreatedAt: now}
		ok, err := r.store.CompareAndSwapSession(ctx, rec.WorkerID, current, next)
		if err != nil {
			return Decision{}, false, fmt.Errorf("extend session of %s: %w", rec.WorkerID, err)
		}
		if !ok {
			return Decision{}, false, nil
		}
		return Decision{
			Action:   ActionProceed,
			Identity: WorkerIdentity{WorkerID: rec.WorkerID, SessionID: next.ID, SessionCreatedAt: next.CreatedAt},
		}, true, nil

	default:
		return Decision{Action: ActionProceed, Identity: rec.Identity()}, true, nil
	}
}

// rotate keeps the worker id and installs a fresh session.
func (r *Registry) rotate(ctx context.Context, rec *Record, now time.Time, reason string) (Decision, bool, error) {
	next := Session{ID: NewSessionID(), CreatedAt: now}
	ok, err := r.store.CompareAndSwapSession(ctx, rec.WorkerID, rec.Session, next)
	if err != nil {
		return Decision{}, false, fmt.Errorf("rotate session of %s: %w", rec.WorkerID, err)
	}
	if !ok {
		return Decision{}, false, nil
	}
	return Decision{
		Action:   ActionReassigned,
		Identity: WorkerIdentity{WorkerID: rec.WorkerID, SessionID: next.ID, SessionCreatedAt: next.CreatedAt},
		Reason:   reason,
	}, true, nil
}

// mint creates a brand-new worker record.
func (r *Registry) mint(ctx context.Context, action Action, reason string) (Decision, error) {
	now := truncate(r.now())
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec := Record{
			WorkerID:  NewWorkerID(),
			Session:   Session{ID: NewSessionID(), CreatedAt: now},
			CreatedAt: now,
		}
		err := r.store.Create(ctx, rec)
		if errors.Is(err, ErrExists) {
			continue
		}
		if err != nil {
			return Decision{}, fmt.Errorf("create worker: %w", err)
		}
		return Decision{Action: action, Identity: rec.Identity(), Reason: reason}, nil
	}
	return Decision{}, fmt.Errorf("create worker: %w", ErrConflict)
}

// expired reports whether s is older than the TTL. A session exactly TTL old
// is still valid.
func (r *Registry) expired(s Session, now time.Time) bool {
	return now.Sub(s.CreatedAt) > r.ttl
}

func (r *Registry) record(d Decision, err error) (Decision, error) {
	if err != nil {
		return d, err
	}
	if d.Action != ActionProceed {
		r.log.Info("identity issued",
			"action", d.Action.String(),
			"worker_id", d.Identity.WorkerID,
			"reason", d.Reason)
	}
	if m := metrics.Get(); m != nil {
		m.IncIdentityDecisions(d.Action.String())
	}
	return d, nil
}
