package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/pkg/logger"
)

// State is the kill switch position. Only ACTIVE lets transactions through.
type State string

const (
	StateActive     State = "ACTIVE"
	StateTripped    State = "TRIPPED"
	StateRecovering State = "RECOVERING"
)

const (
	CodeSystemLocked xerrors.Code = "SYSTEM_LOCKED"
	CodeStateChanged xerrors.Code = "KILL_SWITCH_STATE_CHANGED"
	CodeBadState     xerrors.Code = "KILL_SWITCH_INVALID_TRANSITION"
)

func init() {
	xerrors.Register(CodeSystemLocked, xerrors.Attributes{
		Message:  "system locked by kill switch",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeStateChanged, xerrors.Attributes{
		Message:   "kill switch changed concurrently",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeBadState, xerrors.Attributes{
		Message:  "kill switch transition not allowed",
		Severity: xerrors.SeverityInfo,
	})
}

// Snapshot is an immutable view of the switch. Version increases on every
// change.
type Snapshot struct {
	State       State     `json:"state"`
	Actor       string    `json:"actor,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activated_at"`
	Version     int64     `json:"version"`
}

// Operational reports whether the snapshot admits transactions.
func (s Snapshot) Operational() bool { return s.State == StateActive }

// Hook observes a committed change.
type Hook func(ctx context.Context, prev, next Snapshot)

// Gate is the process-wide switch. Reads are lock-free; changes are
// serialised and persisted before they become visible.
type Gate struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
	store   Store
	hooks   []Hook
	now     func() time.Time
	logger  *slog.Logger
}

// Option customises a Gate.
type Option func(*Gate)

// WithHook registers a hook run after every committed change.
func WithHook(h Hook) Option {
	return func(g *Gate) {
		if h != nil {
			g.hooks = append(g.hooks, h)
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate loads the persisted state. A store with no state starts ACTIVE.
func NewGate(ctx context.Context, store Store, opts ...Option) (*Gate, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	g := &Gate{store: store, now: time.Now, logger: logger.Named("killswitch")}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	g.current.Store(&snap)
	return g, nil
}

// Snapshot returns the current state.
func (g *Gate) Snapshot() Snapshot {
	return *g.current.Load()
}

// Check fails with SYSTEM_LOCKED unless the switch is ACTIVE.
func (g *Gate) Check(_ context.Context) error {
	snap := g.current.Load()
	if snap.Operational() {
		return nil
	}
	msg := fmt.Sprintf("kill switch is %s", snap.State)
	if snap.Reason != "" {
		msg += ": " + snap.Reason
	}
	return xerrors.New(CodeSystemLocked, msg,
		xerrors.WithMetadata("actor", snap.Actor),
		xerrors.WithMetadata("version", fmt.Sprint(snap.Version)))
}

// Trip locks the system. Tripping a locked switch refreshes the reason and
// drops any recovery in progress.
func (g *Gate) Trip(ctx context.Context, actor, reason string) (Snapshot, error) {
	return g.change(ctx, func(cur Snapshot) (State, error) {
		return StateTripped, nil
	}, actor, reason)
}

// BeginRecovery moves TRIPPED to RECOVERING. Transactions stay blocked.
func (g *Gate) BeginRecovery(ctx context.Context, actor, reason string) (Snapshot, error) {
	return g.change(ctx, func(cur Snapshot) (State, error) {
		if cur.State != StateTripped {
			return "", xerrors.New(CodeBadState, fmt.Sprintf("cannot begin recovery from %s", cur.State))
		}
		return StateRecovering, nil
	}, actor, reason)
}

// CompleteRecovery moves RECOVERING to ACTIVE.
func (g *Gate) CompleteRecovery(ctx context.Context, actor, reason string) (Snapshot, error) {
	return g.change(ctx, func(cur Snapshot) (State, error) {
		if cur.State != StateRecovering {
			return "", xerrors.New(CodeBadState, fmt.Sprintf("cannot complete recovery from %s", cur.State))
		}
		return StateActive, nil
	}, actor, reason)
}

// Refresh reloads the persisted state, picking up changes made by other
// processes.
func (g *Gate) Refresh(ctx context.Context) (Snapshot, error) {
	snap, err := g.store.Load(ctx)
	if err != nil {
		return g.Snapshot(), err
	}
	g.mu.Lock()
	prev := *g.current.Load()
	if snap.Version > prev.Version {
		g.current.Store(&snap)
	}
	g.mu.Unlock()
	if snap.Version > prev.Version {
		g.logger.Warn("kill switch changed externally",
			slog.String("state", string(snap.State)),
			slog.String("actor", snap.Actor),
			slog.Int64("version", snap.Version))
		g.runHooks(ctx, prev, snap)
	}
	return g.Snapshot(), nil
}

func (g *Gate) change(ctx context.Context, next func(Snapshot) (State, error), actor, reason string) (Snapshot, error) {
	g.mu.Lock()
	prev := *g.current.Load()
	state, err := next(prev)
	if err != nil {
		g.mu.Unlock()
		return prev, err
	}
	snap := Snapshot{
		State:       state,
		Actor:       actor,
		Reason:      reason,
		ActivatedAt: g.now().UTC(),
		Version:     prev.Version + 1,
	}
	if err := g.store.Save(ctx, snap, prev.Version); err != nil {
		g.mu.Unlock()
		return prev, err
	}
	g.current.Store(&snap)
	g.mu.Unlock()

	logger.Audit().Warn("kill switch changed",
		slog.String("from", string(prev.State)),
		slog.String("to", string(snap.State)),
		slog.String("actor", actor),
		slog.String("reason", reason),
		slog.Int64("version", snap.Version),
	)
	g.runHooks(ctx, prev, snap)
	return snap, nil
}

func (g *Gate) runHooks(ctx context.Context, prev, next Snapshot) {
	for _, h := range g.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.logger.Error("kill switch hook panicked", slog.Any("panic", r))
				}
			}()
			h(ctx, prev, next)
		}()
	}
}
