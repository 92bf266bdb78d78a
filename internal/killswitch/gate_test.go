package killswitch

import (
	"context"
	"sync"
	"testing"
	"time"

	xerrors "AgentVault/internal/errors"
)

func TestGateStartsActive(t *testing.T) {
	g, err := NewGate(context.Background(), NewMemoryStore())
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	if err := g.Check(context.Background()); err != nil {
		t.Fatalf("fresh gate locked: %v", err)
	}
}

func TestTripBlocksUntilTwoStepRecovery(t *testing.T) {
	ctx := context.Background()
	var (
		mu    sync.Mutex
		calls []State
	)
	g, err := NewGate(ctx, NewMemoryStore(), WithHook(func(_ context.Context, _, next Snapshot) {
		mu.Lock()
		calls = append(calls, next.State)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	if _, err := g.CompleteRecovery(ctx, "ops", "skip"); !xerrors.HasCode(err, CodeBadState) {
		t.Fatalf("recovery from ACTIVE: %v", err)
	}
	snap, err := g.Trip(ctx, "ops", "incident")
	if err != nil || snap.State != StateTripped || snap.Version != 1 {
		t.Fatalf("trip = %+v, %v", snap, err)
	}
	if err := g.Check(ctx); !xerrors.HasCode(err, CodeSystemLocked) {
		t.Fatalf("tripped gate check = %v", err)
	}
	if _, err := g.BeginRecovery(ctx, "ops", "investigating"); err != nil {
		t.Fatalf("begin recovery: %v", err)
	}
	if err := g.Check(ctx); !xerrors.HasCode(err, CodeSystemLocked) {
		t.Fatalf("recovering gate must stay locked: %v", err)
	}
	if _, err := g.CompleteRecovery(ctx, "ops", "resolved"); err != nil {
		t.Fatalf("complete recovery: %v", err)
	}
	if err := g.Check(ctx); err != nil {
		t.Fatalf("recovered gate locked: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 3 || calls[0] != StateTripped || calls[2] != StateActive {
		t.Fatalf("hooks saw %v", calls)
	}
}

func TestGatePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g, _ := NewGate(ctx, store)
	if _, err := g.Trip(ctx, "ops", "incident"); err != nil {
		t.Fatalf("trip: %v", err)
	}
	restarted, err := NewGate(ctx, store)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if restarted.Snapshot().State != StateTripped {
		t.Fatalf("state lost on restart: %+v", restarted.Snapshot())
	}
}

func TestRefreshPicksUpExternalTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a, _ := NewGate(ctx, store)
	b, _ := NewGate(ctx, store)
	if _, err := a.Trip(ctx, "ops", "from a"); err != nil {
		t.Fatalf("trip: %v", err)
	}
	if err := b.Check(ctx); err != nil {
		t.Fatalf("b should not see the trip before refresh")
	}
	if _, err := b.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := b.Check(ctx); !xerrors.HasCode(err, CodeSystemLocked) {
		t.Fatalf("b after refresh: %v", err)
	}
	// b's stale view cannot overwrite a newer state.
	if _, err := a.BeginRecovery(ctx, "ops", ""); err != nil {
		t.Fatalf("begin recovery: %v", err)
	}
	if _, err := b.Trip(ctx, "ops", "stale"); !xerrors.HasCode(err, CodeStateChanged) {
		t.Fatalf("stale trip = %v", err)
	}
}

func TestHookPanicDoesNotBreakTrip(t *testing.T) {
	ctx := context.Background()
	g, _ := NewGate(ctx, NewMemoryStore(), WithHook(func(context.Context, Snapshot, Snapshot) { panic("boom") }))
	if _, err := g.Trip(ctx, "ops", "x"); err != nil {
		t.Fatalf("trip: %v", err)
	}
	if g.Snapshot().State != StateTripped {
		t.Fatalf("trip not applied")
	}
}

func TestAutoStopTripsAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	g, _ := NewGate(ctx, NewMemoryStore())
	auto := NewAutoStop(g, 3, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	auto.now = func() time.Time { return now }

	auto.RecordFailure(ctx, "RPC_TIMEOUT")
	auto.RecordFailure(ctx, "RPC_TIMEOUT")
	auto.RecordSuccess()
	auto.RecordFailure(ctx, "RPC_TIMEOUT")
	auto.RecordFailure(ctx, "RPC_TIMEOUT")
	if !g.Snapshot().Operational() {
		t.Fatalf("success should reset the run")
	}

	now = now.Add(2 * time.Minute)
	auto.RecordFailure(ctx, "RPC_TIMEOUT")
	auto.RecordFailure(ctx, "RPC_TIMEOUT")
	if !g.Snapshot().Operational() {
		t.Fatalf("failures outside the window must not count")
	}
	if !auto.RecordFailure(ctx, "CONNECTION_ERROR") {
		t.Fatalf("third failure in window should trip")
	}
	if snap := g.Snapshot(); snap.State != StateTripped || snap.Actor != "auto-stop" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestNilAutoStopIsInert(t *testing.T) {
	var auto *AutoStop
	auto.RecordSuccess()
	if auto.RecordFailure(context.Background(), "X") {
		t.Fatalf("nil auto-stop tripped")
	}
}
