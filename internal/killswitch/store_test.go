package killswitch

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/storage/sqltest"
)

const (
	loadSQL   = `SELECT state, actor, reason, activated_at, version FROM kill_switch_state WHERE id = 1`
	updateSQL = `UPDATE kill_switch_state
            SET state = ?, actor = ?, reason = ?, activated_at = ?, version = ?
            WHERE id = 1 AND version = ?`
)

var stateColumns = []string{"state", "actor", "reason", "activated_at", "version"}

func TestMySQLStoreLoad(t *testing.T) {
	t.Parallel()

	activated := time.UnixMilli(1_700_000_000_000).UTC()
	db, drv := sqltest.Open(t,
		sqltest.Query(loadSQL, sqltest.Rows{Columns: stateColumns}),
		sqltest.Query(loadSQL, sqltest.Rows{
			Columns: stateColumns,
			Values:  [][]driver.Value{{"TRIPPED", "ops", "drain", activated.UnixMilli(), int64(3)}},
		}),
	)
	defer drv.AssertConsumed(t)

	store, err := NewMySQLStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	snap, err := store.Load(context.Background())
	if err != nil || snap.State != StateActive || snap.Version != 0 {
		t.Fatalf("empty table = %+v, %v", snap, err)
	}
	snap, err = store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.State != StateTripped || snap.Actor != "ops" || snap.Version != 3 || !snap.ActivatedAt.Equal(activated) {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestMySQLStoreSaveComparesVersion(t *testing.T) {
	t.Parallel()

	db, drv := sqltest.Open(t,
		sqltest.Exec(updateSQL, sqltest.Result{Affected: 1}),
		sqltest.Exec(updateSQL, sqltest.Result{Affected: 0}),
	)
	defer drv.AssertConsumed(t)

	store, _ := NewMySQLStore(db)
	next := Snapshot{State: StateTripped, Actor: "ops", Reason: "drain", ActivatedAt: time.Now(), Version: 4}
	if err := store.Save(context.Background(), next, 3); err != nil {
		t.Fatalf("save: %v", err)
	}
	args := drv.Args(0)
	if args[0] != string(StateTripped) || args[4] != int64(4) || args[5] != int64(3) {
		t.Fatalf("save args = %v", args)
	}

	stale := Snapshot{State: StateRecovering, Actor: "ops", ActivatedAt: time.Now(), Version: 4}
	if err := store.Save(context.Background(), stale, 3); !xerrors.HasCode(err, CodeStateChanged) {
		t.Fatalf("stale save err = %v, want %s", err, CodeStateChanged)
	}
}

func TestMySQLStoreFirstSaveInsertsOnlyOverVersionZero(t *testing.T) {
	t.Parallel()

	db, drv := sqltest.Open(t,
		sqltest.Exec("", sqltest.Result{Affected: 1}),
		sqltest.Exec("", sqltest.Result{Affected: 0}),
	)
	defer drv.AssertConsumed(t)

	store, _ := NewMySQLStore(db)
	snap := Snapshot{State: StateTripped, Actor: "ops", ActivatedAt: time.Now(), Version: 1}
	if err := store.Save(context.Background(), snap, 0); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := store.Save(context.Background(), snap, 0); !xerrors.HasCode(err, CodeStateChanged) {
		t.Fatalf("racing first save err = %v", err)
	}
}

func TestGateOverMySQLStoreRejectsConcurrentWriter(t *testing.T) {
	t.Parallel()

	db, drv := sqltest.Open(t,
		sqltest.Query(loadSQL, sqltest.Rows{
			Columns: stateColumns,
			Values:  [][]driver.Value{{"ACTIVE", "", "", int64(0), int64(2)}},
		}),
		sqltest.Exec(updateSQL, sqltest.Result{Affected: 0}),
	)
	defer drv.AssertConsumed(t)

	store, _ := NewMySQLStore(db)
	gate, err := NewGate(context.Background(), store)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	if _, err := gate.Trip(context.Background(), "ops", "drain"); !xerrors.HasCode(err, CodeStateChanged) {
		t.Fatalf("trip err = %v, want %s", err, CodeStateChanged)
	}
}
