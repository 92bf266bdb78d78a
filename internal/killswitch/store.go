package killswitch

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
)

// Store persists the switch. Save succeeds only when the stored version
// equals expect.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot, expect int64) error
}

// MemoryStore keeps the switch in process.
type MemoryStore struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snap: Snapshot{State: StateActive}}
}

func (s *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

func (s *MemoryStore) Save(_ context.Context, snap Snapshot, expect int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Version != expect {
		return xerrors.New(CodeStateChanged, fmt.Sprintf("stored version %d, expected %d", s.snap.Version, expect))
	}
	s.snap = snap
	return nil
}

// MySQLStore keeps the switch in the single-row kill_switch_state table.
type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "kill switch store requires a database")
	}
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Load(ctx context.Context) (Snapshot, error) {
	var (
		snap      Snapshot
		activated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT state, actor, reason, activated_at, version FROM kill_switch_state WHERE id = 1`).
		Scan(&snap.State, &snap.Actor, &snap.Reason, &activated, &snap.Version)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Snapshot{State: StateActive}, nil
		}
		return Snapshot{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load kill switch")
	}
	if activated > 0 {
		snap.ActivatedAt = time.UnixMilli(activated).UTC()
	}
	return snap, nil
}

func (s *MySQLStore) Save(ctx context.Context, snap Snapshot, expect int64) error {
	var (
		res sql.Result
		err error
	)
	if expect == 0 {
		res, err = s.db.ExecContext(ctx, `INSERT INTO kill_switch_state (id, state, actor, reason, activated_at, version)
            VALUES (1, ?, ?, ?, ?, ?)
            ON DUPLICATE KEY UPDATE
              state = IF(version = 0, VALUES(state), state),
              actor = IF(version = 0, VALUES(actor), actor),
              reason = IF(version = 0, VALUES(reason), reason),
              activated_at = IF(version = 0, VALUES(activated_at), activated_at),
              version = IF(version = 0, VALUES(version), version)`,
			snap.State, snap.Actor, snap.Reason, snap.ActivatedAt.UnixMilli(), snap.Version)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE kill_switch_state
            SET state = ?, actor = ?, reason = ?, activated_at = ?, version = ?
            WHERE id = 1 AND version = ?`,
			snap.State, snap.Actor, snap.Reason, snap.ActivatedAt.UnixMilli(), snap.Version, expect)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "save kill switch")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.New(CodeStateChanged, fmt.Sprintf("kill switch moved past version %d", expect))
	}
	return nil
}
