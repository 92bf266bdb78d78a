package wallet

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"time"

	xerrors "AgentVault/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore reads wallets from the wallets table.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore wraps a migrated database.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Get loads a wallet.
func (s *MySQLStore) Get(ctx context.Context, id string) (*Wallet, error) {
	var (
		w                Wallet
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, chain, network, default_network, address, status, owner_address, created_at, updated_at
        FROM wallets WHERE id = ?`, id).
		Scan(&w.ID, &w.Chain, &w.Network, &w.DefaultNetwork, &w.Address, &w.Status, &w.OwnerAddress, &created, &updated)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query wallet")
	}
	w.CreatedAt = time.UnixMilli(created)
	w.UpdatedAt = time.UnixMilli(updated)
	return &w, nil
}

// Create inserts a wallet. Seeding an existing id is a conflict.
func (s *MySQLStore) Create(ctx context.Context, w *Wallet) error {
	if err := w.validate(); err != nil {
		return err
	}
	now := time.Now()
	w.CreatedAt, w.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `INSERT INTO wallets (id, chain, network, default_network, address, status, owner_address, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Chain, w.Network, w.DefaultNetwork, w.Address, w.Status, w.OwnerAddress, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("wallet %s already exists", w.ID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert wallet")
	}
	return nil
}

// SetStatus moves a wallet along its lifecycle.
func (s *MySQLStore) SetStatus(ctx context.Context, id string, status Status) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin wallet status update")
	}
	defer dbTx.Rollback()

	var current Status
	if err := dbTx.QueryRowContext(ctx, `SELECT status FROM wallets WHERE id = ? FOR UPDATE`, id).Scan(&current); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "lock wallet")
	}
	if !CanTransition(current, status) {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("wallet %s cannot move from %s to %s", id, current, status))
	}
	if _, err := dbTx.ExecContext(ctx, `UPDATE wallets SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UnixMilli(), id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update wallet status")
	}
	if err := dbTx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit wallet status")
	}
	return nil
}

func (s *MySQLStore) Close() error { return nil }
