package policy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	xerrors "AgentVault/internal/errors"
)

// MySQLStore reads policies from the policies table. Rules are stored as
// JSON and parsed on every read.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore wraps a migrated database.
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "policy store requires a database")
	}
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Candidates(ctx context.Context, walletID, network string, t Type) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, wallet_id, network, tx_type, type, priority, enabled, rules
        FROM policies
        WHERE type = ? AND enabled = 1 AND (wallet_id = '' OR wallet_id = ?) AND (network = '' OR network = ?)`,
		t, walletID, network)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query policies")
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		var (
			p       Policy
			payload []byte
		)
		if err := rows.Scan(&p.ID, &p.WalletID, &p.Network, &p.TxType, &p.Type, &p.Priority, &p.Enabled, &payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan policy")
		}
		if p.Rules, err = ParseRules(p.Type, payload); err != nil {
			return nil, xerrors.Wrap(CodeInvalid, err, fmt.Sprintf("policy %s", p.ID))
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate policies")
	}
	sortPolicies(out)
	return out, nil
}

// Put upserts a policy by id.
func (s *MySQLStore) Put(ctx context.Context, p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	payload, err := MarshalRules(p.Rules)
	if err != nil {
		return xerrors.Wrap(CodeInvalid, err, fmt.Sprintf("encode policy %s", p.ID))
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `INSERT INTO policies (id, wallet_id, network, tx_type, type, priority, enabled, rules, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE wallet_id = VALUES(wallet_id), network = VALUES(network), tx_type = VALUES(tx_type), type = VALUES(type),
          priority = VALUES(priority), enabled = VALUES(enabled), rules = VALUES(rules), updated_at = VALUES(updated_at)`,
		p.ID, p.WalletID, p.Network, p.TxType, p.Type, p.Priority, p.Enabled, string(payload), now, now)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "upsert policy")
	}
	return nil
}

func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete policy")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("policy %s not found", id))
	}
	return nil
}

func (s *MySQLStore) Close() error { return nil }

// Import upserts policies, typically from policies.yaml at startup.
func Import(ctx context.Context, store Store, policies []Policy) error {
	for _, p := range policies {
		if err := store.Put(ctx, p); err != nil {
			return fmt.Errorf("import policy %s: %w", p.ID, err)
		}
	}
	return nil
}
