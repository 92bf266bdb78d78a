package txn

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"

	"github.com/go-sql-driver/mysql"
)

const txColumns = `id, wallet_id, type, amount, to_address, network, status, tier, reserved_amount, reserved_usd,
        spend_native, spend_usd, tx_hash, error_code, last_error, attempts, delay_until, approved_at, claimed_until,
        request, created_at, updated_at`

// windowQuery reads every row that can count against a wallet's window:
// live holds plus settled spend since the window start.
const windowQuery = `SELECT status, created_at, reserved_amount, reserved_usd, spend_native, spend_usd
        FROM transactions
        WHERE wallet_id = ? AND network = ? AND id <> ?
          AND (reserved_amount IS NOT NULL OR reserved_usd IS NOT NULL OR (status IN (?, ?) AND created_at >= ?))`

const updateStmt = `UPDATE transactions SET status = ?, tier = ?, reserved_amount = ?, reserved_usd = ?, spend_native = ?,
        spend_usd = ?, tx_hash = ?, error_code = ?, last_error = ?, attempts = ?, delay_until = ?, approved_at = ?,
        claimed_until = ?, request = ?, updated_at = ? WHERE id = ?`

// MySQLStore persists transactions in MySQL. Timestamps are stored as unix
// milliseconds.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore wraps an open database whose schema is migrated.
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "transaction store requires a database")
	}
	return &MySQLStore{db: db}, nil
}

// Create inserts a new transaction.
func (s *MySQLStore) Create(ctx context.Context, tx *Transaction) error {
	if tx == nil || strings.TrimSpace(tx.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction id is required")
	}
	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	request, err := json.Marshal(tx.Request)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode transaction request")
	}
	const stmt = `INSERT INTO transactions (` + txColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		tx.ID, tx.WalletID, tx.Type, tx.Amount, tx.To, tx.Network, tx.Status, tx.Tier,
		nullString(tx.ReservedAmount), nullString(tx.ReservedUSD),
		tx.SpendNative, tx.SpendUSD, tx.TxHash, tx.ErrorCode, tx.LastError, tx.Attempts,
		nullMillis(tx.DelayUntil), nullMillis(tx.ApprovedAt), millis(tx.ClaimedUntil),
		string(request), millis(tx.CreatedAt), millis(tx.UpdatedAt),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert transaction")
	}
	return nil
}

// Get loads a transaction by id.
func (s *MySQLStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

// ListByWallet returns the wallet's newest transactions first.
func (s *MySQLStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE wallet_id = ?
        ORDER BY created_at DESC LIMIT ?`, walletID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list transactions")
	}
	return collect(rows)
}

// Update locks the row, applies mutate and writes every mutable column back.
func (s *MySQLStore) Update(ctx context.Context, id string, mutate Mutation) (*Transaction, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin update")
	}
	defer dbTx.Rollback()

	current, err := scanTransaction(dbTx.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ? FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return current, err
		}
	}
	if next.Status != current.Status && !CanTransition(current.Status, next.Status) {
		return current, ErrConflict
	}
	next.UpdatedAt = time.Now()
	if err := writeTransaction(ctx, dbTx, next); err != nil {
		return nil, err
	}
	if err := dbTx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit update")
	}
	return next, nil
}

// ReserveSpending locks the wallet's spending_locks row so the window sum and
// the hold write happen in one unit of work.
func (s *MySQLStore) ReserveSpending(ctx context.Context, id string, since time.Time, decide Decider) (*Transaction, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin reservation")
	}
	defer dbTx.Rollback()

	var walletID string
	if err := dbTx.QueryRowContext(ctx, `SELECT wallet_id FROM transactions WHERE id = ?`, id).Scan(&walletID); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load reservation owner")
	}
	if _, err := dbTx.ExecContext(ctx, `INSERT IGNORE INTO spending_locks (wallet_id) VALUES (?)`, walletID); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create spending lock")
	}
	var locked string
	if err := dbTx.QueryRowContext(ctx, `SELECT wallet_id FROM spending_locks WHERE wallet_id = ? FOR UPDATE`, walletID).Scan(&locked); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "lock spending window")
	}

	current, err := scanTransaction(dbTx.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ? FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if current.Status != StatusPending {
		return current, ErrConflict
	}

	rows, err := dbTx.QueryContext(ctx, windowQuery,
		walletID, current.Network, id, StatusSubmitted, StatusConfirmed, millis(since))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "sum spending window")
	}
	acc := newAccumulator()
	for rows.Next() {
		var (
			status           Status
			created          int64
			reservedNative   sql.NullString
			reservedUSD      sql.NullString
			spendNative, usd string
		)
		if err := rows.Scan(&status, &created, &reservedNative, &reservedUSD, &spendNative, &usd); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan spending window")
		}
		acc.add(status, fromMillis(created), since, ptrString(reservedNative), ptrString(reservedUSD), spendNative, usd)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate spending window")
	}
	rows.Close()

	hold, err := decide(acc.usage())
	if err != nil {
		return nil, err
	}
	if hold == nil {
		return current, nil
	}
	next := current.Clone()
	applyHold(next, hold)
	next.UpdatedAt = time.Now()
	if err := writeTransaction(ctx, dbTx, next); err != nil {
		return nil, err
	}
	if err := dbTx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit reservation")
	}
	return next, nil
}

// ReleaseReservation clears the hold columns.
func (s *MySQLStore) ReleaseReservation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE transactions SET reserved_amount = NULL, reserved_usd = NULL, updated_at = ?
        WHERE id = ?`, millis(time.Now()), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "release reservation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListResumable returns due delays, approved transactions and PENDING
// transactions whose worker lease lapsed.
func (s *MySQLStore) ListResumable(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+txColumns+` FROM transactions
        WHERE claimed_until < ?
          AND ((status = ? AND delay_until IS NOT NULL AND delay_until <= ?)
            OR (status = ? AND approved_at IS NOT NULL)
            OR (status = ? AND attempts > 0))
        ORDER BY created_at ASC LIMIT ?`,
		millis(now), StatusQueued, millis(now), StatusAwaitingApproval, StatusPending, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list resumable transactions")
	}
	return collect(rows)
}

// ListSubmitted returns stale SUBMITTED transactions.
func (s *MySQLStore) ListSubmitted(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+txColumns+` FROM transactions
        WHERE status = ? AND updated_at < ? AND claimed_until < ?
        ORDER BY updated_at ASC LIMIT ?`,
		StatusSubmitted, millis(before), millis(time.Now()), limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list submitted transactions")
	}
	return collect(rows)
}

// CreateApproval records a pending approval.
func (s *MySQLStore) CreateApproval(ctx context.Context, approval PendingApproval) error {
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO pending_approvals (tx_id, wallet_id, deadline, created_at) VALUES (?, ?, ?, ?)`,
		approval.TxID, approval.WalletID, millis(approval.Deadline), millis(approval.CreatedAt))
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert pending approval")
	}
	return nil
}

// GetApproval loads the pending approval of a transaction.
func (s *MySQLStore) GetApproval(ctx context.Context, txID string) (*PendingApproval, error) {
	var (
		approval          PendingApproval
		deadline, created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT tx_id, wallet_id, deadline, created_at FROM pending_approvals WHERE tx_id = ?`, txID).
		Scan(&approval.TxID, &approval.WalletID, &deadline, &created)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrApprovalNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query pending approval")
	}
	approval.Deadline = fromMillis(deadline)
	approval.CreatedAt = fromMillis(created)
	return &approval, nil
}

// DeleteApproval removes a pending approval.
func (s *MySQLStore) DeleteApproval(ctx context.Context, txID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_approvals WHERE tx_id = ?`, txID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete pending approval")
	}
	return nil
}

// ListExpiredApprovals returns approvals whose deadline passed.
func (s *MySQLStore) ListExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]PendingApproval, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT tx_id, wallet_id, deadline, created_at FROM pending_approvals
        WHERE deadline <= ? ORDER BY deadline ASC LIMIT ?`, millis(now), limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list expired approvals")
	}
	defer rows.Close()
	var out []PendingApproval
	for rows.Next() {
		var (
			approval          PendingApproval
			deadline, created int64
		)
		if err := rows.Scan(&approval.TxID, &approval.WalletID, &deadline, &created); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan pending approval")
		}
		approval.Deadline = fromMillis(deadline)
		approval.CreatedAt = fromMillis(created)
		out = append(out, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate pending approvals")
	}
	return out, nil
}

// Close is a no-op; the database handle is shared.
func (s *MySQLStore) Close() error { return nil }

func writeTransaction(ctx context.Context, dbTx *sql.Tx, tx *Transaction) error {
	request, err := json.Marshal(tx.Request)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode transaction request")
	}
	_, err = dbTx.ExecContext(ctx, updateStmt,
		tx.Status, tx.Tier, nullString(tx.ReservedAmount), nullString(tx.ReservedUSD), tx.SpendNative,
		tx.SpendUSD, tx.TxHash, tx.ErrorCode, tx.LastError, tx.Attempts, nullMillis(tx.DelayUntil), nullMillis(tx.ApprovedAt),
		millis(tx.ClaimedUntil), string(request), millis(tx.UpdatedAt), tx.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update transaction")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx                     Transaction
		reservedNative         sql.NullString
		reservedUSD            sql.NullString
		delayUntil, approvedAt sql.NullInt64
		claimed, created, upd  int64
		request                string
	)
	err := row.Scan(&tx.ID, &tx.WalletID, &tx.Type, &tx.Amount, &tx.To, &tx.Network, &tx.Status, &tx.Tier,
		&reservedNative, &reservedUSD, &tx.SpendNative, &tx.SpendUSD, &tx.TxHash, &tx.ErrorCode, &tx.LastError,
		&tx.Attempts, &delayUntil, &approvedAt, &claimed, &request, &created, &upd)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan transaction")
	}
	if err := json.Unmarshal([]byte(request), &tx.Request); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode transaction request")
	}
	tx.ReservedAmount = ptrString(reservedNative)
	tx.ReservedUSD = ptrString(reservedUSD)
	tx.DelayUntil = ptrMillis(delayUntil)
	tx.ApprovedAt = ptrMillis(approvedAt)
	if claimed > 0 {
		tx.ClaimedUntil = fromMillis(claimed)
	}
	tx.CreatedAt = fromMillis(created)
	tx.UpdatedAt = fromMillis(upd)
	return &tx, nil
}

func collect(rows *sql.Rows) ([]*Transaction, error) {
	defer rows.Close()
	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate transactions")
	}
	return out, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v)
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func ptrMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func ptrString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
