// Package sqltest provides a scripted database/sql driver for store tests.
// Each connection consumes the expected operations in order and fails on
// anything else.
package sqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// Kind is the class of a scripted operation.
type Kind int

const (
	KindExec Kind = iota
	KindQuery
	KindBegin
	KindCommit
	KindRollback
)

func (k Kind) String() string {
	switch k {
	case KindExec:
		return "exec"
	case KindQuery:
		return "query"
	case KindBegin:
		return "begin"
	case KindCommit:
		return "commit"
	default:
		return "rollback"
	}
}

// Op is one expected call. An empty query matches any statement.
type Op struct {
	kind   Kind
	query  string
	result Result
	rows   Rows
	err    error
}

// Result is returned from an exec.
type Result struct {
	InsertID int64
	Affected int64
}

func (r Result) LastInsertId() (int64, error) { return r.InsertID, nil }
func (r Result) RowsAffected() (int64, error) { return r.Affected, nil }

// Rows is returned from a query.
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

func Exec(query string, result Result) Op { return Op{kind: KindExec, query: query, result: result} }
func Query(query string, rows Rows) Op    { return Op{kind: KindQuery, query: query, rows: rows} }
func Begin() Op                           { return Op{kind: KindBegin} }
func Commit() Op                          { return Op{kind: KindCommit} }
func Rollback() Op                        { return Op{kind: KindRollback} }

// Fail makes the operation return err.
func (o Op) Fail(err error) Op {
	o.err = err
	return o
}

// Driver replays a script.
type Driver struct {
	mu   sync.Mutex
	ops  []Op
	idx  int
	args [][]driver.Value
	errs []error
}

var seq atomic.Int32

// Open registers a fresh driver serving ops and opens a single-connection
// pool on it. The pool is closed when the test ends.
func Open(t testing.TB, ops ...Op) (*sql.DB, *Driver) {
	t.Helper()
	drv := &Driver{ops: ops, args: make([][]driver.Value, len(ops))}
	name := fmt.Sprintf("sqltest-%d", seq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open scripted db: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { db.Close() })
	return db, drv
}

// AssertConsumed fails the test when part of the script never ran or a call
// strayed from it.
func (d *Driver) AssertConsumed(t testing.TB) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, err := range d.errs {
		t.Errorf("scripted db: %v", err)
	}
	if d.idx != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d, next %s %q", d.idx, len(d.ops), d.ops[d.idx].kind, d.ops[d.idx].query)
	}
}

// Args returns the arguments bound to the i-th scripted operation.
func (d *Driver) Args(i int) []driver.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.args[i]
}

func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(kind Kind, query string, args []driver.NamedValue) (*Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op, err := d.match(kind, query)
	if err != nil {
		d.errs = append(d.errs, err)
		return nil, err
	}
	values := make([]driver.Value, len(args))
	for i, a := range args {
		values[i] = a.Value
	}
	d.args[d.idx] = values
	d.idx++
	return op, nil
}

func (d *Driver) match(kind Kind, query string) (*Op, error) {
	if d.idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %s %q", kind, Normalize(query))
	}
	op := &d.ops[d.idx]
	if op.kind != kind {
		return nil, fmt.Errorf("operation %d: expected %s, got %s %q", d.idx, op.kind, kind, Normalize(query))
	}
	if op.query != "" && Normalize(op.query) != Normalize(query) {
		return nil, fmt.Errorf("operation %d: unexpected query. want %q got %q", d.idx, Normalize(op.query), Normalize(query))
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(KindBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(KindExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(KindQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.rows.Columns, values: op.rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(KindCommit, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(KindRollback, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

// Normalize collapses whitespace so scripts can be written across lines.
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
