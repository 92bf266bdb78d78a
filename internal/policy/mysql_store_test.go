package policy

import (
	"context"
	"database/sql/driver"
	"testing"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/storage/sqltest"
	"AgentVault/internal/txn"
)

const candidatesSQL = `SELECT id, wallet_id, network, tx_type, type, priority, enabled, rules
        FROM policies
        WHERE type = ? AND enabled = 1 AND (wallet_id = '' OR wallet_id = ?) AND (network = '' OR network = ?)`

var policyColumns = []string{"id", "wallet_id", "network", "tx_type", "type", "priority", "enabled", "rules"}

func TestMySQLStoreCandidatesParsesRules(t *testing.T) {
	t.Parallel()

	db, drv := sqltest.Open(t, sqltest.Query(candidatesSQL, sqltest.Rows{
		Columns: policyColumns,
		Values: [][]driver.Value{
			{"global", "", "", "", "SPENDING_LIMIT", int64(0), int64(1), []byte(`{"instant_max": 10}`)},
			{"calls", "w1", "mainnet", "CONTRACT_CALL", "SPENDING_LIMIT", int64(0), int64(1), []byte(`{"instant_max_usd": "5"}`)},
			{"wallet", "w1", "", "", "SPENDING_LIMIT", int64(5), int64(1), []byte(`{"delay_max": 99, "delay_seconds": 30}`)},
		},
	}))
	defer drv.AssertConsumed(t)

	store, err := NewMySQLStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	policies, err := store.Candidates(context.Background(), "w1", "mainnet", TypeSpendingLimit)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if args := drv.Args(0); args[0] != string(TypeSpendingLimit) || args[1] != "w1" || args[2] != "mainnet" {
		t.Fatalf("query args = %v", args)
	}
	if len(policies) != 3 || policies[0].ID != "calls" || policies[1].ID != "wallet" || policies[2].ID != "global" {
		t.Fatalf("candidates out of precedence order: %+v", policies)
	}
	if policies[0].TxType != txn.TypeContractCall {
		t.Fatalf("tx_type lost: %+v", policies[0])
	}
	rules, ok := policies[1].Rules.(*SpendingLimitRules)
	if !ok || rules.DelayMax.Int64() != 99 || rules.DelaySeconds != 30 || !policies[1].Enabled {
		t.Fatalf("wallet rules = %#v", policies[1].Rules)
	}

	p, ok := Resolve(policies, TypeSpendingLimit, "w1", "mainnet", txn.TypeTransfer)
	if !ok || p.ID != "wallet" {
		t.Fatalf("transfer resolved %v, want wallet", p)
	}
}

func TestMySQLStoreCandidatesRejectsBadPayload(t *testing.T) {
	t.Parallel()

	db, drv := sqltest.Open(t, sqltest.Query(candidatesSQL, sqltest.Rows{
		Columns: policyColumns,
		Values: [][]driver.Value{
			{"broken", "", "", "", "SPENDING_LIMIT", int64(0), int64(1), []byte(`{"instant_max": "lots"}`)},
		},
	}))
	defer drv.AssertConsumed(t)

	store, _ := NewMySQLStore(db)
	if _, err := store.Candidates(context.Background(), "w1", "mainnet", TypeSpendingLimit); !xerrors.HasCode(err, CodeInvalid) {
		t.Fatalf("err = %v, want %s", err, CodeInvalid)
	}
}

func TestMySQLStorePutEncodesRules(t *testing.T) {
	t.Parallel()

	db, drv := sqltest.Open(t, sqltest.Exec("", sqltest.Result{Affected: 1}))
	defer drv.AssertConsumed(t)

	store, _ := NewMySQLStore(db)
	rules, _ := NewListRules(TypeWhitelist, false, "0xabc")
	p := Policy{ID: "wl", WalletID: "w1", Network: "mainnet", TxType: txn.TypeTransfer, Type: TypeWhitelist, Priority: 2, Enabled: true, Rules: rules}
	if err := store.Put(context.Background(), p); err != nil {
		t.Fatalf("put: %v", err)
	}
	args := drv.Args(0)
	if args[0] != "wl" || args[3] != string(txn.TypeTransfer) || args[4] != string(TypeWhitelist) {
		t.Fatalf("put args = %v", args)
	}
	payload, ok := args[7].(string)
	if !ok {
		t.Fatalf("rules arg = %T", args[7])
	}
	parsed, err := ParseRules(TypeWhitelist, []byte(payload))
	if err != nil {
		t.Fatalf("stored payload does not parse: %v", err)
	}
	if list := parsed.(ListRules); len(list.Values) != 1 || list.AllowAll {
		t.Fatalf("stored rules = %+v", list)
	}
}

func TestMySQLStorePutValidatesFirst(t *testing.T) {
	t.Parallel()

	db, drv := sqltest.Open(t)
	defer drv.AssertConsumed(t)

	store, _ := NewMySQLStore(db)
	list, _ := NewListRules(TypeWhitelist, true)
	if err := store.Put(context.Background(), Policy{ID: "bad", Type: TypeSpendingLimit, Rules: list}); !xerrors.HasCode(err, CodeInvalid) {
		t.Fatalf("err = %v, want %s", err, CodeInvalid)
	}
}
