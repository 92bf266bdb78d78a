package txn

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "AgentVault/internal/errors"

	"github.com/shopspring/decimal"
)

func newPending(id, wallet, amount string) *Transaction {
	return &Transaction{
		ID:       id,
		WalletID: wallet,
		Type:     TypeTransfer,
		Amount:   amount,
		Network:  "mainnet",
		Status:   StatusPending,
		Request:  Request{Instruction: Instruction{Type: TypeTransfer, To: "d", Amount: amount}},
	}
}

func TestReserveSpendingSerialisesPerWallet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	limit := big.NewInt(500_000_000)

	const n = 8
	for i := 0; i < n; i++ {
		if err := store.Create(ctx, newPending(string(rune('a'+i)), "w1", "400000000")); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := store.ReserveSpending(ctx, id, time.Now().Add(-time.Hour), func(usage WindowUsage) (*Hold, error) {
				amount := big.NewInt(400_000_000)
				if new(big.Int).Add(usage.Native, amount).Cmp(limit) > 0 {
					return nil, ErrConflict
				}
				admitted.Add(1)
				return &Hold{Native: amount, USD: decimal.Zero}, nil
			})
			if err != nil && !xerrors.HasCode(err, CodeTxConflict) {
				t.Errorf("reserve: %v", err)
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	if got := admitted.Load(); got != 1 {
		t.Fatalf("admitted %d reservations, want exactly 1", got)
	}
}

func TestWindowCountsSettledSpendOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	settled := newPending("settled", "w", "30")
	settled.Status = StatusConfirmed
	settled.SpendNative = "30"
	settled.SpendUSD = "3"
	failed := newPending("failed", "w", "50")
	failed.Status = StatusFailed
	failed.SpendNative = "50"
	old := newPending("old", "w", "70")
	old.Status = StatusSubmitted
	old.SpendNative = "70"
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	otherNet := newPending("other", "w", "90")
	otherNet.Network = "testnet"
	otherNet.Status = StatusConfirmed
	otherNet.SpendNative = "90"
	reserved := "11"
	inflight := newPending("inflight", "w", "11")
	inflight.ReservedAmount = &reserved

	for _, tx := range []*Transaction{settled, failed, old, otherNet, inflight, newPending("me", "w", "1")} {
		if err := store.Create(ctx, tx); err != nil {
			t.Fatalf("create %s: %v", tx.ID, err)
		}
	}

	var seen WindowUsage
	_, err := store.ReserveSpending(ctx, "me", time.Now().Add(-24*time.Hour), func(usage WindowUsage) (*Hold, error) {
		seen = usage
		return &Hold{Native: big.NewInt(1), USD: decimal.RequireFromString("0.1")}, nil
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if seen.Native.String() != "41" {
		t.Fatalf("window native = %s, want 41", seen.Native)
	}
	if !seen.USD.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("window usd = %s, want 3", seen.USD)
	}

	me, _ := store.Get(ctx, "me")
	if !me.Reserved() || *me.ReservedAmount != "1" || me.SpendUSD != "0.1" {
		t.Fatalf("hold not written: %+v", me)
	}
	if err := store.ReleaseReservation(ctx, "me"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.ReleaseReservation(ctx, "me"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	me, _ = store.Get(ctx, "me")
	if me.Reserved() {
		t.Fatal("reservation still held after release")
	}
	if me.SpendNative != "1" {
		t.Fatal("spend must survive release")
	}
}

func TestReserveRequiresPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx := newPending("x", "w", "1")
	tx.Status = StatusCancelled
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := store.ReserveSpending(ctx, "x", time.Time{}, func(WindowUsage) (*Hold, error) {
		t.Fatal("decide must not run for a cancelled transaction")
		return nil, nil
	})
	if !xerrors.HasCode(err, CodeTxConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestUpdateRejectsBackwardTransition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, newPending("x", "w", "1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := Transition(ctx, store, "x", StatusSubmitted, func(tx *Transaction) error {
		tx.TxHash = "0xabc"
		return nil
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	_, err := store.Update(ctx, "x", func(tx *Transaction) error {
		tx.Status = StatusPending
		return nil
	})
	if !xerrors.HasCode(err, CodeTxConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if _, err := Transition(ctx, store, "x", StatusConfirmed, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := Transition(ctx, store, "x", StatusFailed, nil); !xerrors.HasCode(err, CodeTxCompleted) {
		t.Fatalf("err = %v, want completed", err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, newPending("x", "w", "1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	now := time.Now()
	if _, err := Claim(ctx, store, "x", now, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := Claim(ctx, store, "x", now, time.Minute); !xerrors.HasCode(err, CodeTxClaimed) {
		t.Fatalf("second claim err = %v", err)
	}
	if _, err := Claim(ctx, store, "x", now.Add(2*time.Minute), time.Minute); err != nil {
		t.Fatalf("claim after lease expiry: %v", err)
	}
	if err := Unclaim(ctx, store, "x"); err != nil {
		t.Fatalf("unclaim: %v", err)
	}
	tx, _ := store.Get(ctx, "x")
	if tx.Claimed(time.Now()) || tx.Attempts != 2 {
		t.Fatalf("unexpected claim state: %+v", tx)
	}
}

func TestResumableAndApprovals(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	due := newPending("due", "w", "1")
	due.Status = StatusQueued
	past := now.Add(-time.Second)
	due.DelayUntil = &past
	later := newPending("later", "w", "1")
	later.Status = StatusQueued
	future := now.Add(time.Hour)
	later.DelayUntil = &future
	approved := newPending("approved", "w", "1")
	approved.Status = StatusAwaitingApproval
	approved.ApprovedAt = &past
	stranded := newPending("stranded", "w", "1")
	stranded.Attempts = 1
	fresh := newPending("fresh", "w", "1")
	for _, tx := range []*Transaction{due, later, approved, stranded, fresh} {
		if err := store.Create(ctx, tx); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	got, err := store.ListResumable(ctx, now, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("resumable = %d, want 3", len(got))
	}

	if err := store.CreateApproval(ctx, PendingApproval{TxID: "a", WalletID: "w", Deadline: past}); err != nil {
		t.Fatalf("approval: %v", err)
	}
	if err := store.CreateApproval(ctx, PendingApproval{TxID: "a", WalletID: "w", Deadline: past}); !xerrors.HasCode(err, CodeTxConflict) {
		t.Fatalf("duplicate approval err = %v", err)
	}
	expired, _ := store.ListExpiredApprovals(ctx, now, 0)
	if len(expired) != 1 {
		t.Fatalf("expired = %d", len(expired))
	}
	_ = store.DeleteApproval(ctx, "a")
	if _, err := store.GetApproval(ctx, "a"); !xerrors.HasCode(err, CodeApprovalGone) {
		t.Fatalf("err = %v", err)
	}
}
