package txn

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Mutation edits a locked copy of a transaction. Returning an error aborts
// the update and leaves the stored record untouched.
type Mutation func(tx *Transaction) error

// WindowUsage is what a wallet has already spent or reserved on a network
// inside the current spending window.
type WindowUsage struct {
	Native *big.Int
	USD    decimal.Decimal
}

// Hold is the reservation written on a transaction.
type Hold struct {
	Native *big.Int
	USD    decimal.Decimal
}

// Decider runs while the wallet's spending window is locked. A nil hold
// writes nothing.
type Decider func(usage WindowUsage) (*Hold, error)

// Store persists transactions and pending approvals.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	ListByWallet(ctx context.Context, walletID string, limit int) ([]*Transaction, error)
	// Update applies mutate atomically. A status change must satisfy
	// CanTransition.
	Update(ctx context.Context, id string, mutate Mutation) (*Transaction, error)
	// ReserveSpending reads the window usage of the transaction's wallet and
	// network, lets decide pick a hold, and writes it, all inside one unit of
	// work serialised per wallet. The transaction must still be PENDING.
	ReserveSpending(ctx context.Context, id string, since time.Time, decide Decider) (*Transaction, error)
	ReleaseReservation(ctx context.Context, id string) error
	// ListResumable returns unclaimed transactions whose DELAY elapsed,
	// whose approval arrived, or that were claimed once and abandoned while
	// PENDING.
	ListResumable(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	// ListSubmitted returns SUBMITTED transactions last updated before cutoff.
	ListSubmitted(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)

	CreateApproval(ctx context.Context, approval PendingApproval) error
	GetApproval(ctx context.Context, txID string) (*PendingApproval, error)
	DeleteApproval(ctx context.Context, txID string) error
	ListExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]PendingApproval, error)

	Close() error
}

// Transition moves a transaction to status to, applying extra edits in the
// same update.
func Transition(ctx context.Context, store Store, id string, to Status, extra Mutation) (*Transaction, error) {
	return store.Update(ctx, id, func(tx *Transaction) error {
		if !CanTransition(tx.Status, to) {
			if tx.Status.Terminal() {
				return ErrCompleted
			}
			return ErrConflict
		}
		tx.Status = to
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
}

// Claim leases the transaction to one worker until now+lease.
func Claim(ctx context.Context, store Store, id string, now time.Time, lease time.Duration) (*Transaction, error) {
	return store.Update(ctx, id, func(tx *Transaction) error {
		if tx.Status.Terminal() {
			return ErrCompleted
		}
		if tx.Claimed(now) {
			return ErrClaimed
		}
		tx.ClaimedUntil = now.Add(lease)
		tx.Attempts++
		return nil
	})
}

// Unclaim ends a worker's lease.
func Unclaim(ctx context.Context, store Store, id string) error {
	_, err := store.Update(ctx, id, func(tx *Transaction) error {
		tx.ClaimedUntil = time.Time{}
		return nil
	})
	return err
}

// applyHold writes h onto tx, or clears the reservation when h is nil.
func applyHold(tx *Transaction, h *Hold) {
	if h == nil {
		return
	}
	native := new(big.Int)
	if h.Native != nil {
		native.Set(h.Native)
	}
	n := native.String()
	u := h.USD.String()
	tx.ReservedAmount = &n
	tx.ReservedUSD = &u
	tx.SpendNative = n
	tx.SpendUSD = u
}

func clearHold(tx *Transaction) {
	tx.ReservedAmount = nil
	tx.ReservedUSD = nil
}

// usageAccumulator sums window usage. In-flight reservations always count;
// settled spend counts when SUBMITTED or CONFIRMED inside the window.
type usageAccumulator struct {
	native *big.Int
	usd    decimal.Decimal
}

func newAccumulator() *usageAccumulator {
	return &usageAccumulator{native: new(big.Int), usd: decimal.Zero}
}

func (a *usageAccumulator) add(status Status, createdAt, since time.Time, reservedNative, reservedUSD *string, spendNative, spendUSD string) {
	if reservedNative != nil || reservedUSD != nil {
		a.addValues(deref(reservedNative), deref(reservedUSD))
		return
	}
	if status != StatusSubmitted && status != StatusConfirmed {
		return
	}
	if createdAt.Before(since) {
		return
	}
	a.addValues(spendNative, spendUSD)
}

func (a *usageAccumulator) addValues(native, usd string) {
	if v, ok := ParseAmount(native); ok {
		a.native.Add(a.native, v)
	}
	if usd != "" {
		if d, err := decimal.NewFromString(usd); err == nil {
			a.usd = a.usd.Add(d)
		}
	}
}

func (a *usageAccumulator) usage() WindowUsage {
	return WindowUsage{Native: a.native, USD: a.usd}
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
