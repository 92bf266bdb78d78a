package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"AgentVault/internal/approval"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/txn"
	"AgentVault/pkg/logger"
)

// Approve records the owner's signature over an AWAITING_APPROVAL
// transaction and hands it back to the workers. A bad signature leaves the
// transaction waiting.
func (p *Pipeline) Approve(ctx context.Context, txID, signature string) (*txn.Transaction, error) {
	tx, err := p.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := awaiting(tx); err != nil {
		return nil, err
	}
	if tx.ApprovedAt != nil {
		return tx, nil
	}
	pending, err := p.txs.GetApproval(ctx, txID)
	if errors.Is(err, txn.ErrApprovalNotFound) {
		pending, err = p.restoreApproval(ctx, tx)
	}
	if err != nil {
		return nil, err
	}
	if !p.now().Before(pending.Deadline) {
		if _, err := p.expire(ctx, txID); err != nil && !errors.Is(err, txn.ErrCompleted) {
			return nil, err
		}
		return nil, xerrors.New(CodeApprovalTimeout, "approval window elapsed")
	}

	w, err := p.wallets.Get(ctx, tx.WalletID)
	if err != nil {
		return nil, err
	}
	ok, reason := p.verifier.Verify(w.Chain, w.OwnerAddress, approval.Message(tx, pending.Deadline), signature)
	if !ok {
		logger.Audit().Warn("approval signature rejected",
			slog.String("tx_id", txID),
			slog.String("wallet_id", tx.WalletID),
			slog.String("reason", reason),
		)
		return nil, xerrors.New(CodeBadSignature, reason, xerrors.WithMetadata("tx_id", txID))
	}

	now := p.now()
	updated, err := p.txs.Update(ctx, txID, func(t *txn.Transaction) error {
		if err := awaiting(t); err != nil {
			return err
		}
		t.ApprovedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := p.txs.DeleteApproval(ctx, txID); err != nil && !errors.Is(err, txn.ErrApprovalNotFound) {
		p.logger.Warn("delete pending approval failed", slog.String("tx_id", txID), slog.Any("error", err))
	}
	logger.Audit().Info("transaction approved",
		slog.String("tx_id", txID),
		slog.String("wallet_id", tx.WalletID),
		slog.String("owner", w.OwnerAddress),
	)
	p.enqueue(ctx, txID)
	return updated, nil
}

// Reject fails an AWAITING_APPROVAL transaction on the owner's behalf.
func (p *Pipeline) Reject(ctx context.Context, txID, reason string) (*txn.Transaction, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "rejected by owner"
	}
	return p.terminate(ctx, txID, txn.StatusFailed, xerrors.New(CodeApprovalRejected, reason), func(t *txn.Transaction) error {
		if err := awaiting(t); err != nil {
			return err
		}
		if t.ApprovedAt != nil {
			return xerrors.New(txn.CodeTxConflict, "transaction already approved")
		}
		return nil
	})
}

// Cancel stops a transaction that has not reached the chain. SUBMITTED
// transactions and transactions a worker is holding are refused.
func (p *Pipeline) Cancel(ctx context.Context, txID, reason string) (*txn.Transaction, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled"
	}
	now := p.now()
	updated, err := p.terminate(ctx, txID, txn.StatusCancelled, xerrors.New(CodeCancelled, reason), func(t *txn.Transaction) error {
		if t.Status == txn.StatusSubmitted {
			return xerrors.New(txn.CodeTxConflict, "transaction already submitted to chain")
		}
		if t.Claimed(now) {
			return txn.ErrClaimed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("transaction cancelled",
		slog.String("tx_id", txID),
		slog.String("wallet_id", updated.WalletID),
		slog.String("reason", reason),
	)
	return updated, nil
}

// Reconcile checks a SUBMITTED transaction against the chain once without
// waiting for the scheduler sweep.
func (p *Pipeline) Reconcile(ctx context.Context, txID string) (*txn.Transaction, error) {
	tx, err := p.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status.Terminal() {
		return tx, nil
	}
	if tx.Status != txn.StatusSubmitted {
		return nil, xerrors.New(txn.CodeTxConflict, "transaction has not been submitted")
	}
	return p.Process(ctx, txID)
}

// Wait polls until the transaction is terminal or ctx ends, returning the
// last state seen.
func (p *Pipeline) Wait(ctx context.Context, txID string) (*txn.Transaction, error) {
	ticker := time.NewTicker(p.cfg.WaitInterval)
	defer ticker.Stop()
	for {
		tx, err := p.txs.Get(ctx, txID)
		if err != nil {
			return nil, err
		}
		if tx.Status.Terminal() {
			return tx, nil
		}
		select {
		case <-ctx.Done():
			return tx, ctx.Err()
		case <-ticker.C:
		}
	}
}

// expireIfDue expires an unapproved transaction once its deadline passed.
func (p *Pipeline) expireIfDue(ctx context.Context, tx *txn.Transaction) (*txn.Transaction, error) {
	pending, err := p.txs.GetApproval(ctx, tx.ID)
	if errors.Is(err, txn.ErrApprovalNotFound) && tx.ApprovedAt == nil {
		pending, err = p.restoreApproval(ctx, tx)
	}
	if err != nil {
		if errors.Is(err, txn.ErrApprovalNotFound) {
			return tx, nil
		}
		return tx, err
	}
	if pending.Deadline.After(p.now()) {
		return tx, nil
	}
	expired, err := p.expire(ctx, tx.ID)
	if errors.Is(err, txn.ErrCompleted) || errors.Is(err, txn.ErrConflict) {
		return p.txs.Get(ctx, tx.ID)
	}
	return expired, err
}

// restoreApproval recreates a lost approval row so the transaction stays
// visible to the expiry sweep. The deadline counts from creation.
func (p *Pipeline) restoreApproval(ctx context.Context, tx *txn.Transaction) (*txn.PendingApproval, error) {
	pending := txn.PendingApproval{
		TxID:      tx.ID,
		WalletID:  tx.WalletID,
		Deadline:  tx.CreatedAt.Add(p.cfg.ApprovalTimeout),
		CreatedAt: p.now(),
	}
	if err := p.txs.CreateApproval(ctx, pending); err != nil && !errors.Is(err, txn.ErrConflict) {
		return nil, err
	}
	logger.Tx(p.logger, tx.ID, tx.WalletID).Warn("restored missing approval row", slog.Time("deadline", pending.Deadline))
	return p.txs.GetApproval(ctx, tx.ID)
}

// expire moves an unapproved transaction to EXPIRED.
func (p *Pipeline) expire(ctx context.Context, txID string) (*txn.Transaction, error) {
	return p.terminate(ctx, txID, txn.StatusExpired, xerrors.New(CodeApprovalTimeout, "approval window elapsed"), func(t *txn.Transaction) error {
		if err := awaiting(t); err != nil {
			return err
		}
		if t.ApprovedAt != nil {
			return txn.ErrConflict
		}
		return nil
	})
}

func awaiting(tx *txn.Transaction) error {
	switch {
	case tx.Status == txn.StatusAwaitingApproval:
		return nil
	case tx.Status.Terminal():
		return txn.ErrCompleted
	default:
		return xerrors.New(txn.CodeTxConflict, "transaction is not awaiting approval")
	}
}
