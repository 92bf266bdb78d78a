package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/keystore"
	"AgentVault/internal/notify"
	"AgentVault/internal/observability/metrics"
	"AgentVault/internal/txn"
	"AgentVault/internal/wallet"
	"AgentVault/pkg/logger"
)

// execute is stage 5 followed by stage 6.
func (p *Pipeline) execute(ctx context.Context, tx *txn.Transaction, w *wallet.Wallet) (*txn.Transaction, error) {
	log := logger.Tx(p.logger, tx.ID, tx.WalletID)
	adapter, err := p.adapters.Adapter(ctx, w.Chain, tx.Network)
	if err != nil {
		return p.abort(ctx, tx, err)
	}

	// A hash recorded before an interrupted run means something may already
	// be on the network. Adopt it instead of signing a second transfer.
	if tx.TxHash != "" {
		if status, err := adapter.GetTransactionStatus(ctx, tx.TxHash); err == nil && status.State != chain.TxNotFound {
			log.Warn("adopting earlier broadcast", slog.String("tx_hash", tx.TxHash))
			updated, err := p.markSubmitted(ctx, tx, tx.TxHash)
			if err != nil {
				return p.abort(ctx, tx, err)
			}
			return p.confirm(ctx, updated, adapter)
		}
	}

	started := time.Now()
	hash, err := p.broadcast(ctx, tx, w, adapter)
	metrics.ObserveStage("execute", time.Since(started))
	if err != nil {
		if ctx.Err() != nil {
			return tx, ctx.Err()
		}
		p.recordChainFailure(ctx, err)
		return p.fail(ctx, tx, err)
	}
	p.autoStop.RecordSuccess()

	updated, err := p.markSubmitted(ctx, tx, hash)
	if err != nil {
		// The hash marker is already stored, so a retry adopts the broadcast.
		log.Error("record submission failed", slog.String("tx_hash", hash), slog.Any("error", err))
		return tx, err
	}
	log.Info("transaction submitted to chain", slog.String("tx_hash", hash), slog.Int("attempts", updated.Attempts))
	p.publish(p.event(notify.EventTxSubmitted, updated, w, nil, nil))
	return p.confirm(ctx, updated, adapter)
}

// broadcast builds, simulates, signs and submits. Transient submit errors
// resend the same signed bytes; stale errors discard them and rebuild. The
// kill switch is checked before every build and every submission.
func (p *Pipeline) broadcast(ctx context.Context, tx *txn.Transaction, w *wallet.Wallet, adapter chain.Adapter) (string, error) {
	key, err := p.keys.Acquire(ctx, w)
	if err != nil {
		return "", err
	}
	defer key.Release()

	log := logger.Tx(p.logger, tx.ID, tx.WalletID)
	transient, rebuilds := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := p.gate.Check(ctx); err != nil {
			return "", err
		}
		signed, err := p.prepare(ctx, tx, w, adapter, key)
		if err == nil {
			var hash string
			if hash, err = p.submit(ctx, tx, w, adapter, signed, &transient); err == nil {
				return hash, nil
			}
		}

		code, category := chain.ClassifyError(err)
		switch category {
		case chain.Stale:
			rebuilds++
			if rebuilds > p.cfg.MaxRebuilds {
				return "", xerrors.Wrap(CodeRebuildsExhausted, err, fmt.Sprintf("still stale after %d rebuilds", p.cfg.MaxRebuilds),
					xerrors.WithMetadata("chain_code", string(code)))
			}
			metrics.ObserveRetry("rebuild")
			log.Warn("stale transaction, rebuilding", slog.String("code", string(code)), slog.Int("rebuild", rebuilds))
		case chain.Transient:
			// Raised while preparing. Submission handles its own.
			transient++
			if transient > p.cfg.MaxTransientRetries {
				return "", exhausted(err, code, p.cfg.MaxTransientRetries)
			}
			metrics.ObserveRetry("transient")
			log.Warn("transient failure while preparing", slog.String("code", string(code)), slog.Int("attempt", transient))
			if err := p.sleep(ctx, p.backoff(transient)); err != nil {
				return "", err
			}
		default:
			return "", err
		}
	}
}

func (p *Pipeline) prepare(ctx context.Context, tx *txn.Transaction, w *wallet.Wallet, adapter chain.Adapter, key *keystore.Material) (*chain.SignedTx, error) {
	unsigned, err := chain.Build(ctx, adapter, w.Address, tx.Request)
	if err != nil {
		p.observeChainError(w.Chain, err)
		return nil, err
	}
	sim, err := adapter.SimulateTransaction(ctx, unsigned)
	if err != nil {
		p.observeChainError(w.Chain, err)
		return nil, err
	}
	if !sim.Success {
		err := chain.NewError(chain.CodeSimulationFailed, w.Chain, "simulation failed: %s", sim.Error)
		p.observeChainError(w.Chain, err)
		return nil, err
	}
	signed, err := adapter.SignTransaction(ctx, unsigned, key)
	if err != nil {
		p.observeChainError(w.Chain, err)
		return nil, err
	}
	return signed, nil
}

// submit sends signed until it is accepted, a non-transient error comes
// back, or the transient budget shared with prepare runs out.
func (p *Pipeline) submit(ctx context.Context, tx *txn.Transaction, w *wallet.Wallet, adapter chain.Adapter, signed *chain.SignedTx, transient *int) (string, error) {
	log := logger.Tx(p.logger, tx.ID, tx.WalletID)
	if err := p.markBroadcast(ctx, tx.ID, signed.Hash); err != nil {
		return "", err
	}
	resent := false
	for {
		if err := p.gate.Check(ctx); err != nil {
			return "", err
		}
		hash, err := adapter.SubmitTransaction(ctx, signed)
		if err == nil {
			if hash == "" {
				hash = signed.Hash
			}
			return hash, nil
		}
		code, category := chain.ClassifyError(err)
		p.observeChainError(w.Chain, err)

		if resent {
			// An earlier send of these exact bytes may have landed.
			if code == chain.CodeDuplicateTransaction {
				log.Info("resend already known to the network", slog.String("tx_hash", signed.Hash))
				return signed.Hash, nil
			}
			if category == chain.Stale && p.landed(ctx, adapter, signed.Hash) {
				log.Info("resend raced its own inclusion", slog.String("tx_hash", signed.Hash))
				return signed.Hash, nil
			}
		}
		if category != chain.Transient {
			return "", err
		}

		*transient++
		if *transient > p.cfg.MaxTransientRetries {
			return "", exhausted(err, code, p.cfg.MaxTransientRetries)
		}
		metrics.ObserveRetry("transient")
		log.Warn("transient submit failure, resending",
			slog.String("code", string(code)),
			slog.Int("attempt", *transient),
			slog.String("tx_hash", signed.Hash),
		)
		if err := p.sleep(ctx, p.backoff(*transient)); err != nil {
			return "", err
		}
		resent = true
	}
}

func exhausted(cause error, code xerrors.Code, limit int) error {
	return xerrors.Wrap(CodeRetriesExhausted, cause, fmt.Sprintf("gave up after %d transient retries", limit),
		xerrors.WithMetadata("chain_code", string(code)))
}

func (p *Pipeline) landed(ctx context.Context, adapter chain.Adapter, hash string) bool {
	status, err := adapter.GetTransactionStatus(ctx, hash)
	return err == nil && status.State != chain.TxNotFound
}

// backoff doubles from BaseBackoff per attempt and never exceeds MaxBackoff.
func (p *Pipeline) backoff(attempt int) time.Duration {
	d := p.cfg.BaseBackoff
	for i := 1; i < attempt && d < p.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	return d
}

// markBroadcast stores the hash about to be sent without changing status.
func (p *Pipeline) markBroadcast(ctx context.Context, id, hash string) error {
	_, err := p.txs.Update(ctx, id, func(t *txn.Transaction) error {
		if t.Status.Terminal() {
			return txn.ErrCompleted
		}
		t.TxHash = hash
		return nil
	})
	return err
}

func (p *Pipeline) markSubmitted(ctx context.Context, tx *txn.Transaction, hash string) (*txn.Transaction, error) {
	return txn.Transition(context.WithoutCancel(ctx), p.txs, tx.ID, txn.StatusSubmitted, func(t *txn.Transaction) error {
		t.TxHash = hash
		t.ErrorCode = ""
		t.LastError = ""
		return nil
	})
}

func (p *Pipeline) observeChainError(kind chain.Kind, err error) {
	code, category := chain.ClassifyError(err)
	if !chain.Known(code) {
		return
	}
	metrics.ObserveChainError(string(kind), string(category), string(code))
}

// recordChainFailure feeds auto-stop with failures the chain caused.
func (p *Pipeline) recordChainFailure(ctx context.Context, err error) {
	code := xerrors.CodeOf(err)
	switch {
	case chain.Known(code), code == CodeRetriesExhausted, code == CodeRebuildsExhausted, code == CodeChainTxFailed:
	default:
		return
	}
	if p.autoStop.RecordFailure(ctx, string(code)) {
		p.logger.Error("auto-stop tripped the kill switch", slog.String("code", string(code)))
	}
}

// confirm is stage 6. It polls with growing intervals. When the budget
// runs out the transaction stays SUBMITTED for the reconciler.
func (p *Pipeline) confirm(ctx context.Context, tx *txn.Transaction, adapter chain.Adapter) (*txn.Transaction, error) {
	started := time.Now()
	defer func() { metrics.ObserveStage("confirm", time.Since(started)) }()
	log := logger.Tx(p.logger, tx.ID, tx.WalletID)

	interval := p.cfg.ConfirmPollInterval
	ceiling := p.cfg.MaxBackoff
	if ceiling < interval {
		ceiling = interval
	}
	for attempt := 1; attempt <= p.cfg.ConfirmPollAttempts; attempt++ {
		status, err := adapter.GetTransactionStatus(ctx, tx.TxHash)
		if err != nil {
			p.observeChainError(adapter.Chain(), err)
			log.Debug("confirmation poll failed", slog.Int("attempt", attempt), slog.Any("error", err))
		} else if done, result, err := p.conclude(ctx, tx, status); done {
			return result, err
		}
		if attempt == p.cfg.ConfirmPollAttempts {
			break
		}
		if err := p.sleep(ctx, interval); err != nil {
			return tx, err
		}
		interval = interval * 3 / 2
		if interval > ceiling {
			interval = ceiling
		}
	}

	if err := p.txs.ReleaseReservation(context.WithoutCancel(ctx), tx.ID); err != nil {
		log.Error("release reservation failed", slog.Any("error", err))
	}
	log.Warn("confirmation not observed, leaving for reconciliation",
		slog.String("tx_hash", tx.TxHash),
		slog.Int("polls", p.cfg.ConfirmPollAttempts),
	)
	current, err := p.txs.Get(context.WithoutCancel(ctx), tx.ID)
	if err != nil {
		return tx, err
	}
	p.publish(p.event(notify.EventTxPendingReconcile, current, nil, nil, nil))
	return current, nil
}

// conclude finishes tx when status is final on chain.
func (p *Pipeline) conclude(ctx context.Context, tx *txn.Transaction, status *chain.TxStatus) (bool, *txn.Transaction, error) {
	var (
		result *txn.Transaction
		err    error
	)
	switch status.State {
	case chain.TxConfirmed:
		result, err = p.terminate(ctx, tx.ID, txn.StatusConfirmed, nil, nil)
	case chain.TxFailed:
		reason := status.Error
		if reason == "" {
			reason = "transaction reverted"
		}
		cause := xerrors.New(CodeChainTxFailed, reason, xerrors.WithMetadata("tx_hash", tx.TxHash))
		p.recordChainFailure(ctx, cause)
		result, err = p.terminate(ctx, tx.ID, txn.StatusFailed, cause, nil)
	default:
		return false, nil, nil
	}
	if errors.Is(err, txn.ErrCompleted) {
		result, err = p.txs.Get(context.WithoutCancel(ctx), tx.ID)
	}
	return true, result, err
}

// reconcile checks a SUBMITTED transaction once more.
func (p *Pipeline) reconcile(ctx context.Context, tx *txn.Transaction) (*txn.Transaction, error) {
	log := logger.Tx(p.logger, tx.ID, tx.WalletID)
	w, err := p.wallets.Get(ctx, tx.WalletID)
	if err != nil {
		return tx, err
	}
	adapter, err := p.adapters.Adapter(ctx, w.Chain, tx.Network)
	if err != nil {
		return tx, err
	}
	status, err := adapter.GetTransactionStatus(ctx, tx.TxHash)
	if err != nil {
		p.observeChainError(w.Chain, err)
		log.Warn("reconcile poll failed", slog.Any("error", err))
		return tx, nil
	}
	if done, result, err := p.conclude(ctx, tx, status); done {
		if err == nil {
			log.Info("reconciled", slog.String("status", string(result.Status)))
		}
		return result, err
	}
	// Touch the row so the next sweep waits a full period.
	return p.txs.Update(ctx, tx.ID, func(*txn.Transaction) error { return nil })
}
