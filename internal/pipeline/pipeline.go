// Package pipeline drives a transaction from submission to on-chain
// confirmation: validate, authorize, policy, tier wait, execute, confirm.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"AgentVault/internal/approval"
	"AgentVault/internal/chain"
	"AgentVault/internal/config"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/keystore"
	"AgentVault/internal/killswitch"
	"AgentVault/internal/notify"
	"AgentVault/internal/observability/metrics"
	"AgentVault/internal/policy"
	"AgentVault/internal/txn"
	"AgentVault/internal/wallet"
	"AgentVault/pkg/logger"

	"github.com/google/uuid"
)

// Gate refuses work while the kill switch is not ACTIVE.
type Gate interface {
	Check(ctx context.Context) error
}

// Evaluator assigns a tier and reserves spend.
type Evaluator interface {
	Evaluate(ctx context.Context, w *wallet.Wallet, tx *txn.Transaction) (*policy.Evaluation, error)
}

// Adapters resolves the adapter for a chain and network.
type Adapters interface {
	Adapter(ctx context.Context, kind chain.Kind, network string) (chain.Adapter, error)
}

// Notifier accepts events without blocking. *notify.Dispatcher implements it.
type Notifier interface {
	Publish(event notify.Event) bool
}

// Config is the retry, polling and approval budget.
type Config struct {
	ClaimLease          time.Duration
	MaxTransientRetries int
	MaxRebuilds         int
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	ConfirmPollAttempts int
	ConfirmPollInterval time.Duration
	ApprovalTimeout     time.Duration
	ReconcileAfter      time.Duration
	WaitInterval        time.Duration
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c config.PipelineConfig) Config {
	return Config{
		ClaimLease:          time.Duration(c.ClaimLeaseSeconds) * time.Second,
		MaxTransientRetries: c.MaxTransientRetries,
		MaxRebuilds:         c.MaxRebuilds,
		BaseBackoff:         time.Duration(c.BaseBackoffMillis) * time.Millisecond,
		MaxBackoff:          time.Duration(c.MaxBackoffMillis) * time.Millisecond,
		ConfirmPollAttempts: c.ConfirmPollAttempts,
		ConfirmPollInterval: time.Duration(c.ConfirmPollIntervalMillis) * time.Millisecond,
		ApprovalTimeout:     time.Duration(c.ApprovalTimeoutSeconds) * time.Second,
		ReconcileAfter:      time.Duration(c.ReconcileAfterSeconds) * time.Second,
	}
}

func (c *Config) normalize() {
	if c.ClaimLease <= 0 {
		c.ClaimLease = 5 * time.Minute
	}
	if c.MaxTransientRetries < 0 {
		c.MaxTransientRetries = 0
	}
	if c.MaxRebuilds < 0 {
		c.MaxRebuilds = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = 16 * c.BaseBackoff
	}
	if c.ConfirmPollAttempts <= 0 {
		c.ConfirmPollAttempts = 30
	}
	if c.ConfirmPollInterval <= 0 {
		c.ConfirmPollInterval = 2 * time.Second
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 24 * time.Hour
	}
	if c.ReconcileAfter <= 0 {
		c.ReconcileAfter = 5 * time.Minute
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = 200 * time.Millisecond
	}
}

// Deps are the collaborators every pipeline needs.
type Deps struct {
	Transactions txn.Store
	Wallets      wallet.Store
	Policy       Evaluator
	Adapters     Adapters
	Keys         keystore.KeyStore
	Gate         Gate
}

// Pipeline runs the six stages. It is safe for concurrent use; per
// transaction exclusion comes from the store's claim lease.
type Pipeline struct {
	txs      txn.Store
	wallets  wallet.Store
	policy   Evaluator
	adapters Adapters
	keys     keystore.KeyStore
	gate     Gate

	verifier approval.Verifier
	notifier Notifier
	producer Producer
	autoStop *killswitch.AutoStop

	cfg    Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithNotifier sends tier and terminal events to n.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithProducer enqueues submitted and approved transactions on q. Without
// one, callers drive Process themselves.
func WithProducer(q Producer) Option {
	return func(p *Pipeline) { p.producer = q }
}

// WithAutoStop feeds chain outcomes to a.
func WithAutoStop(a *killswitch.AutoStop) Option {
	return func(p *Pipeline) { p.autoStop = a }
}

// WithVerifier overrides the approval signature verifier.
func WithVerifier(v approval.Verifier) Option {
	return func(p *Pipeline) {
		if v != nil {
			p.verifier = v
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithSleep overrides the backoff sleeper.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithLogger overrides the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New wires a pipeline.
func New(deps Deps, cfg Config, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Transactions == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "transaction store is required")
	case deps.Wallets == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "wallet store is required")
	case deps.Policy == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "policy evaluator is required")
	case deps.Adapters == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chain adapters are required")
	case deps.Keys == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "key store is required")
	case deps.Gate == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "kill switch gate is required")
	}
	cfg.normalize()
	p := &Pipeline{
		txs:      deps.Transactions,
		wallets:  deps.Wallets,
		policy:   deps.Policy,
		adapters: deps.Adapters,
		keys:     deps.Keys,
		gate:     deps.Gate,
		verifier: approval.NewVerifier(),
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepContext,
		logger:   logger.Named("pipeline"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Submit validates req and records it as PENDING. Invalid requests are
// rejected before anything is persisted.
func (p *Pipeline) Submit(ctx context.Context, walletID string, req txn.Request) (*txn.Transaction, error) {
	started := time.Now()
	defer func() { metrics.ObserveStage("validate", time.Since(started)) }()

	if strings.TrimSpace(walletID) == "" {
		return nil, xerrors.New(txn.CodeValidation, "wallet id is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	network := req.Network
	if network == "" {
		w, err := p.wallets.Get(ctx, walletID)
		switch {
		case err == nil:
			network = w.ResolveNetwork("")
		case !xerrors.HasCode(err, wallet.CodeNotFound):
			return nil, err
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "generate transaction id")
	}
	tx := &txn.Transaction{
		ID:        id.String(),
		WalletID:  walletID,
		Type:      req.Type,
		Amount:    summaryAmount(req),
		To:        summaryDestination(req),
		Network:   network,
		Status:    txn.StatusPending,
		Request:   req.Clone(),
		CreatedAt: p.now(),
	}
	if err := p.txs.Create(ctx, tx); err != nil {
		return nil, err
	}
	logger.Tx(p.logger, tx.ID, walletID).Info("transaction submitted",
		slog.String("type", string(tx.Type)),
		slog.String("network", network),
		slog.String("amount", tx.Amount),
	)

	if p.producer != nil {
		if err := p.producer.Publish(ctx, tx.ID); err != nil {
			wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, err, "enqueue transaction")
			failed, ferr := p.fail(ctx, tx, wrapped)
			if ferr != nil {
				return nil, ferr
			}
			return failed, wrapped
		}
	}
	return tx.Clone(), nil
}

// Process advances a transaction as far as it can go without waiting on a
// delay, an approval or the chain. Failures the transaction itself caused
// are recorded on it and not returned; errors mean the pipeline could not
// make progress.
func (p *Pipeline) Process(ctx context.Context, txID string) (*txn.Transaction, error) {
	tx, err := txn.Claim(ctx, p.txs, txID, p.now(), p.cfg.ClaimLease)
	if err != nil {
		if errors.Is(err, txn.ErrCompleted) {
			return p.txs.Get(ctx, txID)
		}
		return nil, err
	}
	defer p.unclaim(ctx, txID)

	switch tx.Status {
	case txn.StatusPending:
		if tx.Tier != "" {
			// Policy already ran; the earlier worker stopped before executing.
			return p.resume(ctx, tx)
		}
		return p.admit(ctx, tx)
	case txn.StatusQueued:
		if tx.DelayUntil != nil && tx.DelayUntil.After(p.now()) {
			return tx, nil
		}
		return p.resume(ctx, tx)
	case txn.StatusAwaitingApproval:
		if tx.ApprovedAt != nil {
			return p.resume(ctx, tx)
		}
		return p.expireIfDue(ctx, tx)
	case txn.StatusSubmitted:
		return p.reconcile(ctx, tx)
	}
	return tx, nil
}

func (p *Pipeline) unclaim(ctx context.Context, txID string) {
	if err := txn.Unclaim(context.WithoutCancel(ctx), p.txs, txID); err != nil {
		p.logger.Error("release claim failed", slog.String("tx_id", txID), slog.Any("error", err))
	}
}

// authorize is stage 2.
func (p *Pipeline) authorize(ctx context.Context, tx *txn.Transaction) (*wallet.Wallet, error) {
	started := time.Now()
	defer func() { metrics.ObserveStage("authorize", time.Since(started)) }()

	w, err := p.wallets.Get(ctx, tx.WalletID)
	if err != nil {
		return nil, err
	}
	if err := w.Authorize(); err != nil {
		return nil, err
	}
	if err := p.gate.Check(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// admit runs stages 2 to 4 for a fresh PENDING transaction.
func (p *Pipeline) admit(ctx context.Context, tx *txn.Transaction) (*txn.Transaction, error) {
	w, err := p.authorize(ctx, tx)
	if err != nil {
		return p.abort(ctx, tx, err)
	}

	started := time.Now()
	eval, err := p.policy.Evaluate(ctx, w, tx)
	metrics.ObserveStage("policy", time.Since(started))
	if err != nil {
		return p.abort(ctx, tx, err)
	}
	if !eval.Allowed {
		metrics.ObserveTier("DENIED")
		return p.fail(ctx, tx, eval.Err())
	}
	metrics.ObserveTier(string(eval.Tier))
	return p.hold(ctx, tx, w, eval)
}

// hold is stage 4: INSTANT and NOTIFY continue at once, DELAY parks the
// transaction until its timer, APPROVAL parks it until the owner signs.
func (p *Pipeline) hold(ctx context.Context, tx *txn.Transaction, w *wallet.Wallet, eval *policy.Evaluation) (*txn.Transaction, error) {
	log := logger.Tx(p.logger, tx.ID, tx.WalletID)
	now := p.now()

	switch eval.Tier {
	case txn.TierInstant, txn.TierNotify:
		updated, err := p.txs.Update(ctx, tx.ID, func(t *txn.Transaction) error {
			if t.Status != txn.StatusPending {
				return txn.ErrConflict
			}
			t.Tier = eval.Tier
			return nil
		})
		if err != nil {
			return p.abort(ctx, tx, err)
		}
		if eval.Tier == txn.TierNotify {
			p.publish(p.event(notify.EventTxNotify, updated, w, eval, nil))
		}
		return p.execute(ctx, updated, w)

	case txn.TierDelay:
		until := now.Add(time.Duration(eval.DelaySeconds) * time.Second)
		updated, err := txn.Transition(ctx, p.txs, tx.ID, txn.StatusQueued, func(t *txn.Transaction) error {
			t.Tier = eval.Tier
			t.DelayUntil = &until
			return nil
		})
		if err != nil {
			return p.abort(ctx, tx, err)
		}
		log.Info("transaction delayed", slog.Time("delay_until", until))
		p.publish(p.event(notify.EventTxDelayed, updated, w, eval, map[string]string{
			"delay_until": until.UTC().Format(time.RFC3339),
			"executes":    notify.Until(until),
		}))
		return updated, nil

	default:
		// The approval row goes in first so a parked transaction always has
		// a deadline the sweep can find. A failed insert leaves it PENDING
		// for a later worker.
		deadline := now.Add(p.cfg.ApprovalTimeout)
		pending := txn.PendingApproval{TxID: tx.ID, WalletID: tx.WalletID, Deadline: deadline, CreatedAt: now}
		if err := p.openApproval(ctx, pending); err != nil {
			return p.abort(ctx, tx, err)
		}
		updated, err := txn.Transition(ctx, p.txs, tx.ID, txn.StatusAwaitingApproval, func(t *txn.Transaction) error {
			t.Tier = txn.TierApproval
			return nil
		})
		if err != nil {
			if derr := p.txs.DeleteApproval(context.WithoutCancel(ctx), tx.ID); derr != nil && !errors.Is(derr, txn.ErrApprovalNotFound) {
				log.Warn("roll back pending approval failed", slog.Any("error", derr))
			}
			return p.abort(ctx, tx, err)
		}
		log.Info("transaction awaiting approval", slog.Time("deadline", deadline))
		p.publish(p.event(notify.EventApprovalRequired, updated, w, eval, map[string]string{
			"deadline": deadline.UTC().Format(time.RFC3339),
			"expires":  notify.Until(deadline),
			"message":  approval.Message(updated, deadline),
		}))
		return updated, nil
	}
}

// openApproval inserts the approval row, replacing one left by an earlier
// attempt that never reached AWAITING_APPROVAL.
func (p *Pipeline) openApproval(ctx context.Context, pending txn.PendingApproval) error {
	err := p.txs.CreateApproval(ctx, pending)
	if !errors.Is(err, txn.ErrConflict) {
		return err
	}
	if err := p.txs.DeleteApproval(ctx, pending.TxID); err != nil && !errors.Is(err, txn.ErrApprovalNotFound) {
		return err
	}
	return p.txs.CreateApproval(ctx, pending)
}

// resume re-runs authorization for a transaction leaving its tier wait.
// The kill switch and the wallet status may both have changed meanwhile.
func (p *Pipeline) resume(ctx context.Context, tx *txn.Transaction) (*txn.Transaction, error) {
	w, err := p.authorize(ctx, tx)
	if err != nil {
		return p.abort(ctx, tx, err)
	}
	return p.execute(ctx, tx, w)
}

// abort fails tx with cause unless the worker is shutting down, in which
// case the transaction stays where it is for a later worker.
func (p *Pipeline) abort(ctx context.Context, tx *txn.Transaction, cause error) (*txn.Transaction, error) {
	if ctx.Err() != nil {
		return tx, ctx.Err()
	}
	if errors.Is(cause, txn.ErrCompleted) || errors.Is(cause, txn.ErrConflict) {
		return p.txs.Get(context.WithoutCancel(ctx), tx.ID)
	}
	if xerrors.HasCode(cause, xerrors.CodeStorageFailure) {
		return tx, cause
	}
	return p.fail(ctx, tx, cause)
}

// fail records cause and moves tx to FAILED.
func (p *Pipeline) fail(ctx context.Context, tx *txn.Transaction, cause error) (*txn.Transaction, error) {
	updated, err := p.terminate(ctx, tx.ID, txn.StatusFailed, cause, nil)
	if errors.Is(err, txn.ErrCompleted) {
		return p.txs.Get(context.WithoutCancel(ctx), tx.ID)
	}
	if err != nil {
		logger.Tx(p.logger, tx.ID, tx.WalletID).Error("record failure", slog.Any("error", err), slog.Any("cause", cause))
		return nil, err
	}
	return updated, nil
}

// terminate moves a transaction into a terminal status. guard may refuse
// the change after the status check passed.
func (p *Pipeline) terminate(ctx context.Context, id string, to txn.Status, cause error, guard txn.Mutation) (*txn.Transaction, error) {
	ctx = context.WithoutCancel(ctx)
	updated, err := txn.Transition(ctx, p.txs, id, to, func(t *txn.Transaction) error {
		if guard != nil {
			if err := guard(t); err != nil {
				return err
			}
		}
		if cause != nil {
			t.Fail(cause)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.settle(ctx, updated)
	return updated, nil
}

// settle runs for every terminal transaction: it frees the reservation and
// any pending approval, then audits and announces the outcome.
func (p *Pipeline) settle(ctx context.Context, tx *txn.Transaction) {
	log := logger.Tx(p.logger, tx.ID, tx.WalletID)
	if err := p.txs.ReleaseReservation(ctx, tx.ID); err != nil {
		log.Error("release reservation failed", slog.Any("error", err))
	}
	if err := p.txs.DeleteApproval(ctx, tx.ID); err != nil && !errors.Is(err, txn.ErrApprovalNotFound) {
		log.Warn("delete pending approval failed", slog.Any("error", err))
	}
	metrics.ObserveTerminal(string(tx.Status), tx.ErrorCode)

	attrs := []any{
		slog.String("tx_id", tx.ID),
		slog.String("wallet_id", tx.WalletID),
		slog.String("status", string(tx.Status)),
		slog.String("tier", string(tx.Tier)),
		slog.String("network", tx.Network),
		slog.String("amount", tx.Amount),
		slog.Int("attempts", tx.Attempts),
	}
	if tx.TxHash != "" {
		attrs = append(attrs, slog.String("tx_hash", tx.TxHash))
	}
	if tx.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", tx.ErrorCode), slog.String("error", tx.LastError))
	}
	level := slog.LevelInfo
	if tx.Status != txn.StatusConfirmed {
		code := xerrors.Code(tx.ErrorCode)
		level = max(xerrors.Level(code), slog.LevelWarn)
		if xerrors.ShouldAlert(code) {
			attrs = append(attrs, slog.Bool("alert", true))
		}
	}
	logger.Audit().Log(ctx, level, "transaction finished", attrs...)

	p.publish(p.event(terminalEvent(tx.Status), tx, nil, nil, nil))
}

func terminalEvent(status txn.Status) notify.EventType {
	switch status {
	case txn.StatusConfirmed:
		return notify.EventTxConfirmed
	case txn.StatusCancelled:
		return notify.EventTxCancelled
	case txn.StatusExpired:
		return notify.EventTxExpired
	default:
		return notify.EventTxFailed
	}
}

func (p *Pipeline) enqueue(ctx context.Context, txID string) {
	if p.producer == nil {
		return
	}
	if err := p.producer.Publish(ctx, txID); err != nil {
		// The scheduler finds resumable transactions on its next sweep.
		p.logger.Warn("enqueue failed", slog.String("tx_id", txID), slog.Any("error", err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func summaryAmount(req txn.Request) string {
	switch req.Type {
	case txn.TypeApprove:
		return req.ApproveAmount
	case txn.TypeBatch:
		return req.NativeValue().String()
	}
	if req.Amount == "" {
		return "0"
	}
	return req.Amount
}

func summaryDestination(req txn.Request) string {
	switch req.Type {
	case txn.TypeApprove:
		return req.Spender
	case txn.TypeBatch:
		return ""
	}
	return req.To
}
