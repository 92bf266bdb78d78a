package pipeline

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"AgentVault/internal/approval"
	"AgentVault/internal/chain"
	"AgentVault/internal/chain/chaintest"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/keystore"
	"AgentVault/internal/killswitch"
	"AgentVault/internal/notify"
	"AgentVault/internal/policy"
	"AgentVault/internal/txn"
	"AgentVault/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const destination = "0x00000000000000000000000000000000000000b0"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(e notify.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return true
}

func (r *recorder) has(typ notify.EventType, txID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ && e.TxID == txID {
			return true
		}
	}
	return false
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	txs     *txn.MemoryStore
	wallets *wallet.MemoryStore
	adapter *chaintest.Fake
	gate    *killswitch.Gate
	events  *recorder
	clock   *clock
	owner   *ecdsa.PrivateKey
	deps    Deps
	cfg     Config
	pipe    *Pipeline
}

func testConfig() Config {
	return Config{
		ClaimLease:          time.Minute,
		MaxTransientRetries: 3,
		MaxRebuilds:         2,
		BaseBackoff:         time.Millisecond,
		MaxBackoff:          4 * time.Millisecond,
		ConfirmPollAttempts: 3,
		ConfirmPollInterval: time.Millisecond,
		ApprovalTimeout:     time.Hour,
		ReconcileAfter:      time.Minute,
		WaitInterval:        5 * time.Millisecond,
	}
}

func newHarness(t *testing.T, tweak func(*Config), extra ...policy.Policy) *harness {
	t.Helper()
	ctx := context.Background()

	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate owner: %v", err)
	}
	wallets, err := wallet.NewMemoryStore(wallet.Wallet{
		ID:           "w1",
		Chain:        chain.KindEthereum,
		Network:      "mainnet",
		Address:      crypto.PubkeyToAddress(signer.PublicKey).Hex(),
		Status:       wallet.StatusActive,
		OwnerAddress: crypto.PubkeyToAddress(owner.PublicKey).Hex(),
	})
	if err != nil {
		t.Fatalf("wallets: %v", err)
	}
	keys := keystore.NewMemoryStore()
	keys.Put("w1", crypto.FromECDSA(signer))

	limits, err := policy.ParseRules(policy.TypeSpendingLimit, []byte(`{"instant_max": 100, "notify_max": 200, "delay_max": 300, "delay_seconds": 60}`))
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	policies := append([]policy.Policy{{ID: "limits", Type: policy.TypeSpendingLimit, Enabled: true, Rules: limits}}, extra...)
	policyStore, err := policy.NewMemoryStore(policies...)
	if err != nil {
		t.Fatalf("policies: %v", err)
	}

	txs := txn.NewMemoryStore()
	engine := policy.NewEngine(policyStore, nil, txs, policy.Defaults{
		Spending:             policy.SpendingLimitRules{WindowSeconds: 3600, DelaySeconds: 60, TokenTier: txn.TierApproval},
		ApproveLimit:         policy.ApproveLimitRules{BlockUnlimited: true},
		UnpricedUSD:          decimal.NewFromInt(1_000_000_000),
		AllowAllDestinations: true,
		AllowAllTokens:       true,
		AllowAllContracts:    true,
		AllowAllMethods:      true,
		AllowAllSpenders:     true,
	})

	adapter := chaintest.New(chain.KindEthereum, "mainnet")
	registry := chain.NewRegistry(chain.Definitions{}, nil)
	registry.Register(adapter)

	gate, err := killswitch.NewGate(ctx, nil)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}

	cfg := testConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	h := &harness{
		t:       t,
		ctx:     ctx,
		txs:     txs,
		wallets: wallets,
		adapter: adapter,
		gate:    gate,
		events:  &recorder{},
		clock:   &clock{now: time.Now()},
		owner:   owner,
		deps: Deps{
			Transactions: txs,
			Wallets:      wallets,
			Policy:       engine,
			Adapters:     registry,
			Keys:         keys,
			Gate:         gate,
		},
		cfg: cfg,
	}
	h.rebuild()
	return h
}

// rebuild recreates the pipeline with extra options on top of the defaults.
func (h *harness) rebuild(opts ...Option) {
	h.t.Helper()
	base := []Option{
		WithNotifier(h.events),
		WithClock(h.clock.Now),
		WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	}
	p, err := New(h.deps, h.cfg, append(base, opts...)...)
	if err != nil {
		h.t.Fatalf("new pipeline: %v", err)
	}
	h.pipe = p
}

func (h *harness) submit(amount string) *txn.Transaction {
	h.t.Helper()
	tx, err := h.pipe.Submit(h.ctx, "w1", txn.Request{Instruction: txn.Instruction{Type: txn.TypeTransfer, To: destination, Amount: amount}})
	if err != nil {
		h.t.Fatalf("submit: %v", err)
	}
	return tx
}

func (h *harness) process(id string) *txn.Transaction {
	h.t.Helper()
	tx, err := h.pipe.Process(h.ctx, id)
	if err != nil {
		h.t.Fatalf("process %s: %v", id, err)
	}
	return tx
}

func (h *harness) get(id string) *txn.Transaction {
	h.t.Helper()
	tx, err := h.txs.Get(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get %s: %v", id, err)
	}
	return tx
}

func (h *harness) sign(tx *txn.Transaction) string {
	h.t.Helper()
	pending, err := h.txs.GetApproval(h.ctx, tx.ID)
	if err != nil {
		h.t.Fatalf("approval: %v", err)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(approval.Message(tx, pending.Deadline))), h.owner)
	if err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func expectStatus(t *testing.T, tx *txn.Transaction, status txn.Status, code string) {
	t.Helper()
	if tx.Status != status {
		t.Fatalf("status = %s (%s: %s), want %s", tx.Status, tx.ErrorCode, tx.LastError, status)
	}
	if tx.ErrorCode != code {
		t.Fatalf("error code = %q (%s), want %q", tx.ErrorCode, tx.LastError, code)
	}
}

func chainErr(code chain.ErrorCode) error {
	return chain.NewError(code, chain.KindEthereum, "scripted %s", code)
}

func TestInstantTransferConfirms(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.submit("50")
	if tx.Status != txn.StatusPending || tx.Network != "mainnet" {
		t.Fatalf("submitted = %+v", tx)
	}

	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusConfirmed, "")
	if done.Tier != txn.TierInstant {
		t.Fatalf("tier = %s", done.Tier)
	}
	if done.TxHash != "hash-build-1" {
		t.Fatalf("hash = %s", done.TxHash)
	}
	stored := h.get(tx.ID)
	if stored.Reserved() {
		t.Fatal("reservation survived confirmation")
	}
	if stored.SpendNative != "50" {
		t.Fatalf("spend = %s", stored.SpendNative)
	}
	if !h.events.has(notify.EventTxSubmitted, tx.ID) || !h.events.has(notify.EventTxConfirmed, tx.ID) {
		t.Fatal("missing submitted or confirmed event")
	}
}

func TestSubmitRejectsInvalidRequestWithoutPersisting(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.pipe.Submit(h.ctx, "w1", txn.Request{Instruction: txn.Instruction{Type: txn.TypeTransfer, To: destination, Amount: "-1"}})
	if !xerrors.HasCode(err, txn.CodeValidation) {
		t.Fatalf("err = %v", err)
	}
	listed, _ := h.txs.ListByWallet(h.ctx, "w1", 10)
	if len(listed) != 0 {
		t.Fatalf("persisted %d transactions", len(listed))
	}
}

func TestNotifyTierExecutesAndAnnounces(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.submit("150")
	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusConfirmed, "")
	if done.Tier != txn.TierNotify {
		t.Fatalf("tier = %s", done.Tier)
	}
	if !h.events.has(notify.EventTxNotify, tx.ID) {
		t.Fatal("notify event missing")
	}
}

func TestDelayTierWaitsForTimer(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.submit("250")

	queued := h.process(tx.ID)
	expectStatus(t, queued, txn.StatusQueued, "")
	if queued.DelayUntil == nil || !queued.DelayUntil.Equal(h.clock.Now().Add(60*time.Second)) {
		t.Fatalf("delay until = %v", queued.DelayUntil)
	}
	if !h.events.has(notify.EventTxDelayed, tx.ID) {
		t.Fatal("delayed event missing")
	}

	early := h.process(tx.ID)
	expectStatus(t, early, txn.StatusQueued, "")
	if h.adapter.Builds() != 0 {
		t.Fatal("built before the delay elapsed")
	}

	h.clock.Advance(61 * time.Second)
	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusConfirmed, "")
}

func TestKillSwitchTrippedDuringDelayFailsOnResume(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.submit("250")
	expectStatus(t, h.process(tx.ID), txn.StatusQueued, "")

	if _, err := h.gate.Trip(h.ctx, "ops", "incident"); err != nil {
		t.Fatalf("trip: %v", err)
	}
	h.clock.Advance(2 * time.Minute)
	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusFailed, string(killswitch.CodeSystemLocked))
	if h.adapter.Builds() != 0 {
		t.Fatal("built while locked")
	}
	if h.get(tx.ID).Reserved() {
		t.Fatal("reservation survived failure")
	}
}

func TestApprovalFlow(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.submit("500")

	waiting := h.process(tx.ID)
	expectStatus(t, waiting, txn.StatusAwaitingApproval, "")
	if !h.events.has(notify.EventApprovalRequired, tx.ID) {
		t.Fatal("approval event missing")
	}

	if _, err := h.pipe.Approve(h.ctx, tx.ID, "0x1234"); !xerrors.HasCode(err, CodeBadSignature) {
		t.Fatalf("bad signature err = %v", err)
	}
	expectStatus(t, h.get(tx.ID), txn.StatusAwaitingApproval, "")

	approved, err := h.pipe.Approve(h.ctx, tx.ID, h.sign(waiting))
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.ApprovedAt == nil {
		t.Fatal("approval not recorded")
	}
	if _, err := h.txs.GetApproval(h.ctx, tx.ID); !errors.Is(err, txn.ErrApprovalNotFound) {
		t.Fatalf("pending approval left behind: %v", err)
	}

	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusConfirmed, "")
}

func TestApprovalExpiresOnSweep(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.submit("500")
	waiting := h.process(tx.ID)
	signature := h.sign(waiting)

	h.clock.Advance(2 * time.Hour)
	if err := NewScheduler(h.pipe, time.Second).Tick(h.ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	expired := h.get(tx.ID)
	expectStatus(t, expired, txn.StatusExpired, string(CodeApprovalTimeout))
	if expired.Reserved() {
		t.Fatal("reservation survived expiry")
	}
	if _, err := h.pipe.Approve(h.ctx, tx.ID, signature); !errors.Is(err, txn.ErrCompleted) {
		t.Fatalf("late approve err = %v", err)
	}
}

func TestApproveAfterDeadlineExpires(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.submit("500")
	waiting := h.process(tx.ID)
	signature := h.sign(waiting)

	h.clock.Advance(2 * time.Hour)
	if _, err := h.pipe.Approve(h.ctx, tx.ID, signature); !xerrors.HasCode(err, CodeApprovalTimeout) {
		t.Fatalf("err = %v", err)
	}
	expectStatus(t, h.get(tx.ID), txn.StatusExpired, string(CodeApprovalTimeout))
}

func TestRejectFailsTransaction(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.submit("500")
	h.process(tx.ID)

	rejected, err := h.pipe.Reject(h.ctx, tx.ID, "not mine")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	expectStatus(t, rejected, txn.StatusFailed, string(CodeApprovalRejected))
	if h.adapter.Builds() != 0 {
		t.Fatal("rejected transaction was built")
	}
}

func TestCancelDuringDelay(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.submit("250")
	h.process(tx.ID)

	cancelled, err := h.pipe.Cancel(h.ctx, tx.ID, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	expectStatus(t, cancelled, txn.StatusCancelled, string(CodeCancelled))

	h.clock.Advance(2 * time.Minute)
	expectStatus(t, h.process(tx.ID), txn.StatusCancelled, string(CodeCancelled))
	if h.adapter.Builds() != 0 {
		t.Fatal("cancelled transaction was built")
	}
	if _, err := h.pipe.Cancel(h.ctx, tx.ID, ""); !errors.Is(err, txn.ErrCompleted) {
		t.Fatalf("second cancel err = %v", err)
	}
}

func TestCancelRefusesSubmitted(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.Statuses(chain.TxStatus{State: chain.TxPending})
	tx := h.submit("50")

	pending := h.process(tx.ID)
	expectStatus(t, pending, txn.StatusSubmitted, "")
	if _, err := h.pipe.Cancel(h.ctx, tx.ID, ""); !xerrors.HasCode(err, txn.CodeTxConflict) {
		t.Fatalf("err = %v", err)
	}
}

func TestTransientFailuresResendSameBytes(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.FailSubmits(chainErr(chain.CodeRPCTimeout), chainErr(chain.CodeRateLimited))
	tx := h.submit("50")

	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusConfirmed, "")
	if h.adapter.Submits() != 3 || h.adapter.Builds() != 1 || h.adapter.Signs() != 1 {
		t.Fatalf("submits=%d builds=%d signs=%d", h.adapter.Submits(), h.adapter.Builds(), h.adapter.Signs())
	}
	for _, hash := range h.adapter.Submitted() {
		if hash != "hash-build-1" {
			t.Fatalf("resent different bytes: %v", h.adapter.Submitted())
		}
	}
}

func TestTransientRetriesExhausted(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxTransientRetries = 2 })
	timeout := chainErr(chain.CodeConnectionError)
	h.adapter.FailSubmits(timeout, timeout, timeout, timeout)
	tx := h.submit("50")

	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusFailed, string(CodeRetriesExhausted))
	if h.adapter.Submits() != 3 {
		t.Fatalf("submits = %d, want 3", h.adapter.Submits())
	}
}

func TestStaleErrorRebuilds(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.FailSubmits(chainErr(chain.CodeNonceTooLow))
	tx := h.submit("50")

	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusConfirmed, "")
	got := h.adapter.Submitted()
	if len(got) != 2 || got[0] != "hash-build-1" || got[1] != "hash-build-2" {
		t.Fatalf("submitted = %v", got)
	}
	if done.TxHash != "hash-build-2" {
		t.Fatalf("hash = %s", done.TxHash)
	}
}

func TestStaleRebuildsExhausted(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxRebuilds = 1 })
	stale := chainErr(chain.CodeBlockhashExpired)
	h.adapter.FailSubmits(stale, stale)
	tx := h.submit("50")

	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusFailed, string(CodeRebuildsExhausted))
	if h.adapter.Builds() != 2 {
		t.Fatalf("builds = %d", h.adapter.Builds())
	}
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.FailSubmits(chainErr(chain.CodeInsufficientBalance))
	tx := h.submit("50")

	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusFailed, string(chain.CodeInsufficientBalance))
	if h.adapter.Submits() != 1 || h.adapter.Builds() != 1 {
		t.Fatalf("submits=%d builds=%d", h.adapter.Submits(), h.adapter.Builds())
	}
	if h.get(tx.ID).Reserved() {
		t.Fatal("reservation survived failure")
	}
}

func TestSimulationFailureStopsBeforeSigning(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.Simulate(chain.Simulation{Success: false, Error: "execution reverted"})
	tx := h.submit("50")

	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusFailed, string(chain.CodeSimulationFailed))
	if h.adapter.Signs() != 0 || h.adapter.Submits() != 0 {
		t.Fatal("signed or submitted after failed simulation")
	}
}

func TestKillSwitchAbortsRetryLoop(t *testing.T) {
	h := newHarness(t, nil)
	timeout := chainErr(chain.CodeRPCTimeout)
	h.adapter.FailSubmits(timeout, timeout, timeout)
	h.adapter.OnSubmit(func(attempt int) {
		if attempt == 1 {
			if _, err := h.gate.Trip(context.Background(), "ops", "halt"); err != nil {
				t.Errorf("trip: %v", err)
			}
		}
	})
	tx := h.submit("50")

	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusFailed, string(killswitch.CodeSystemLocked))
	if h.adapter.Submits() != 1 {
		t.Fatalf("submits = %d, want 1", h.adapter.Submits())
	}
}

func TestDuplicateAfterResendCountsAsSubmitted(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.FailSubmits(chainErr(chain.CodeRPCTimeout), chainErr(chain.CodeDuplicateTransaction))
	tx := h.submit("50")

	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusConfirmed, "")
	if done.TxHash != "hash-build-1" {
		t.Fatalf("hash = %s", done.TxHash)
	}
}

func TestDuplicateOnFirstSendFails(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.FailSubmits(chainErr(chain.CodeDuplicateTransaction))
	tx := h.submit("50")
	expectStatus(t, h.process(tx.ID), txn.StatusFailed, string(chain.CodeDuplicateTransaction))
}

func TestRevertOnChainFails(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.Statuses(chain.TxStatus{State: chain.TxFailed, Error: "out of gas"})
	tx := h.submit("50")

	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusFailed, string(CodeChainTxFailed))
	if done.TxHash == "" {
		t.Fatal("failed transaction lost its hash")
	}
	if !h.events.has(notify.EventTxFailed, tx.ID) {
		t.Fatal("failed event missing")
	}
}

func TestUnconfirmedTransactionIsReconciled(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.Statuses(chain.TxStatus{State: chain.TxPending})
	tx := h.submit("50")

	pending := h.process(tx.ID)
	expectStatus(t, pending, txn.StatusSubmitted, "")
	if h.get(tx.ID).Reserved() {
		t.Fatal("reservation survived poll exhaustion")
	}
	if !h.events.has(notify.EventTxPendingReconcile, tx.ID) {
		t.Fatal("pending_reconcile event missing")
	}

	h.adapter.Statuses(chain.TxStatus{State: chain.TxConfirmed})
	h.clock.Advance(2 * time.Minute)
	sched := NewScheduler(h.pipe, time.Second)
	for i := 0; i < 2; i++ {
		if err := sched.Tick(h.ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	expectStatus(t, h.get(tx.ID), txn.StatusConfirmed, "")
}

func TestReconcileOnDemand(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.Statuses(chain.TxStatus{State: chain.TxPending})
	tx := h.submit("50")
	expectStatus(t, h.process(tx.ID), txn.StatusSubmitted, "")

	still, err := h.pipe.Reconcile(h.ctx, tx.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	expectStatus(t, still, txn.StatusSubmitted, "")

	h.adapter.Statuses(chain.TxStatus{State: chain.TxConfirmed})
	done, err := h.pipe.Reconcile(h.ctx, tx.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	expectStatus(t, done, txn.StatusConfirmed, "")

	again, err := h.pipe.Reconcile(h.ctx, tx.ID)
	if err != nil || again.Status != txn.StatusConfirmed {
		t.Fatalf("terminal reconcile: %v %v", again, err)
	}
}

func TestReconcileRefusesUnsubmitted(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.submit("250")
	expectStatus(t, h.process(tx.ID), txn.StatusQueued, "")
	if _, err := h.pipe.Reconcile(h.ctx, tx.ID); !xerrors.HasCode(err, txn.CodeTxConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSuspendedWalletFails(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.wallets.SetStatus(h.ctx, "w1", wallet.StatusSuspended); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	tx := h.submit("50")
	expectStatus(t, h.process(tx.ID), txn.StatusFailed, string(wallet.CodeSuspended))
}

func TestUnknownWalletFails(t *testing.T) {
	h := newHarness(t, nil)
	tx, err := h.pipe.Submit(h.ctx, "ghost", txn.Request{Network: "mainnet", Instruction: txn.Instruction{Type: txn.TypeTransfer, To: destination, Amount: "1"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	expectStatus(t, h.process(tx.ID), txn.StatusFailed, string(wallet.CodeNotFound))
}

func TestPolicyDenialFails(t *testing.T) {
	whitelist, err := policy.ParseRules(policy.TypeWhitelist, []byte(`{"addresses": ["0x00000000000000000000000000000000000000c0"]}`))
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	h := newHarness(t, nil, policy.Policy{ID: "dest", Type: policy.TypeWhitelist, Enabled: true, Rules: whitelist})
	tx := h.submit("50")

	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusFailed, string(policy.CodeDenied))
	if h.adapter.Builds() != 0 {
		t.Fatal("denied transaction was built")
	}
}

func TestBatchOnEVMIsPermanent(t *testing.T) {
	h := newHarness(t, nil)
	tx, err := h.pipe.Submit(h.ctx, "w1", txn.Request{
		Instruction: txn.Instruction{Type: txn.TypeBatch},
		Instructions: []txn.Instruction{
			{Type: txn.TypeTransfer, To: destination, Amount: "10"},
			{Type: txn.TypeTransfer, To: destination, Amount: "20"},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tx.Amount != "30" {
		t.Fatalf("batch amount = %s", tx.Amount)
	}
	expectStatus(t, h.process(tx.ID), txn.StatusFailed, string(chain.CodeBatchNotSupported))
}

func TestInterruptedBroadcastIsAdopted(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.submit("50")
	if _, err := h.txs.Update(h.ctx, tx.ID, func(t *txn.Transaction) error {
		t.Tier = txn.TierInstant
		t.TxHash = "hash-earlier"
		t.Attempts = 1
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	done := h.process(tx.ID)
	expectStatus(t, done, txn.StatusConfirmed, "")
	if done.TxHash != "hash-earlier" || h.adapter.Builds() != 0 {
		t.Fatalf("hash=%s builds=%d", done.TxHash, h.adapter.Builds())
	}
}

func TestAutoStopTripsAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.rebuild(WithAutoStop(killswitch.NewAutoStop(h.gate, 2, time.Minute)))
	broke := chainErr(chain.CodeInsufficientBalance)
	h.adapter.FailSubmits(broke, broke)

	for i := 0; i < 2; i++ {
		tx := h.submit("50")
		expectStatus(t, h.process(tx.ID), txn.StatusFailed, string(chain.CodeInsufficientBalance))
	}
	if h.gate.Snapshot().State != killswitch.StateTripped {
		t.Fatalf("state = %s", h.gate.Snapshot().State)
	}
	tx := h.submit("50")
	expectStatus(t, h.process(tx.ID), txn.StatusFailed, string(killswitch.CodeSystemLocked))
}

func TestProcessorDrainsQueue(t *testing.T) {
	h := newHarness(t, nil)
	queue := NewMemoryQueue(64)
	h.rebuild(WithProducer(queue))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	processor := NewProcessor(h.pipe, queue, WithWorkerCount(4))
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, h.submit("5").ID)
	}
	for _, id := range ids {
		tx, err := h.pipe.Wait(ctx, id)
		if err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
		expectStatus(t, tx, txn.StatusConfirmed, "")
	}
}

func TestBackoffIsCapped(t *testing.T) {
	p := &Pipeline{cfg: Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := p.backoff(i + 1); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

// flakyApprovals fails CreateApproval while down is set.
type flakyApprovals struct {
	*txn.MemoryStore
	mu   sync.Mutex
	down bool
}

func (s *flakyApprovals) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *flakyApprovals) CreateApproval(ctx context.Context, pending txn.PendingApproval) error {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return xerrors.New(xerrors.CodeStorageFailure, "db down")
	}
	return s.MemoryStore.CreateApproval(ctx, pending)
}

func TestApprovalRowFailureKeepsTransactionRecoverable(t *testing.T) {
	h := newHarness(t, nil)
	store := &flakyApprovals{MemoryStore: h.txs, down: true}
	h.deps.Transactions = store
	h.rebuild()

	tx := h.submit("500")
	if _, err := h.pipe.Process(h.ctx, tx.ID); !xerrors.HasCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("process err = %v", err)
	}
	stranded := h.get(tx.ID)
	expectStatus(t, stranded, txn.StatusPending, "")
	if _, err := h.txs.GetApproval(h.ctx, tx.ID); !errors.Is(err, txn.ErrApprovalNotFound) {
		t.Fatalf("approval row = %v", err)
	}

	store.setDown(false)
	sched := NewScheduler(h.pipe, time.Second)
	if err := sched.Tick(h.ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	expectStatus(t, h.get(tx.ID), txn.StatusAwaitingApproval, "")

	h.clock.Advance(48 * time.Hour)
	if err := sched.Tick(h.ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	expired := h.get(tx.ID)
	expectStatus(t, expired, txn.StatusExpired, string(CodeApprovalTimeout))
	if expired.Reserved() {
		t.Fatal("reservation survived expiry")
	}
}

func TestAwaitingWithoutApprovalRowExpires(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.submit("500")
	expectStatus(t, h.process(tx.ID), txn.StatusAwaitingApproval, "")
	if err := h.txs.DeleteApproval(h.ctx, tx.ID); err != nil {
		t.Fatalf("delete approval: %v", err)
	}

	expectStatus(t, h.process(tx.ID), txn.StatusAwaitingApproval, "")
	if _, err := h.txs.GetApproval(h.ctx, tx.ID); err != nil {
		t.Fatalf("approval row not restored: %v", err)
	}

	h.clock.Advance(48 * time.Hour)
	if err := NewScheduler(h.pipe, time.Second).Tick(h.ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	expired := h.get(tx.ID)
	expectStatus(t, expired, txn.StatusExpired, string(CodeApprovalTimeout))
	if expired.Reserved() {
		t.Fatal("reservation survived expiry")
	}
}
