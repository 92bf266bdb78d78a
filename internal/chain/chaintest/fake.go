// Package chaintest provides a scriptable chain.Adapter for tests.
package chaintest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"
	"time"

	"AgentVault/internal/chain"
	"AgentVault/internal/txn"
)

// Fake is an in-memory adapter whose failures are scripted per call.
type Fake struct {
	kind    chain.Kind
	network string

	mu         sync.Mutex
	connected  bool
	builds     int
	signs      int
	submits    int
	submitted  []string
	buildErrs  []error
	submitErrs []error
	statuses   []chain.TxStatus
	simulation *chain.Simulation
	onSubmit   func(attempt int)
}

// New returns a connected fake for (kind, network) that confirms everything.
func New(kind chain.Kind, network string) *Fake {
	return &Fake{kind: kind, network: network, connected: true}
}

// FailBuilds queues errors returned by successive builds.
func (f *Fake) FailBuilds(errs ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildErrs = append(f.buildErrs, errs...)
	return f
}

// FailSubmits queues errors returned by successive submissions.
func (f *Fake) FailSubmits(errs ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs = append(f.submitErrs, errs...)
	return f
}

// Statuses queues status poll results; the last one repeats.
func (f *Fake) Statuses(statuses ...chain.TxStatus) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statuses...)
	return f
}

// Simulate sets the dry-run outcome.
func (f *Fake) Simulate(sim chain.Simulation) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulation = &sim
	return f
}

// OnSubmit registers a hook that runs before every submission attempt.
func (f *Fake) OnSubmit(fn func(attempt int)) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSubmit = fn
	return f
}

// Builds is the number of build calls.
func (f *Fake) Builds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

// Submits is the number of submission attempts.
func (f *Fake) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// Signs is the number of signatures requested.
func (f *Fake) Signs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signs
}

// Submitted lists the hashes of every submission attempt in order.
func (f *Fake) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func (f *Fake) Chain() chain.Kind { return f.kind }
func (f *Fake) Network() string   { return f.network }

func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) HealthCheck(context.Context) (*chain.Health, error) {
	return &chain.Health{Healthy: true, BlockHeight: 1}, nil
}

func (f *Fake) GetBalance(context.Context, string) (*big.Int, error) {
	return big.NewInt(1_000_000_000_000), nil
}

func (f *Fake) GetAssets(ctx context.Context, address string, _ []string) ([]chain.Asset, error) {
	balance, _ := f.GetBalance(ctx, address)
	return []chain.Asset{{Address: address, Amount: balance, Native: true}}, nil
}

func (f *Fake) GetTokenInfo(_ context.Context, token string) (*chain.TokenInfo, error) {
	return &chain.TokenInfo{Address: token, Decimals: 6}, nil
}

func (f *Fake) GetCurrentNonce(context.Context, string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(f.builds), nil
}

func (f *Fake) EstimateFee(context.Context, *chain.UnsignedTx) (*big.Int, error) {
	return big.NewInt(5000), nil
}

func (f *Fake) build(from string) (*chain.UnsignedTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	if len(f.buildErrs) > 0 {
		err := f.buildErrs[0]
		f.buildErrs = f.buildErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &chain.UnsignedTx{
		Chain:   f.kind,
		Network: f.network,
		From:    from,
		Payload: []byte(fmt.Sprintf("build-%d", f.builds)),
		Nonce:   uint64(f.builds),
		BuiltAt: time.Now().UTC(),
	}, nil
}

func (f *Fake) BuildTransaction(_ context.Context, from string, _ txn.Instruction) (*chain.UnsignedTx, error) {
	return f.build(from)
}

func (f *Fake) BuildTokenTransfer(_ context.Context, from string, _ txn.Instruction) (*chain.UnsignedTx, error) {
	return f.build(from)
}

func (f *Fake) BuildContractCall(_ context.Context, from string, _ txn.Instruction) (*chain.UnsignedTx, error) {
	return f.build(from)
}

func (f *Fake) BuildApprove(_ context.Context, from string, _ txn.Instruction) (*chain.UnsignedTx, error) {
	return f.build(from)
}

func (f *Fake) BuildBatch(_ context.Context, from string, _ []txn.Instruction) (*chain.UnsignedTx, error) {
	if f.kind == chain.KindEthereum {
		return nil, chain.NewError(chain.CodeBatchNotSupported, f.kind, "batches are not supported")
	}
	return f.build(from)
}

func (f *Fake) SimulateTransaction(context.Context, *chain.UnsignedTx) (*chain.Simulation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.simulation != nil {
		sim := *f.simulation
		return &sim, nil
	}
	return &chain.Simulation{Success: true}, nil
}

func (f *Fake) SignTransaction(_ context.Context, tx *chain.UnsignedTx, signer chain.Signer) (*chain.SignedTx, error) {
	if signer.Address() != tx.From {
		return nil, chain.NewError(chain.CodeUnauthorizedSigner, f.kind, "signer %s does not own %s", signer.Address(), tx.From)
	}
	digest := sha256.Sum256(tx.Payload)
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return nil, chain.WrapError(chain.CodeUnauthorizedSigner, f.kind, err, "sign")
	}
	f.mu.Lock()
	f.signs++
	f.mu.Unlock()
	return &chain.SignedTx{
		Chain:   f.kind,
		Network: f.network,
		Raw:     append(append([]byte(nil), tx.Payload...), sig...),
		Hash:    "hash-" + string(tx.Payload),
	}, nil
}

func (f *Fake) SubmitTransaction(_ context.Context, tx *chain.SignedTx) (string, error) {
	f.mu.Lock()
	f.submits++
	attempt := f.submits
	hook := f.onSubmit
	f.submitted = append(f.submitted, tx.Hash)
	var err error
	if len(f.submitErrs) > 0 {
		err = f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
	}
	f.mu.Unlock()

	if hook != nil {
		hook(attempt)
	}
	if err != nil {
		return "", err
	}
	return tx.Hash, nil
}

func (f *Fake) WaitForConfirmation(ctx context.Context, hash string, timeout time.Duration) (*chain.TxStatus, error) {
	return chain.PollConfirmation(ctx, f, hash, timeout, time.Millisecond)
}

func (f *Fake) GetTransactionStatus(_ context.Context, hash string) (*chain.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := chain.TxStatus{State: chain.TxConfirmed, Confirmations: 1}
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	status.Hash = hash
	return &status, nil
}

var _ chain.Adapter = (*Fake)(nil)
