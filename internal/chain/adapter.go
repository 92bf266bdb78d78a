package chain

import (
	"context"
	"math/big"
	"time"

	"AgentVault/internal/txn"
)

// Health is the result of a node health check.
type Health struct {
	Healthy     bool          `json:"healthy"`
	BlockHeight uint64        `json:"block_height"`
	Latency     time.Duration `json:"latency"`
	Detail      string        `json:"detail,omitempty"`
}

// Asset is a balance held by an address.
type Asset struct {
	Address  string   `json:"address"`
	Symbol   string   `json:"symbol,omitempty"`
	Decimals uint8    `json:"decimals"`
	Amount   *big.Int `json:"amount"`
	Native   bool     `json:"native"`
}

// TokenInfo describes a fungible token.
type TokenInfo struct {
	Address  string   `json:"address"`
	Symbol   string   `json:"symbol,omitempty"`
	Name     string   `json:"name,omitempty"`
	Decimals uint8    `json:"decimals"`
	Supply   *big.Int `json:"supply,omitempty"`
}

// UnsignedTx is a built transaction. Payload is opaque to everything but the
// adapter that produced it.
type UnsignedTx struct {
	Chain           Kind      `json:"chain"`
	Network         string    `json:"network"`
	From            string    `json:"from"`
	Payload         []byte    `json:"payload"`
	Nonce           uint64    `json:"nonce,omitempty"`
	Blockhash       string    `json:"blockhash,omitempty"`
	LastValidHeight uint64    `json:"last_valid_height,omitempty"`
	Fee             *big.Int  `json:"fee,omitempty"`
	BuiltAt         time.Time `json:"built_at"`
}

// SignedTx is ready for submission. Resubmitting the same SignedTx is the
// only safe reaction to a transient failure.
type SignedTx struct {
	Chain           Kind   `json:"chain"`
	Network         string `json:"network"`
	Raw             []byte `json:"raw"`
	Hash            string `json:"hash"`
	LastValidHeight uint64 `json:"last_valid_height,omitempty"`
}

// Simulation is the outcome of a dry run.
type Simulation struct {
	Success bool     `json:"success"`
	GasUsed uint64   `json:"gas_used,omitempty"`
	Logs    []string `json:"logs,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// TxState is the chain's view of a submitted transaction.
type TxState string

const (
	TxPending   TxState = "PENDING"
	TxConfirmed TxState = "CONFIRMED"
	TxFailed    TxState = "FAILED"
	TxNotFound  TxState = "NOT_FOUND"
)

// TxStatus is returned by status polling.
type TxStatus struct {
	Hash          string  `json:"hash"`
	State         TxState `json:"state"`
	Confirmations uint64  `json:"confirmations"`
	Block         uint64  `json:"block,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Terminal reports whether the chain outcome is final.
func (s *TxStatus) Terminal() bool {
	return s != nil && (s.State == TxConfirmed || s.State == TxFailed)
}

// Signer produces a signature over a chain-specific payload without exposing
// key material to the adapter.
type Signer interface {
	Address() string
	Sign(payload []byte) ([]byte, error)
}

// Adapter is the uniform per-chain contract. Every error it returns carries
// one of the taxonomy codes.
type Adapter interface {
	Chain() Kind
	Network() string

	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	HealthCheck(ctx context.Context) (*Health, error)

	GetBalance(ctx context.Context, address string) (*big.Int, error)
	GetAssets(ctx context.Context, address string, tokens []string) ([]Asset, error)
	GetTokenInfo(ctx context.Context, token string) (*TokenInfo, error)
	GetCurrentNonce(ctx context.Context, address string) (uint64, error)
	EstimateFee(ctx context.Context, tx *UnsignedTx) (*big.Int, error)

	BuildTransaction(ctx context.Context, from string, ins txn.Instruction) (*UnsignedTx, error)
	BuildTokenTransfer(ctx context.Context, from string, ins txn.Instruction) (*UnsignedTx, error)
	BuildContractCall(ctx context.Context, from string, ins txn.Instruction) (*UnsignedTx, error)
	BuildApprove(ctx context.Context, from string, ins txn.Instruction) (*UnsignedTx, error)
	BuildBatch(ctx context.Context, from string, steps []txn.Instruction) (*UnsignedTx, error)

	SimulateTransaction(ctx context.Context, tx *UnsignedTx) (*Simulation, error)
	SignTransaction(ctx context.Context, tx *UnsignedTx, signer Signer) (*SignedTx, error)
	SubmitTransaction(ctx context.Context, tx *SignedTx) (string, error)
	WaitForConfirmation(ctx context.Context, hash string, timeout time.Duration) (*TxStatus, error)
	GetTransactionStatus(ctx context.Context, hash string) (*TxStatus, error)
}

// Build dispatches a request to the builder for its type.
func Build(ctx context.Context, adapter Adapter, from string, req txn.Request) (*UnsignedTx, error) {
	switch req.Type {
	case txn.TypeTransfer:
		return adapter.BuildTransaction(ctx, from, req.Instruction)
	case txn.TypeTokenTransfer:
		return adapter.BuildTokenTransfer(ctx, from, req.Instruction)
	case txn.TypeContractCall:
		return adapter.BuildContractCall(ctx, from, req.Instruction)
	case txn.TypeApprove:
		return adapter.BuildApprove(ctx, from, req.Instruction)
	case txn.TypeBatch:
		return adapter.BuildBatch(ctx, from, req.Instructions)
	default:
		return nil, NewError(CodeInvalidTransaction, adapter.Chain(), "unknown transaction type %q", req.Type)
	}
}

// PollConfirmation polls status until the chain reports a terminal state,
// timeout elapses or ctx ends. Adapters use it for WaitForConfirmation.
func PollConfirmation(ctx context.Context, adapter Adapter, hash string, timeout, interval time.Duration) (*TxStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *TxStatus
	for {
		status, err := adapter.GetTransactionStatus(waitCtx, hash)
		if err == nil {
			last = status
			if status.Terminal() {
				return status, nil
			}
		}
		select {
		case <-waitCtx.Done():
			if last != nil {
				return last, nil
			}
			if err != nil {
				return nil, err
			}
			return &TxStatus{Hash: hash, State: TxPending}, nil
		case <-ticker.C:
		}
	}
}
