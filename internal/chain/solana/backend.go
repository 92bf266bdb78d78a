package solana

import (
	"context"
	"errors"
	"fmt"

	"AgentVault/internal/chain"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// signatureStatus is the node's view of a submitted signature.
type signatureStatus struct {
	Found     bool
	Slot      uint64
	Confirmed bool
	Finalized bool
	Err       string
}

// Backend is the subset of the Solana JSON-RPC API the adapter relies on.
type Backend interface {
	Health(ctx context.Context) error
	BlockHeight(ctx context.Context) (uint64, error)
	LatestBlockhash(ctx context.Context) (sol.Hash, uint64, error)
	Balance(ctx context.Context, account sol.PublicKey) (uint64, error)
	AccountExists(ctx context.Context, account sol.PublicKey) (bool, error)
	TokenSupply(ctx context.Context, mint sol.PublicKey) (string, uint8, error)
	TokenAccountBalance(ctx context.Context, account sol.PublicKey) (string, uint8, error)
	FeeForMessage(ctx context.Context, message string) (uint64, error)
	Simulate(ctx context.Context, tx *sol.Transaction) (*chain.Simulation, error)
	Send(ctx context.Context, tx *sol.Transaction) (sol.Signature, error)
	SignatureStatus(ctx context.Context, sig sol.Signature) (*signatureStatus, error)
}

type rpcBackend struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
}

func newRPCBackend(endpoint string, commitment rpc.CommitmentType) *rpcBackend {
	return &rpcBackend{client: rpc.New(endpoint), commitment: commitment}
}

func (b *rpcBackend) Health(ctx context.Context) error {
	status, err := b.client.GetHealth(ctx)
	if err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("node health %q", status)
	}
	return nil
}

func (b *rpcBackend) BlockHeight(ctx context.Context) (uint64, error) {
	return b.client.GetBlockHeight(ctx, b.commitment)
}

func (b *rpcBackend) LatestBlockhash(ctx context.Context) (sol.Hash, uint64, error) {
	out, err := b.client.GetLatestBlockhash(ctx, b.commitment)
	if err != nil {
		return sol.Hash{}, 0, err
	}
	return out.Value.Blockhash, out.Value.LastValidBlockHeight, nil
}

func (b *rpcBackend) Balance(ctx context.Context, account sol.PublicKey) (uint64, error) {
	out, err := b.client.GetBalance(ctx, account, b.commitment)
	if err != nil {
		return 0, err
	}
	return out.Value, nil
}

func (b *rpcBackend) AccountExists(ctx context.Context, account sol.PublicKey) (bool, error) {
	_, err := b.client.GetAccountInfo(ctx, account)
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *rpcBackend) TokenSupply(ctx context.Context, mint sol.PublicKey) (string, uint8, error) {
	out, err := b.client.GetTokenSupply(ctx, mint, b.commitment)
	if err != nil {
		return "", 0, err
	}
	if out.Value == nil {
		return "", 0, rpc.ErrNotFound
	}
	return out.Value.Amount, out.Value.Decimals, nil
}

func (b *rpcBackend) TokenAccountBalance(ctx context.Context, account sol.PublicKey) (string, uint8, error) {
	out, err := b.client.GetTokenAccountBalance(ctx, account, b.commitment)
	if err != nil {
		return "", 0, err
	}
	if out.Value == nil {
		return "0", 0, nil
	}
	return out.Value.Amount, out.Value.Decimals, nil
}

func (b *rpcBackend) FeeForMessage(ctx context.Context, message string) (uint64, error) {
	out, err := b.client.GetFeeForMessage(ctx, message, b.commitment)
	if err != nil {
		return 0, err
	}
	if out.Value == nil {
		return 0, errors.New("blockhash not found")
	}
	return *out.Value, nil
}

func (b *rpcBackend) Simulate(ctx context.Context, tx *sol.Transaction) (*chain.Simulation, error) {
	out, err := b.client.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  false,
		Commitment: b.commitment,
	})
	if err != nil {
		return nil, err
	}
	sim := &chain.Simulation{Success: out.Value.Err == nil, Logs: out.Value.Logs}
	if out.Value.UnitsConsumed != nil {
		sim.GasUsed = *out.Value.UnitsConsumed
	}
	if out.Value.Err != nil {
		sim.Error = fmt.Sprint(out.Value.Err)
	}
	return sim, nil
}

func (b *rpcBackend) Send(ctx context.Context, tx *sol.Transaction) (sol.Signature, error) {
	return b.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: b.commitment,
	})
}

func (b *rpcBackend) SignatureStatus(ctx context.Context, sig sol.Signature) (*signatureStatus, error) {
	out, err := b.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return &signatureStatus{}, nil
	}
	value := out.Value[0]
	status := &signatureStatus{
		Found:     true,
		Slot:      value.Slot,
		Finalized: value.ConfirmationStatus == rpc.ConfirmationStatusFinalized,
	}
	status.Confirmed = status.Finalized || value.ConfirmationStatus == rpc.ConfirmationStatusConfirmed
	if value.Err != nil {
		status.Err = fmt.Sprint(value.Err)
	}
	return status, nil
}
