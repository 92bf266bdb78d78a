package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/txn"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

type keySigner struct {
	key *ecdsa.PrivateKey
}

func (s keySigner) Address() string { return crypto.PubkeyToAddress(s.key.PublicKey).Hex() }

func (s keySigner) Sign(payload []byte) ([]byte, error) { return crypto.Sign(payload, s.key) }

func newSimulated(t *testing.T) (*Adapter, *simulated.Backend, keySigner) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := keySigner{key: key}
	funds, _ := new(big.Int).SetString("10000000000000000000", 10)
	backend := simulated.NewBackend(types.GenesisAlloc{
		crypto.PubkeyToAddress(key.PublicKey): {Balance: funds},
	})
	t.Cleanup(func() { _ = backend.Close() })

	adapter := New(chain.Definition{Kind: chain.KindEthereum, Network: "simulated", Confirmations: 1},
		WithBackend(backend.Client()), WithPollInterval(10*time.Millisecond))
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return adapter, backend, signer
}

func TestTransferLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	adapter, backend, signer := newSimulated(t)

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	unsigned, err := adapter.BuildTransaction(ctx, signer.Address(), txn.Instruction{
		Type: txn.TypeTransfer, To: recipient.Hex(), Amount: "1000",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if unsigned.Fee == nil || unsigned.Fee.Sign() <= 0 {
		t.Fatalf("expected positive fee, got %v", unsigned.Fee)
	}
	sim, err := adapter.SimulateTransaction(ctx, unsigned)
	if err != nil || !sim.Success {
		t.Fatalf("simulate: %+v %v", sim, err)
	}
	signed, err := adapter.SignTransaction(ctx, unsigned, signer)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	hash, err := adapter.SubmitTransaction(ctx, signed)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if hash != signed.Hash {
		t.Fatalf("hash mismatch %s vs %s", hash, signed.Hash)
	}
	backend.Commit()

	status, err := adapter.WaitForConfirmation(ctx, hash, 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status.State != chain.TxConfirmed {
		t.Fatalf("expected confirmed, got %+v", status)
	}
	balance, err := adapter.GetBalance(ctx, recipient.Hex())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected recipient balance %s", balance)
	}
}

func TestStaleNonceIsClassifiedStale(t *testing.T) {
	ctx := context.Background()
	adapter, backend, signer := newSimulated(t)
	to := "0x00000000000000000000000000000000000000bb"

	first, err := adapter.BuildTransaction(ctx, signer.Address(), txn.Instruction{Type: txn.TypeTransfer, To: to, Amount: "1"})
	if err != nil {
		t.Fatalf("build first: %v", err)
	}
	second, err := adapter.BuildTransaction(ctx, signer.Address(), txn.Instruction{Type: txn.TypeTransfer, To: to, Amount: "2"})
	if err != nil {
		t.Fatalf("build second: %v", err)
	}
	if first.Nonce != second.Nonce {
		t.Fatalf("expected equal nonces, got %d and %d", first.Nonce, second.Nonce)
	}

	signedFirst, _ := adapter.SignTransaction(ctx, first, signer)
	if _, err := adapter.SubmitTransaction(ctx, signedFirst); err != nil {
		t.Fatalf("submit first: %v", err)
	}
	backend.Commit()

	signedSecond, _ := adapter.SignTransaction(ctx, second, signer)
	_, err = adapter.SubmitTransaction(ctx, signedSecond)
	if err == nil {
		t.Fatal("expected stale nonce error")
	}
	code, category := chain.ClassifyError(err)
	if code != chain.CodeNonceTooLow || category != chain.Stale {
		t.Fatalf("expected NONCE_TOO_LOW/STALE, got %s/%s (%v)", code, category, err)
	}
}

func TestSignRejectsForeignSigner(t *testing.T) {
	ctx := context.Background()
	adapter, _, signer := newSimulated(t)
	unsigned, err := adapter.BuildTransaction(ctx, signer.Address(), txn.Instruction{
		Type: txn.TypeTransfer, To: "0x00000000000000000000000000000000000000cc", Amount: "1",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	other, _ := crypto.GenerateKey()
	_, err = adapter.SignTransaction(ctx, unsigned, keySigner{key: other})
	if xerrors.CodeOf(err) != chain.CodeUnauthorizedSigner {
		t.Fatalf("expected UNAUTHORIZED_SIGNER, got %v", err)
	}
}

func TestBuildersEncodeERC20Calls(t *testing.T) {
	ctx := context.Background()
	adapter, _, signer := newSimulated(t)
	token := &txn.Token{Address: "0x00000000000000000000000000000000000000dd", Decimals: 6}

	unsigned, err := adapter.BuildApprove(ctx, signer.Address(), txn.Instruction{
		Type: txn.TypeApprove, Token: token, Spender: "0x00000000000000000000000000000000000000ee", ApproveAmount: "500",
	})
	if err != nil {
		t.Fatalf("build approve: %v", err)
	}
	tx, err := decodeTx(unsigned.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := common.Bytes2Hex(tx.Data()[:4]); got != "095ea7b3" {
		t.Fatalf("expected approve selector, got %s", got)
	}
	if tx.To().Hex() != common.HexToAddress(token.Address).Hex() {
		t.Fatalf("approve must target the token, got %s", tx.To().Hex())
	}

	_, err = adapter.BuildBatch(ctx, signer.Address(), nil)
	if xerrors.CodeOf(err) != chain.CodeBatchNotSupported {
		t.Fatalf("expected BATCH_NOT_SUPPORTED, got %v", err)
	}
	_, err = adapter.BuildTransaction(ctx, signer.Address(), txn.Instruction{Type: txn.TypeTransfer, To: "nope", Amount: "1"})
	if xerrors.CodeOf(err) != chain.CodeInvalidAddress {
		t.Fatalf("expected INVALID_ADDRESS, got %v", err)
	}
}

func TestUnknownHashIsNotFound(t *testing.T) {
	adapter, _, _ := newSimulated(t)
	status, err := adapter.GetTransactionStatus(context.Background(), common.Hash{1}.Hex())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != chain.TxNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", status.State)
	}
}

type nodeError struct {
	code int
	msg  string
}

func (e nodeError) Error() string  { return e.msg }
func (e nodeError) ErrorCode() int { return e.code }

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want chain.ErrorCode
	}{
		{errors.New("nonce too low: address 0x1, tx: 0 state: 1"), chain.CodeNonceTooLow},
		{errors.New("replacement transaction underpriced"), chain.CodeNonceUsed},
		{errors.New("already known"), chain.CodeDuplicateTransaction},
		{errors.New("insufficient funds for gas * price + value"), chain.CodeInsufficientBalance},
		{errors.New("execution reverted: paused"), chain.CodeContractExecution},
		{gethrpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}, chain.CodeRateLimited},
		{context.DeadlineExceeded, chain.CodeRPCTimeout},
		{errors.New("dial tcp: connection refused"), chain.CodeConnectionError},
		{errors.New("header not found"), chain.CodeNodeBehind},
		{errors.New("something odd"), chain.CodeRPCError},
		{nodeError{-32000, "nonce too low"}, chain.CodeNonceTooLow},
		{nodeError{-32000, "intrinsic gas too low"}, chain.CodeInvalidTransaction},
		{fmt.Errorf("send: %w", nodeError{-32602, "invalid argument 0: hex string has odd length"}), chain.CodeInvalidTransaction},
		{nodeError{-32005, "request limit exceeded"}, chain.CodeRateLimited},
		{nodeError{-32603, "internal error"}, chain.CodeRPCError},
	}
	for _, tc := range cases {
		if got := codeFor(tc.err); got != tc.want {
			t.Errorf("codeFor(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
