package solana

import (
	"context"
	"errors"
	"sync"
	"testing"

	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/txn"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

type fakeNode struct {
	mu        sync.Mutex
	height    uint64
	lastValid uint64
	existing  map[sol.PublicKey]bool
	decimals  uint8
	sent      []*sol.Transaction
	statuses  map[sol.Signature]*signatureStatus
	sendErr   error
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		height:    100,
		lastValid: 250,
		existing:  map[sol.PublicKey]bool{},
		decimals:  6,
		statuses:  map[sol.Signature]*signatureStatus{},
	}
}

func (f *fakeNode) Health(context.Context) error { return nil }

func (f *fakeNode) BlockHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeNode) LatestBlockhash(context.Context) (sol.Hash, uint64, error) {
	return sol.Hash{7}, f.lastValid, nil
}

func (f *fakeNode) Balance(context.Context, sol.PublicKey) (uint64, error) { return 5_000_000_000, nil }

func (f *fakeNode) AccountExists(_ context.Context, account sol.PublicKey) (bool, error) {
	return f.existing[account], nil
}

func (f *fakeNode) TokenSupply(context.Context, sol.PublicKey) (string, uint8, error) {
	return "1000000000", f.decimals, nil
}

func (f *fakeNode) TokenAccountBalance(context.Context, sol.PublicKey) (string, uint8, error) {
	return "42", f.decimals, nil
}

func (f *fakeNode) FeeForMessage(context.Context, string) (uint64, error) { return 5000, nil }

func (f *fakeNode) Simulate(context.Context, *sol.Transaction) (*chain.Simulation, error) {
	return &chain.Simulation{Success: true}, nil
}

func (f *fakeNode) Send(_ context.Context, tx *sol.Transaction) (sol.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return sol.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeNode) SignatureStatus(_ context.Context, sig sol.Signature) (*signatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.statuses[sig]; ok {
		return st, nil
	}
	return &signatureStatus{}, nil
}

type keySigner struct {
	key sol.PrivateKey
}

func (s keySigner) Address() string { return s.key.PublicKey().String() }

func (s keySigner) Sign(payload []byte) ([]byte, error) {
	sig, err := s.key.Sign(payload)
	if err != nil {
		return nil, err
	}
	return sig[:], nil
}

func newKey(t *testing.T) sol.PrivateKey {
	t.Helper()
	key, err := sol.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func newAdapter(t *testing.T, node *fakeNode) *Adapter {
	t.Helper()
	adapter := New(chain.Definition{Kind: chain.KindSolana, Network: "devnet"}, WithBackend(node))
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return adapter
}

func TestTransferSignSubmit(t *testing.T) {
	ctx := context.Background()
	node := newFakeNode()
	adapter := newAdapter(t, node)
	signer := keySigner{key: newKey(t)}
	recipient := newKey(t).PublicKey()

	unsigned, err := adapter.BuildTransaction(ctx, signer.Address(), txn.Instruction{
		Type: txn.TypeTransfer, To: recipient.String(), Amount: "1500",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if unsigned.LastValidHeight != 250 || unsigned.Blockhash == "" {
		t.Fatalf("expected blockhash tracking, got %+v", unsigned)
	}
	signed, err := adapter.SignTransaction(ctx, unsigned, signer)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	hash, err := adapter.SubmitTransaction(ctx, signed)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if hash != signed.Hash || len(node.sent) != 1 {
		t.Fatalf("unexpected submission %s (%d sent)", hash, len(node.sent))
	}
	if got := len(node.sent[0].Message.Instructions); got != 1 {
		t.Fatalf("expected one instruction, got %d", got)
	}

	sig, _ := sol.SignatureFromBase58(hash)
	node.statuses[sig] = &signatureStatus{Found: true, Slot: 9, Confirmed: true}
	status, err := adapter.GetTransactionStatus(ctx, hash)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != chain.TxConfirmed {
		t.Fatalf("expected confirmed, got %s", status.State)
	}
}

func TestExpiredBlockhashIsStale(t *testing.T) {
	ctx := context.Background()
	node := newFakeNode()
	adapter := newAdapter(t, node)
	signer := keySigner{key: newKey(t)}

	unsigned, err := adapter.BuildTransaction(ctx, signer.Address(), txn.Instruction{
		Type: txn.TypeTransfer, To: newKey(t).PublicKey().String(), Amount: "1",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	signed, err := adapter.SignTransaction(ctx, unsigned, signer)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	node.height = 251
	_, err = adapter.SubmitTransaction(ctx, signed)
	if code, category := chain.ClassifyError(err); code != chain.CodeBlockhashExpired || category != chain.Stale {
		t.Fatalf("expected BLOCKHASH_EXPIRED/STALE, got %s/%s", code, category)
	}
	if len(node.sent) != 0 {
		t.Fatal("expired transaction must not be sent")
	}
}

func TestTokenTransferCreatesMissingAccount(t *testing.T) {
	ctx := context.Background()
	node := newFakeNode()
	adapter := newAdapter(t, node)
	owner := newKey(t).PublicKey()
	recipient := newKey(t).PublicKey()
	mint := newKey(t).PublicKey()
	ins := txn.Instruction{
		Type: txn.TypeTokenTransfer, To: recipient.String(), Amount: "10",
		Token: &txn.Token{Address: mint.String()},
	}

	unsigned, err := adapter.BuildTokenTransfer(ctx, owner.String(), ins)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	msg, _ := decodeMessage(unsigned.Payload)
	if len(msg.Instructions) != 2 {
		t.Fatalf("expected account creation plus transfer, got %d instructions", len(msg.Instructions))
	}

	ata, _, _ := sol.FindAssociatedTokenAddress(recipient, mint)
	node.existing[ata] = true
	unsigned, err = adapter.BuildTokenTransfer(ctx, owner.String(), ins)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	msg, _ = decodeMessage(unsigned.Payload)
	if len(msg.Instructions) != 1 {
		t.Fatalf("expected a lone transfer, got %d instructions", len(msg.Instructions))
	}
}

func TestBatchIsOneTransaction(t *testing.T) {
	ctx := context.Background()
	adapter := newAdapter(t, newFakeNode())
	owner := newKey(t).PublicKey()
	steps := make([]txn.Instruction, 3)
	for i := range steps {
		steps[i] = txn.Instruction{Type: txn.TypeTransfer, To: newKey(t).PublicKey().String(), Amount: "5"}
	}
	unsigned, err := adapter.BuildBatch(ctx, owner.String(), steps)
	if err != nil {
		t.Fatalf("build batch: %v", err)
	}
	msg, _ := decodeMessage(unsigned.Payload)
	if len(msg.Instructions) != 3 {
		t.Fatalf("expected 3 instructions, got %d", len(msg.Instructions))
	}

	steps = append(steps, txn.Instruction{Type: txn.TypeContractCall, To: newKey(t).PublicKey().String(), Data: "0x01",
		Accounts: []txn.AccountMeta{{Address: newKey(t).PublicKey().String(), Signer: true}}})
	_, err = adapter.BuildBatch(ctx, owner.String(), steps)
	if xerrors.CodeOf(err) != chain.CodeUnauthorizedSigner {
		t.Fatalf("expected UNAUTHORIZED_SIGNER for foreign signer account, got %v", err)
	}
}

func TestSignRejectsForeignKey(t *testing.T) {
	ctx := context.Background()
	adapter := newAdapter(t, newFakeNode())
	owner := newKey(t).PublicKey()
	unsigned, err := adapter.BuildTransaction(ctx, owner.String(), txn.Instruction{
		Type: txn.TypeTransfer, To: newKey(t).PublicKey().String(), Amount: "1",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	_, err = adapter.SignTransaction(ctx, unsigned, keySigner{key: newKey(t)})
	if xerrors.CodeOf(err) != chain.CodeUnauthorizedSigner {
		t.Fatalf("expected UNAUTHORIZED_SIGNER, got %v", err)
	}
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want chain.ErrorCode
	}{
		{&jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}, chain.CodeBlockhashExpired},
		{&jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: This transaction has already been processed"}, chain.CodeDuplicateTransaction},
		{&jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Attempt to debit an account but found no record of a prior credit."}, chain.CodeInsufficientBalance},
		{&jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed"}, chain.CodeSimulationFailed},
		{&jsonrpc.RPCError{Code: -32005, Message: "Node is unhealthy"}, chain.CodeNodeBehind},
		{&jsonrpc.RPCError{Code: -32007, Message: "Slot 5 was skipped"}, chain.CodeSlotSkipped},
		{errors.New("rpc call getBalance() on https://x: 429 Too Many Requests"), chain.CodeRateLimited},
		{context.DeadlineExceeded, chain.CodeRPCTimeout},
		{errors.New("unexpected"), chain.CodeRPCError},
		{&jsonrpc.RPCError{Code: -32015, Message: "Transaction version (1) is not supported"}, chain.CodeInvalidTransaction},
		{&jsonrpc.RPCError{Code: -32004, Message: "Block not available for slot 9"}, chain.CodeNodeBehind},
		{&jsonrpc.RPCError{Code: -32016, Message: "Minimum context slot has not been reached"}, chain.CodeNodeBehind},
		{&jsonrpc.RPCError{Code: -32603, Message: "Internal error"}, chain.CodeRPCError},
	}
	for _, tc := range cases {
		if got := codeFor(tc.err); got != tc.want {
			t.Errorf("codeFor(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
