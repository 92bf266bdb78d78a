package solana

import (
	"context"
	"encoding/base64"
	"math/big"
	"strings"
	"sync"
	"time"

	"AgentVault/internal/chain"
	"AgentVault/internal/txn"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// Adapter implements chain.Adapter for Solana clusters.
type Adapter struct {
	network      string
	rpcURL       string
	commitment   rpc.CommitmentType
	pollInterval time.Duration

	mu      sync.RWMutex
	backend Backend
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithBackend installs a ready backend instead of rpc_url.
func WithBackend(backend Backend) Option {
	return func(a *Adapter) { a.backend = backend }
}

// WithPollInterval sets the confirmation polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.pollInterval = d
		}
	}
}

// New builds an adapter for one cluster definition.
func New(def chain.Definition, opts ...Option) *Adapter {
	a := &Adapter{
		network:      def.Network,
		rpcURL:       strings.TrimSpace(def.RPCURL),
		commitment:   rpc.CommitmentConfirmed,
		pollInterval: time.Second,
	}
	switch strings.ToLower(def.Commitment) {
	case "finalized":
		a.commitment = rpc.CommitmentFinalized
	case "processed":
		a.commitment = rpc.CommitmentProcessed
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Factory is the registry constructor for solana clusters.
func Factory(_ context.Context, def chain.Definition) (chain.Adapter, error) {
	return New(def), nil
}

func (a *Adapter) Chain() chain.Kind { return chain.KindSolana }
func (a *Adapter) Network() string   { return a.network }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.backend == nil {
		if a.rpcURL == "" {
			a.mu.Unlock()
			return chain.NewError(chain.CodeConnectionError, chain.KindSolana, "network %s has no rpc url", a.network)
		}
		a.backend = newRPCBackend(a.rpcURL, a.commitment)
	}
	backend := a.backend
	a.mu.Unlock()

	if _, err := backend.BlockHeight(ctx); err != nil {
		return wrap(err, "check cluster health")
	}
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.backend.(*rpcBackend); ok {
		a.backend = nil
	}
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.backend != nil
}

func (a *Adapter) client() (Backend, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.backend == nil {
		return nil, chain.NewError(chain.CodeConnectionError, chain.KindSolana, "adapter for %s is not connected", a.network)
	}
	return a.backend, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) (*chain.Health, error) {
	backend, err := a.client()
	if err != nil {
		return nil, err
	}
	started := time.Now()
	if err := backend.Health(ctx); err != nil {
		return &chain.Health{Healthy: false, Latency: time.Since(started), Detail: err.Error()}, wrap(err, "health")
	}
	height, err := backend.BlockHeight(ctx)
	if err != nil {
		return nil, wrap(err, "block height")
	}
	return &chain.Health{Healthy: true, BlockHeight: height, Latency: time.Since(started)}, nil
}

func (a *Adapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	backend, err := a.client()
	if err != nil {
		return nil, err
	}
	account, err := parseKey(address)
	if err != nil {
		return nil, err
	}
	lamports, err := backend.Balance(ctx, account)
	if err != nil {
		return nil, wrap(err, "query balance")
	}
	return new(big.Int).SetUint64(lamports), nil
}

func (a *Adapter) GetAssets(ctx context.Context, address string, tokens []string) ([]chain.Asset, error) {
	backend, err := a.client()
	if err != nil {
		return nil, err
	}
	owner, err := parseKey(address)
	if err != nil {
		return nil, err
	}
	native, err := a.GetBalance(ctx, address)
	if err != nil {
		return nil, err
	}
	assets := []chain.Asset{{Address: address, Symbol: "SOL", Decimals: 9, Amount: native, Native: true}}
	for _, mintAddr := range tokens {
		mint, err := parseKey(mintAddr)
		if err != nil {
			return nil, err
		}
		ata, _, err := sol.FindAssociatedTokenAddress(owner, mint)
		if err != nil {
			return nil, chain.WrapError(chain.CodeInvalidAddress, chain.KindSolana, err, "derive token account")
		}
		asset := chain.Asset{Address: mintAddr, Amount: new(big.Int)}
		exists, err := backend.AccountExists(ctx, ata)
		if err != nil {
			return nil, wrap(err, "query token account")
		}
		if exists {
			amount, decimals, err := backend.TokenAccountBalance(ctx, ata)
			if err != nil {
				return nil, wrap(err, "query token balance")
			}
			asset.Decimals = decimals
			asset.Amount, _ = new(big.Int).SetString(amount, 10)
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

func (a *Adapter) GetTokenInfo(ctx context.Context, mintAddr string) (*chain.TokenInfo, error) {
	backend, err := a.client()
	if err != nil {
		return nil, err
	}
	mint, err := parseKey(mintAddr)
	if err != nil {
		return nil, err
	}
	supply, decimals, err := backend.TokenSupply(ctx, mint)
	if err != nil {
		return nil, wrap(err, "query token supply")
	}
	info := &chain.TokenInfo{Address: mintAddr, Decimals: decimals}
	info.Supply, _ = new(big.Int).SetString(supply, 10)
	return info, nil
}

// GetCurrentNonce returns the block height: Solana has no account nonce and
// replay protection comes from the blockhash.
func (a *Adapter) GetCurrentNonce(ctx context.Context, _ string) (uint64, error) {
	backend, err := a.client()
	if err != nil {
		return 0, err
	}
	height, err := backend.BlockHeight(ctx)
	if err != nil {
		return 0, wrap(err, "block height")
	}
	return height, nil
}

func (a *Adapter) EstimateFee(ctx context.Context, unsigned *chain.UnsignedTx) (*big.Int, error) {
	backend, err := a.client()
	if err != nil {
		return nil, err
	}
	fee, err := backend.FeeForMessage(ctx, base64.StdEncoding.EncodeToString(unsigned.Payload))
	if err != nil {
		return nil, wrap(err, "estimate fee")
	}
	return new(big.Int).SetUint64(fee), nil
}

func (a *Adapter) BuildTransaction(ctx context.Context, from string, ins txn.Instruction) (*chain.UnsignedTx, error) {
	return a.buildSteps(ctx, from, []txn.Instruction{ins})
}

func (a *Adapter) BuildTokenTransfer(ctx context.Context, from string, ins txn.Instruction) (*chain.UnsignedTx, error) {
	return a.buildSteps(ctx, from, []txn.Instruction{ins})
}

func (a *Adapter) BuildContractCall(ctx context.Context, from string, ins txn.Instruction) (*chain.UnsignedTx, error) {
	return a.buildSteps(ctx, from, []txn.Instruction{ins})
}

func (a *Adapter) BuildApprove(ctx context.Context, from string, ins txn.Instruction) (*chain.UnsignedTx, error) {
	return a.buildSteps(ctx, from, []txn.Instruction{ins})
}

// BuildBatch packs every step into one transaction, so the cluster executes
// all of them or none.
func (a *Adapter) BuildBatch(ctx context.Context, from string, steps []txn.Instruction) (*chain.UnsignedTx, error) {
	if len(steps) == 0 {
		return nil, chain.NewError(chain.CodeInvalidTransaction, chain.KindSolana, "empty batch")
	}
	return a.buildSteps(ctx, from, steps)
}

func (a *Adapter) buildSteps(ctx context.Context, from string, steps []txn.Instruction) (*chain.UnsignedTx, error) {
	backend, err := a.client()
	if err != nil {
		return nil, err
	}
	owner, err := parseKey(from)
	if err != nil {
		return nil, err
	}

	b := &builder{ctx: ctx, backend: backend, owner: owner, created: map[sol.PublicKey]bool{}}
	for _, step := range steps {
		if err := b.add(step); err != nil {
			return nil, err
		}
	}

	blockhash, lastValid, err := backend.LatestBlockhash(ctx)
	if err != nil {
		return nil, wrap(err, "latest blockhash")
	}
	tx, err := sol.NewTransaction(b.instructions, blockhash, sol.TransactionPayer(owner))
	if err != nil {
		return nil, chain.WrapError(chain.CodeInvalidTransaction, chain.KindSolana, err, "assemble transaction")
	}
	if n := int(tx.Message.Header.NumRequiredSignatures); n != 1 {
		return nil, chain.NewError(chain.CodeUnauthorizedSigner, chain.KindSolana, "transaction needs %d signers, wallet can provide one", n)
	}
	payload, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, chain.WrapError(chain.CodeInvalidTransaction, chain.KindSolana, err, "encode message")
	}
	return &chain.UnsignedTx{
		Chain:           chain.KindSolana,
		Network:         a.network,
		From:            owner.String(),
		Payload:         payload,
		Blockhash:       blockhash.String(),
		LastValidHeight: lastValid,
		BuiltAt:         time.Now().UTC(),
	}, nil
}

type builder struct {
	ctx          context.Context
	backend      Backend
	owner        sol.PublicKey
	created      map[sol.PublicKey]bool
	instructions []sol.Instruction
}

func (b *builder) add(ins txn.Instruction) error {
	switch ins.Type {
	case txn.TypeTransfer:
		to, err := parseKey(ins.To)
		if err != nil {
			return err
		}
		lamports, err := toUint64(ins.NativeAmount())
		if err != nil {
			return err
		}
		b.instructions = append(b.instructions, system.NewTransferInstruction(lamports, b.owner, to).Build())
	case txn.TypeTokenTransfer:
		return b.addTokenTransfer(ins)
	case txn.TypeApprove:
		return b.addApprove(ins)
	case txn.TypeContractCall:
		return b.addProgramCall(ins)
	default:
		return chain.NewError(chain.CodeUnsupported, chain.KindSolana, "instruction type %s cannot be built", ins.Type)
	}
	return nil
}

func (b *builder) mintDecimals(ins txn.Instruction) (sol.PublicKey, uint8, error) {
	if ins.Token == nil {
		return sol.PublicKey{}, 0, chain.NewError(chain.CodeInvalidTransaction, chain.KindSolana, "%s without token", ins.Type)
	}
	mint, err := parseKey(ins.Token.Address)
	if err != nil {
		return sol.PublicKey{}, 0, err
	}
	_, decimals, err := b.backend.TokenSupply(b.ctx, mint)
	if err != nil {
		return sol.PublicKey{}, 0, wrap(err, "query mint")
	}
	return mint, decimals, nil
}

func (b *builder) addTokenTransfer(ins txn.Instruction) error {
	mint, decimals, err := b.mintDecimals(ins)
	if err != nil {
		return err
	}
	recipient, err := parseKey(ins.To)
	if err != nil {
		return err
	}
	amount, err := toUint64(ins.TokenAmount())
	if err != nil {
		return err
	}
	source, _, err := sol.FindAssociatedTokenAddress(b.owner, mint)
	if err != nil {
		return chain.WrapError(chain.CodeInvalidAddress, chain.KindSolana, err, "derive source token account")
	}
	destination, _, err := sol.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return chain.WrapError(chain.CodeInvalidAddress, chain.KindSolana, err, "derive destination token account")
	}
	if !b.created[destination] {
		exists, err := b.backend.AccountExists(b.ctx, destination)
		if err != nil {
			return wrap(err, "query destination token account")
		}
		if !exists {
			b.instructions = append(b.instructions,
				associatedtokenaccount.NewCreateInstruction(b.owner, recipient, mint).Build())
		}
		b.created[destination] = true
	}
	b.instructions = append(b.instructions,
		token.NewTransferCheckedInstruction(amount, decimals, source, mint, destination, b.owner, nil).Build())
	return nil
}

func (b *builder) addApprove(ins txn.Instruction) error {
	mint, decimals, err := b.mintDecimals(ins)
	if err != nil {
		return err
	}
	delegate, err := parseKey(ins.Spender)
	if err != nil {
		return err
	}
	value, ok := txn.ParseAmount(ins.ApproveAmount)
	if !ok {
		return chain.NewError(chain.CodeInvalidTransaction, chain.KindSolana, "invalid approve amount %q", ins.ApproveAmount)
	}
	amount, err := toUint64(value)
	if err != nil {
		return err
	}
	source, _, err := sol.FindAssociatedTokenAddress(b.owner, mint)
	if err != nil {
		return chain.WrapError(chain.CodeInvalidAddress, chain.KindSolana, err, "derive token account")
	}
	b.instructions = append(b.instructions,
		token.NewApproveCheckedInstruction(amount, decimals, source, mint, delegate, b.owner, nil).Build())
	return nil
}

func (b *builder) addProgramCall(ins txn.Instruction) error {
	if ins.NativeAmount().Sign() > 0 {
		return chain.NewError(chain.CodeUnsupported, chain.KindSolana, "program calls cannot carry a native value")
	}
	program, err := parseKey(ins.To)
	if err != nil {
		return err
	}
	data, err := ins.CallData()
	if err != nil {
		return chain.WrapError(chain.CodeInvalidTransaction, chain.KindSolana, err, "decode instruction data")
	}
	accounts := make(sol.AccountMetaSlice, 0, len(ins.Accounts))
	for _, meta := range ins.Accounts {
		key, err := parseKey(meta.Address)
		if err != nil {
			return err
		}
		if meta.Signer && !key.Equals(b.owner) {
			return chain.NewError(chain.CodeUnauthorizedSigner, chain.KindSolana, "account %s must sign but is not the wallet", key)
		}
		accounts = append(accounts, sol.NewAccountMeta(key, meta.Writable, meta.Signer))
	}
	b.instructions = append(b.instructions, sol.NewInstruction(program, accounts, data))
	return nil
}

func (a *Adapter) SimulateTransaction(ctx context.Context, unsigned *chain.UnsignedTx) (*chain.Simulation, error) {
	backend, err := a.client()
	if err != nil {
		return nil, err
	}
	msg, err := decodeMessage(unsigned.Payload)
	if err != nil {
		return nil, err
	}
	tx := &sol.Transaction{
		Signatures: make([]sol.Signature, msg.Header.NumRequiredSignatures),
		Message:    *msg,
	}
	sim, err := backend.Simulate(ctx, tx)
	if err != nil {
		return nil, wrap(err, "simulate transaction")
	}
	return sim, nil
}

func (a *Adapter) SignTransaction(_ context.Context, unsigned *chain.UnsignedTx, signer chain.Signer) (*chain.SignedTx, error) {
	owner, err := parseKey(unsigned.From)
	if err != nil {
		return nil, err
	}
	if signer.Address() != owner.String() {
		return nil, chain.NewError(chain.CodeUnauthorizedSigner, chain.KindSolana, "signer %s does not own %s", signer.Address(), owner)
	}
	msg, err := decodeMessage(unsigned.Payload)
	if err != nil {
		return nil, err
	}
	raw, err := signer.Sign(unsigned.Payload)
	if err != nil {
		return nil, chain.WrapError(chain.CodeUnauthorizedSigner, chain.KindSolana, err, "sign message")
	}
	if len(raw) != len(sol.Signature{}) {
		return nil, chain.NewError(chain.CodeUnauthorizedSigner, chain.KindSolana, "signature has %d bytes", len(raw))
	}
	sig := sol.SignatureFromBytes(raw)
	if !sig.Verify(owner, unsigned.Payload) {
		return nil, chain.NewError(chain.CodeUnauthorizedSigner, chain.KindSolana, "signature does not verify for %s", owner)
	}
	tx := &sol.Transaction{Signatures: []sol.Signature{sig}, Message: *msg}
	encoded, err := tx.MarshalBinary()
	if err != nil {
		return nil, chain.WrapError(chain.CodeInvalidTransaction, chain.KindSolana, err, "encode transaction")
	}
	return &chain.SignedTx{
		Chain:           chain.KindSolana,
		Network:         a.network,
		Raw:             encoded,
		Hash:            sig.String(),
		LastValidHeight: unsigned.LastValidHeight,
	}, nil
}

// SubmitTransaction refuses transactions whose blockhash can no longer land.
func (a *Adapter) SubmitTransaction(ctx context.Context, signed *chain.SignedTx) (string, error) {
	backend, err := a.client()
	if err != nil {
		return "", err
	}
	if signed.LastValidHeight > 0 {
		height, err := backend.BlockHeight(ctx)
		if err != nil {
			return "", wrap(err, "block height")
		}
		if height > signed.LastValidHeight {
			return "", chain.NewError(chain.CodeBlockhashExpired, chain.KindSolana,
				"block height %d passed last valid height %d", height, signed.LastValidHeight)
		}
	}
	tx, err := sol.TransactionFromDecoder(bin.NewBinDecoder(signed.Raw))
	if err != nil {
		return "", chain.WrapError(chain.CodeInvalidTransaction, chain.KindSolana, err, "decode transaction")
	}
	sig, err := backend.Send(ctx, tx)
	if err != nil {
		return "", wrap(err, "send transaction")
	}
	return sig.String(), nil
}

func (a *Adapter) WaitForConfirmation(ctx context.Context, hash string, timeout time.Duration) (*chain.TxStatus, error) {
	return chain.PollConfirmation(ctx, a, hash, timeout, a.pollInterval)
}

func (a *Adapter) GetTransactionStatus(ctx context.Context, hash string) (*chain.TxStatus, error) {
	backend, err := a.client()
	if err != nil {
		return nil, err
	}
	sig, err := sol.SignatureFromBase58(hash)
	if err != nil {
		return nil, chain.WrapError(chain.CodeInvalidTransaction, chain.KindSolana, err, "parse signature")
	}
	status, err := backend.SignatureStatus(ctx, sig)
	if err != nil {
		return nil, wrap(err, "signature status")
	}
	out := &chain.TxStatus{Hash: hash, Block: status.Slot}
	switch {
	case !status.Found:
		out.State = chain.TxNotFound
	case status.Err != "":
		out.State = chain.TxFailed
		out.Error = status.Err
	case status.Finalized, status.Confirmed && a.commitment != rpc.CommitmentFinalized:
		out.State = chain.TxConfirmed
		out.Confirmations = 1
	default:
		out.State = chain.TxPending
	}
	return out, nil
}

func parseKey(value string) (sol.PublicKey, error) {
	key, err := sol.PublicKeyFromBase58(strings.TrimSpace(value))
	if err != nil {
		return sol.PublicKey{}, chain.WrapError(chain.CodeInvalidAddress, chain.KindSolana, err, "invalid address "+value)
	}
	return key, nil
}

func toUint64(v *big.Int) (uint64, error) {
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, chain.NewError(chain.CodeInvalidTransaction, chain.KindSolana, "amount %s exceeds u64", v)
	}
	return v.Uint64(), nil
}

func decodeMessage(payload []byte) (*sol.Message, error) {
	msg := new(sol.Message)
	if err := msg.UnmarshalWithDecoder(bin.NewBinDecoder(payload)); err != nil {
		return nil, chain.WrapError(chain.CodeInvalidTransaction, chain.KindSolana, err, "decode message")
	}
	return msg, nil
}

var _ chain.Adapter = (*Adapter)(nil)
