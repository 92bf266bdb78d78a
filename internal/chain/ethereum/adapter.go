package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"AgentVault/internal/chain"
	"AgentVault/internal/txn"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Backend is the subset of the node API the adapter uses. It is satisfied by
// *ethclient.Client and by the simulated backend client.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Adapter implements chain.Adapter for EVM networks.
type Adapter struct {
	network       string
	rpcURL        string
	confirmations uint64
	pollInterval  time.Duration

	mu      sync.RWMutex
	backend Backend
	closer  func()
	chainID *big.Int
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithBackend installs a ready backend instead of dialling rpc_url.
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

// New builds an adapter for one network definition.
func New(def chain.Definition, opts ...Option) *Adapter {
	a := &Adapter{
		network:       def.Network,
		rpcURL:        strings.TrimSpace(def.RPCURL),
		confirmations: def.Confirmations,
		pollInterval:  2 * time.Second,
	}
	if def.ChainID > 0 {
		a.chainID = big.NewInt(def.ChainID)
	}
	if a.confirmations == 0 {
		a.confirmations = 1
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Factory is the registry constructor for ethereum networks.
func Factory(_ context.Context, def chain.Definition) (chain.Adapter, error) {
	return New(def), nil
}

func (a *Adapter) Chain() chain.Kind { return chain.KindEthereum }
func (a *Adapter) Network() string   { return a.network }

// Connect dials the node when no backend is installed and resolves the chain id.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.backend == nil {
		if a.rpcURL == "" {
			return chain.NewError(chain.CodeConnectionError, chain.KindEthereum, "network %s has no rpc url", a.network)
		}
		rpcClient, err := gethrpc.DialContext(ctx, a.rpcURL)
		if err != nil {
			return chain.WrapError(chain.CodeConnectionError, chain.KindEthereum, err, "dial ethereum node")
		}
		client := ethclient.NewClient(rpcClient)
		a.backend = client
		a.closer = client.Close
	}
	id, err := a.backend.ChainID(ctx)
	if err != nil {
		return wrap(err, "query chain id")
	}
	if a.chainID != nil && a.chainID.Cmp(id) != 0 {
		return chain.NewError(chain.CodeInvalidTransaction, chain.KindEthereum,
			"network %s reports chain id %s, expected %s", a.network, id, a.chainID)
	}
	a.chainID = id
	return nil
}

// Disconnect closes a dialled client.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		a.closer()
		a.closer = nil
		a.backend = nil
	}
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.backend != nil && a.chainID != nil
}

func (a *Adapter) client() (Backend, *big.Int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.backend == nil || a.chainID == nil {
		return nil, nil, chain.NewError(chain.CodeConnectionError, chain.KindEthereum, "adapter for %s is not connected", a.network)
	}
	return a.backend, a.chainID, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) (*chain.Health, error) {
	backend, _, err := a.client()
	if err != nil {
		return nil, err
	}
	started := time.Now()
	height, err := backend.BlockNumber(ctx)
	if err != nil {
		return &chain.Health{Healthy: false, Latency: time.Since(started), Detail: err.Error()}, wrap(err, "query block number")
	}
	return &chain.Health{Healthy: true, BlockHeight: height, Latency: time.Since(started)}, nil
}

func (a *Adapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	backend, _, err := a.client()
	if err != nil {
		return nil, err
	}
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	balance, err := backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, wrap(err, "query balance")
	}
	return balance, nil
}

func (a *Adapter) GetAssets(ctx context.Context, address string, tokens []string) ([]chain.Asset, error) {
	native, err := a.GetBalance(ctx, address)
	if err != nil {
		return nil, err
	}
	assets := []chain.Asset{{Address: address, Symbol: "ETH", Decimals: 18, Amount: native, Native: true}}
	for _, token := range tokens {
		info, err := a.GetTokenInfo(ctx, token)
		if err != nil {
			return nil, err
		}
		balance, err := a.tokenBalance(ctx, token, address)
		if err != nil {
			return nil, err
		}
		assets = append(assets, chain.Asset{Address: info.Address, Symbol: info.Symbol, Decimals: info.Decimals, Amount: balance})
	}
	return assets, nil
}

func (a *Adapter) tokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	ownerAddr, err := parseAddress(owner)
	if err != nil {
		return nil, err
	}
	out, err := a.call(ctx, token, "balanceOf", ownerAddr)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (a *Adapter) GetTokenInfo(ctx context.Context, token string) (*chain.TokenInfo, error) {
	info := &chain.TokenInfo{Address: token}
	decimals, err := a.call(ctx, token, "decimals")
	if err != nil {
		return nil, err
	}
	info.Decimals = decimals[0].(uint8)
	if out, err := a.call(ctx, token, "symbol"); err == nil {
		info.Symbol = out[0].(string)
	}
	if out, err := a.call(ctx, token, "name"); err == nil {
		info.Name = out[0].(string)
	}
	if out, err := a.call(ctx, token, "totalSupply"); err == nil {
		info.Supply = out[0].(*big.Int)
	}
	return info, nil
}

func (a *Adapter) call(ctx context.Context, token, method string, args ...any) ([]any, error) {
	backend, _, err := a.client()
	if err != nil {
		return nil, err
	}
	addr, err := parseAddress(token)
	if err != nil {
		return nil, err
	}
	data, err := erc20.Pack(method, args...)
	if err != nil {
		return nil, chain.WrapError(chain.CodeInvalidTransaction, chain.KindEthereum, err, "pack "+method)
	}
	raw, err := backend.CallContract(ctx, gethcore.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, wrap(err, "call "+method)
	}
	out, err := erc20.Unpack(method, raw)
	if err != nil || len(out) == 0 {
		return nil, chain.NewError(chain.CodeContractExecution, chain.KindEthereum, "%s is not an erc20 token", token)
	}
	return out, nil
}

func (a *Adapter) GetCurrentNonce(ctx context.Context, address string) (uint64, error) {
	backend, _, err := a.client()
	if err != nil {
		return 0, err
	}
	addr, err := parseAddress(address)
	if err != nil {
		return 0, err
	}
	nonce, err := backend.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, wrap(err, "query nonce")
	}
	return nonce, nil
}

func (a *Adapter) EstimateFee(_ context.Context, unsigned *chain.UnsignedTx) (*big.Int, error) {
	tx, err := decodeTx(unsigned.Payload)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasFeeCap()), nil
}

func (a *Adapter) BuildTransaction(ctx context.Context, from string, ins txn.Instruction) (*chain.UnsignedTx, error) {
	to, err := parseAddress(ins.To)
	if err != nil {
		return nil, err
	}
	return a.build(ctx, from, to, ins.NativeAmount(), nil)
}

func (a *Adapter) BuildTokenTransfer(ctx context.Context, from string, ins txn.Instruction) (*chain.UnsignedTx, error) {
	if ins.Token == nil {
		return nil, chain.NewError(chain.CodeInvalidTransaction, chain.KindEthereum, "token transfer without token")
	}
	token, err := parseAddress(ins.Token.Address)
	if err != nil {
		return nil, err
	}
	to, err := parseAddress(ins.To)
	if err != nil {
		return nil, err
	}
	data, err := erc20.Pack("transfer", to, ins.TokenAmount())
	if err != nil {
		return nil, chain.WrapError(chain.CodeInvalidTransaction, chain.KindEthereum, err, "pack transfer")
	}
	return a.build(ctx, from, token, new(big.Int), data)
}

func (a *Adapter) BuildContractCall(ctx context.Context, from string, ins txn.Instruction) (*chain.UnsignedTx, error) {
	target, err := parseAddress(ins.To)
	if err != nil {
		return nil, err
	}
	data, err := ins.CallData()
	if err != nil {
		return nil, chain.WrapError(chain.CodeInvalidTransaction, chain.KindEthereum, err, "decode calldata")
	}
	return a.build(ctx, from, target, ins.NativeAmount(), data)
}

func (a *Adapter) BuildApprove(ctx context.Context, from string, ins txn.Instruction) (*chain.UnsignedTx, error) {
	if ins.Token == nil {
		return nil, chain.NewError(chain.CodeInvalidTransaction, chain.KindEthereum, "approve without token")
	}
	token, err := parseAddress(ins.Token.Address)
	if err != nil {
		return nil, err
	}
	spender, err := parseAddress(ins.Spender)
	if err != nil {
		return nil, err
	}
	amount, ok := txn.ParseAmount(ins.ApproveAmount)
	if !ok {
		return nil, chain.NewError(chain.CodeInvalidTransaction, chain.KindEthereum, "invalid approve amount %q", ins.ApproveAmount)
	}
	data, err := erc20.Pack("approve", spender, amount)
	if err != nil {
		return nil, chain.WrapError(chain.CodeInvalidTransaction, chain.KindEthereum, err, "pack approve")
	}
	return a.build(ctx, from, token, new(big.Int), data)
}

// BuildBatch always fails: EVM accounts cannot execute several calls in one
// atomic transaction without a helper contract.
func (a *Adapter) BuildBatch(context.Context, string, []txn.Instruction) (*chain.UnsignedTx, error) {
	return nil, chain.NewError(chain.CodeBatchNotSupported, chain.KindEthereum, "atomic batches are not supported on %s", a.network)
}

func (a *Adapter) build(ctx context.Context, from string, to common.Address, value *big.Int, data []byte) (*chain.UnsignedTx, error) {
	backend, chainID, err := a.client()
	if err != nil {
		return nil, err
	}
	sender, err := parseAddress(from)
	if err != nil {
		return nil, err
	}
	nonce, err := backend.PendingNonceAt(ctx, sender)
	if err != nil {
		return nil, wrap(err, "query nonce")
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, wrap(err, "query head")
	}
	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, wrap(err, "suggest gas tip")
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	gas, err := backend.EstimateGas(ctx, gethcore.CallMsg{From: sender, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, wrap(err, "estimate gas")
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	payload, err := tx.MarshalBinary()
	if err != nil {
		return nil, chain.WrapError(chain.CodeInvalidTransaction, chain.KindEthereum, err, "encode transaction")
	}
	return &chain.UnsignedTx{
		Chain:   chain.KindEthereum,
		Network: a.network,
		From:    sender.Hex(),
		Payload: payload,
		Nonce:   nonce,
		Fee:     new(big.Int).Mul(new(big.Int).SetUint64(gas), feeCap),
		BuiltAt: time.Now().UTC(),
	}, nil
}

func (a *Adapter) SimulateTransaction(ctx context.Context, unsigned *chain.UnsignedTx) (*chain.Simulation, error) {
	backend, _, err := a.client()
	if err != nil {
		return nil, err
	}
	tx, err := decodeTx(unsigned.Payload)
	if err != nil {
		return nil, err
	}
	msg := gethcore.CallMsg{
		From:      common.HexToAddress(unsigned.From),
		To:        tx.To(),
		Gas:       tx.Gas(),
		GasFeeCap: tx.GasFeeCap(),
		GasTipCap: tx.GasTipCap(),
		Value:     tx.Value(),
		Data:      tx.Data(),
	}
	if _, err := backend.CallContract(ctx, msg, nil); err != nil {
		code := codeFor(err)
		if chain.Classify(code) != chain.Permanent {
			return nil, wrap(err, "simulate transaction")
		}
		return &chain.Simulation{Success: false, GasUsed: tx.Gas(), Error: err.Error()}, nil
	}
	return &chain.Simulation{Success: true, GasUsed: tx.Gas()}, nil
}

func (a *Adapter) SignTransaction(_ context.Context, unsigned *chain.UnsignedTx, signer chain.Signer) (*chain.SignedTx, error) {
	_, chainID, err := a.client()
	if err != nil {
		return nil, err
	}
	tx, err := decodeTx(unsigned.Payload)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(signer.Address(), unsigned.From) {
		return nil, chain.NewError(chain.CodeUnauthorizedSigner, chain.KindEthereum, "signer %s does not own %s", signer.Address(), unsigned.From)
	}
	txSigner := types.LatestSignerForChainID(chainID)
	sig, err := signer.Sign(txSigner.Hash(tx).Bytes())
	if err != nil {
		return nil, chain.WrapError(chain.CodeUnauthorizedSigner, chain.KindEthereum, err, "sign transaction")
	}
	signed, err := tx.WithSignature(txSigner, sig)
	if err != nil {
		return nil, chain.WrapError(chain.CodeUnauthorizedSigner, chain.KindEthereum, err, "attach signature")
	}
	sender, err := types.Sender(txSigner, signed)
	if err != nil || !strings.EqualFold(sender.Hex(), unsigned.From) {
		return nil, chain.NewError(chain.CodeUnauthorizedSigner, chain.KindEthereum, "signature does not recover to %s", unsigned.From)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, chain.WrapError(chain.CodeInvalidTransaction, chain.KindEthereum, err, "encode signed transaction")
	}
	return &chain.SignedTx{Chain: chain.KindEthereum, Network: a.network, Raw: raw, Hash: signed.Hash().Hex()}, nil
}

func (a *Adapter) SubmitTransaction(ctx context.Context, signed *chain.SignedTx) (string, error) {
	backend, _, err := a.client()
	if err != nil {
		return "", err
	}
	tx, err := decodeTx(signed.Raw)
	if err != nil {
		return "", err
	}
	if err := backend.SendTransaction(ctx, tx); err != nil {
		return "", wrap(err, "send transaction")
	}
	return tx.Hash().Hex(), nil
}

func (a *Adapter) WaitForConfirmation(ctx context.Context, hash string, timeout time.Duration) (*chain.TxStatus, error) {
	return chain.PollConfirmation(ctx, a, hash, timeout, a.pollInterval)
}

func (a *Adapter) GetTransactionStatus(ctx context.Context, hash string) (*chain.TxStatus, error) {
	backend, _, err := a.client()
	if err != nil {
		return nil, err
	}
	h := common.HexToHash(hash)
	receipt, err := backend.TransactionReceipt(ctx, h)
	if errors.Is(err, gethcore.NotFound) {
		_, pending, lookupErr := backend.TransactionByHash(ctx, h)
		switch {
		case errors.Is(lookupErr, gethcore.NotFound):
			return &chain.TxStatus{Hash: hash, State: chain.TxNotFound}, nil
		case lookupErr != nil:
			return nil, wrap(lookupErr, "query transaction")
		case pending:
			return &chain.TxStatus{Hash: hash, State: chain.TxPending}, nil
		}
		return &chain.TxStatus{Hash: hash, State: chain.TxPending}, nil
	}
	if err != nil {
		return nil, wrap(err, "query receipt")
	}

	block := receipt.BlockNumber.Uint64()
	status := &chain.TxStatus{Hash: hash, Block: block}
	if receipt.Status == types.ReceiptStatusFailed {
		status.State = chain.TxFailed
		status.Error = "execution reverted"
		return status, nil
	}
	head, err := backend.BlockNumber(ctx)
	if err != nil {
		return nil, wrap(err, "query block number")
	}
	if head >= block {
		status.Confirmations = head - block + 1
	}
	status.State = chain.TxPending
	if status.Confirmations >= a.confirmations {
		status.State = chain.TxConfirmed
	}
	return status, nil
}

func parseAddress(value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, chain.NewError(chain.CodeInvalidAddress, chain.KindEthereum, "invalid address %q", value)
	}
	return common.HexToAddress(value), nil
}

func decodeTx(payload []byte) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(payload); err != nil {
		return nil, chain.WrapError(chain.CodeInvalidTransaction, chain.KindEthereum, err, "decode transaction")
	}
	return tx, nil
}

var _ chain.Adapter = (*Adapter)(nil)

func (a *Adapter) String() string {
	return fmt.Sprintf("ethereum/%s", a.network)
}
