package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/price"
	"AgentVault/internal/txn"
	"AgentVault/internal/wallet"
	"AgentVault/pkg/logger"

	"github.com/shopspring/decimal"
)

// PriceSource converts base units into USD.
type PriceSource interface {
	USDValue(ctx context.Context, asset price.Asset, amount *big.Int, decimals int32) (decimal.Decimal, *price.Info, error)
}

// Evaluation is the engine's verdict. DelaySeconds is set only for DELAY and
// Reason only when the transaction is denied.
type Evaluation struct {
	Tier         txn.Tier
	Allowed      bool
	Reason       string
	DelaySeconds int
	SpendNative  *big.Int
	SpendUSD     decimal.Decimal
	// Unpriced is true when any amount was charged at the fallback value.
	Unpriced bool
}

// Err returns the denial as an error, or nil when allowed.
func (e *Evaluation) Err() error {
	if e == nil || e.Allowed {
		return nil
	}
	return xerrors.New(CodeDenied, e.Reason)
}

// Engine resolves the effective rules for a transaction, assigns its tier
// and reserves its spend against the wallet's window.
type Engine struct {
	store    Store
	prices   PriceSource
	txs      txn.Store
	defaults Defaults
	now      func() time.Time
	logger   *slog.Logger
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine wires an engine. prices may be nil when no rule is USD based.
func NewEngine(store Store, prices PriceSource, txs txn.Store, defaults Defaults, opts ...EngineOption) *Engine {
	defaults.normalize()
	e := &Engine{
		store:    store,
		prices:   prices,
		txs:      txs,
		defaults: defaults,
		now:      time.Now,
		logger:   logger.Named("policy"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ruleSet is the effective rules for one (wallet, network).
type ruleSet struct {
	spending *SpendingLimitRules
	approve  *ApproveLimitRules
	lists    map[Type]ListRules
	sources  map[Type]string
}

func (r *ruleSet) list(t Type) ListRules { return r.lists[t] }

// rules resolves the effective rule of every type for the wallet on network.
func (e *Engine) rules(ctx context.Context, w *wallet.Wallet, network string, txType txn.Type) (*ruleSet, error) {
	set := &ruleSet{lists: make(map[Type]ListRules), sources: make(map[Type]string)}
	for _, t := range Types() {
		candidates, err := e.store.Candidates(ctx, w.ID, network, t)
		if err != nil {
			return nil, err
		}
		p, ok := Resolve(candidates, t, w.ID, network, txType)
		if ok {
			set.sources[t] = p.ID
		} else {
			set.sources[t] = "default"
		}
		switch t {
		case TypeSpendingLimit:
			if ok {
				r, valid := p.Rules.(*SpendingLimitRules)
				if !valid || r == nil {
					return nil, mismatched(p)
				}
				set.spending = r
			} else {
				rules := e.defaults.Spending
				set.spending = &rules
			}
		case TypeApproveAmountLimit:
			if ok {
				r, valid := p.Rules.(*ApproveLimitRules)
				if !valid || r == nil {
					return nil, mismatched(p)
				}
				set.approve = r
			} else {
				rules := e.defaults.ApproveLimit
				set.approve = &rules
			}
		default:
			if ok {
				r, valid := p.Rules.(ListRules)
				if !valid || r.kind != t {
					return nil, mismatched(p)
				}
				set.lists[t] = r
			} else {
				set.lists[t] = e.defaults.list(t, w.Networks())
			}
		}
	}
	return set, nil
}

// stepValue is what one instruction spends and the tier floor it carries.
type stepValue struct {
	native   *big.Int
	usd      decimal.Decimal
	floor    txn.Tier
	unpriced bool
}

// Evaluate runs policy for a PENDING transaction. Denials are reported in
// the evaluation, not as errors; errors mean the verdict could not be
// reached. An allowed transaction leaves with its spend reserved.
func (e *Engine) Evaluate(ctx context.Context, w *wallet.Wallet, tx *txn.Transaction) (*Evaluation, error) {
	rules, err := e.rules(ctx, w, tx.Network, tx.Type)
	if err != nil {
		return nil, err
	}
	log := logger.Tx(e.logger, tx.ID, tx.WalletID)

	if !rules.list(TypeAllowedNetworks).Allows(w.Chain, tx.Network) {
		return deny(fmt.Sprintf("network %s is not allowed for wallet %s", tx.Network, w.ID)), nil
	}

	steps := tx.Request.Steps()
	for idx, step := range steps {
		if reason := e.checkDomain(w, rules, step); reason != "" {
			if tx.Type == txn.TypeBatch {
				reason = fmt.Sprintf("instruction %d: %s", idx, reason)
			}
			return deny(reason), nil
		}
	}

	spending := rules.spending
	values := make([]stepValue, len(steps))
	for idx, step := range steps {
		values[idx] = e.value(ctx, w, spending, rules.approve, step)
	}

	// Every instruction is tiered on its own first. The aggregate pass can
	// only raise the result.
	individual := txn.TierInstant
	total := stepValue{native: new(big.Int), usd: decimal.Zero}
	for _, v := range values {
		individual = txn.MaxTier(individual, v.floor, spending.Tier(v.native, v.usd))
		total.native.Add(total.native, v.native)
		total.usd = total.usd.Add(v.usd)
		total.unpriced = total.unpriced || v.unpriced
	}

	eval := &Evaluation{
		Allowed:     true,
		SpendNative: total.native,
		SpendUSD:    total.usd,
		Unpriced:    total.unpriced,
	}
	if total.native.Sign() == 0 && total.usd.IsZero() {
		eval.Tier = individual
	} else {
		window := spending.WindowSeconds
		if window <= 0 {
			window = e.defaults.Spending.WindowSeconds
		}
		since := e.now().Add(-time.Duration(window) * time.Second)

		var denial string
		aggregate := individual
		_, err := e.txs.ReserveSpending(ctx, tx.ID, since, func(usage txn.WindowUsage) (*txn.Hold, error) {
			native := new(big.Int).Add(usage.Native, total.native)
			usd := usage.USD.Add(total.usd)
			if reason := spending.ExceedsCap(native, usd); reason != "" {
				denial = reason
				return nil, nil
			}
			aggregate = txn.MaxTier(individual, spending.Tier(native, usd))
			return &txn.Hold{Native: total.native, USD: total.usd}, nil
		})
		if err != nil {
			return nil, err
		}
		if denial != "" {
			return deny(denial), nil
		}
		eval.Tier = aggregate
	}

	if eval.Tier == txn.TierDelay {
		eval.DelaySeconds = spending.DelaySeconds
		if eval.DelaySeconds <= 0 {
			eval.DelaySeconds = e.defaults.Spending.DelaySeconds
		}
	}
	log.Info("policy evaluated",
		slog.String("tier", string(eval.Tier)),
		slog.String("spend_native", eval.SpendNative.String()),
		slog.String("spend_usd", eval.SpendUSD.StringFixed(2)),
		slog.Bool("unpriced", eval.Unpriced),
		slog.String("spending_policy", rules.sources[TypeSpendingLimit]),
	)
	return eval, nil
}

func deny(reason string) *Evaluation {
	return &Evaluation{Tier: txn.TierApproval, Allowed: false, Reason: reason, SpendNative: new(big.Int)}
}

// checkDomain applies the allow-lists to one instruction.
func (e *Engine) checkDomain(w *wallet.Wallet, rules *ruleSet, step txn.Instruction) string {
	kind := w.Chain
	switch step.Type {
	case txn.TypeTransfer:
		if !rules.list(TypeWhitelist).Allows(kind, step.To) {
			return fmt.Sprintf("destination %s is not whitelisted", step.To)
		}
	case txn.TypeTokenTransfer:
		if !rules.list(TypeAllowedTokens).Allows(kind, step.Token.Address) {
			return fmt.Sprintf("token %s is not allowed", step.Token.Address)
		}
		if !rules.list(TypeWhitelist).Allows(kind, step.To) {
			return fmt.Sprintf("destination %s is not whitelisted", step.To)
		}
	case txn.TypeContractCall:
		if !rules.list(TypeContractWhitelist).Allows(kind, step.To) {
			return fmt.Sprintf("contract %s is not whitelisted", step.To)
		}
		if method := step.MethodID(); !rules.list(TypeMethodWhitelist).Allows(kind, method) {
			return fmt.Sprintf("method %q is not whitelisted", method)
		}
	case txn.TypeApprove:
		if !rules.list(TypeAllowedTokens).Allows(kind, step.Token.Address) {
			return fmt.Sprintf("token %s is not allowed", step.Token.Address)
		}
		if !rules.list(TypeApprovedSpenders).Allows(kind, step.Spender) {
			return fmt.Sprintf("spender %s is not approved", step.Spender)
		}
		amount, _ := txn.ParseAmount(step.ApproveAmount)
		if amount == nil {
			return fmt.Sprintf("approve amount %q is invalid", step.ApproveAmount)
		}
		if reason := rules.approve.Check(amount); reason != "" {
			return reason
		}
	default:
		return fmt.Sprintf("instruction type %s is not supported", step.Type)
	}
	return ""
}

// value prices one instruction. Amounts that cannot be priced are charged
// at the fallback so they land in a stricter tier.
func (e *Engine) value(ctx context.Context, w *wallet.Wallet, spending *SpendingLimitRules, approve *ApproveLimitRules, step txn.Instruction) stepValue {
	v := stepValue{native: step.NativeAmount(), usd: decimal.Zero, floor: txn.TierInstant}
	needsUSD := spending.NeedsUSD()

	if step.Type == txn.TypeApprove {
		if approve.Tier != "" {
			v.floor = approve.Tier
		}
		return v
	}
	if v.native.Sign() > 0 && needsUSD {
		v.usd, v.unpriced = e.usd(ctx, price.Native(w.Chain), v.native, w.Chain.NativeDecimals())
	}
	if step.Type == txn.TypeTokenTransfer {
		amount := step.TokenAmount()
		if amount.Sign() == 0 {
			return v
		}
		if !spending.HasUSD() {
			v.floor = e.tokenTier(spending)
		}
		if needsUSD {
			usd, unpriced := e.usd(ctx, price.Token(w.Chain, step.Token.Address), amount, int32(step.Token.Decimals))
			v.usd = v.usd.Add(usd)
			v.unpriced = v.unpriced || unpriced
		}
	}
	return v
}

func (e *Engine) tokenTier(spending *SpendingLimitRules) txn.Tier {
	if spending.TokenTier != "" {
		return spending.TokenTier
	}
	return e.defaults.Spending.TokenTier
}

func (e *Engine) usd(ctx context.Context, asset price.Asset, amount *big.Int, decimals int32) (decimal.Decimal, bool) {
	if e.prices == nil {
		return e.defaults.UnpricedUSD, true
	}
	usd, info, err := e.prices.USDValue(ctx, asset, amount, decimals)
	if err != nil {
		e.logger.Warn("price unavailable, charging fallback",
			slog.String("asset", asset.Key()),
			slog.String("fallback_usd", e.defaults.UnpricedUSD.String()),
			slog.Any("error", err),
		)
		return e.defaults.UnpricedUSD, true
	}
	if info != nil && info.Stale {
		e.logger.Warn("using stale price", slog.String("asset", asset.Key()), slog.Time("fetched_at", info.FetchedAt))
	}
	return usd, false
}
