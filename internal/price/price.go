// Package price resolves USD prices for chain assets.
package price

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"

	"github.com/shopspring/decimal"
)

// CodeUnavailable means no oracle and no usable cache entry had a price.
const CodeUnavailable xerrors.Code = "PRICE_UNAVAILABLE"

func init() {
	xerrors.Register(CodeUnavailable, xerrors.Attributes{
		Message:   "price unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Asset identifies a priced asset. An empty Address is the chain's native coin.
type Asset struct {
	Chain   chain.Kind
	Address string
	Symbol  string
}

// Native returns the native asset of kind.
func Native(kind chain.Kind) Asset {
	return Asset{Chain: kind}
}

// Token returns the token asset at address on kind.
func Token(kind chain.Kind, address string) Asset {
	return Asset{Chain: kind, Address: address}
}

// IsNative reports whether the asset is the native coin.
func (a Asset) IsNative() bool { return a.Address == "" }

// Key is the cache and configuration key of the asset.
func (a Asset) Key() string {
	if a.IsNative() {
		return a.Chain.NativeAsset()
	}
	if a.Chain == chain.KindEthereum {
		return a.Chain.TokenAsset(strings.ToLower(a.Address))
	}
	return a.Chain.TokenAsset(a.Address)
}

// Info is a price quote. It lives only in caches.
type Info struct {
	USD        decimal.Decimal `json:"usd"`
	Source     string          `json:"source"`
	Confidence decimal.Decimal `json:"confidence"`
	FetchedAt  time.Time       `json:"fetched_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Stale      bool            `json:"stale"`
}

// Oracle is one upstream price source.
type Oracle interface {
	Name() string
	Price(ctx context.Context, asset Asset) (*Info, error)
}

// ToUSD converts base units with decimals into USD at the quoted price.
func ToUSD(amount *big.Int, decimals int32, usd decimal.Decimal) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -decimals).Mul(usd)
}

func unavailable(asset Asset, cause error) error {
	msg := fmt.Sprintf("no price for %s", asset.Key())
	if cause == nil {
		return xerrors.New(CodeUnavailable, msg)
	}
	return xerrors.Wrap(CodeUnavailable, cause, msg)
}
