package policy

import (
	"fmt"
	"strings"

	"AgentVault/internal/config"
	"AgentVault/internal/txn"

	"github.com/shopspring/decimal"
)

// Defaults stand in when no policy of a type resolves at any scope.
type Defaults struct {
	Spending     SpendingLimitRules
	ApproveLimit ApproveLimitRules
	// UnpricedUSD is charged for any amount whose price cannot be resolved.
	UnpricedUSD decimal.Decimal

	AllowAllDestinations bool
	AllowAllTokens       bool
	AllowAllContracts    bool
	AllowAllMethods      bool
	AllowAllSpenders     bool
}

const (
	defaultWindowSeconds = 86400
	defaultDelaySeconds  = 300
)

// DefaultsFromConfig parses the configured fallbacks.
func DefaultsFromConfig(cfg config.PolicyDefaults) (Defaults, error) {
	spending, err := spendingPayload{
		InstantMax:    flexString(cfg.InstantMax),
		NotifyMax:     flexString(cfg.NotifyMax),
		DelayMax:      flexString(cfg.DelayMax),
		InstantMaxUSD: flexString(cfg.InstantMaxUSD),
		NotifyMaxUSD:  flexString(cfg.NotifyMaxUSD),
		DelayMaxUSD:   flexString(cfg.DelayMaxUSD),
		WindowSeconds: cfg.WindowSeconds,
		DelaySeconds:  cfg.DelaySeconds,
		TokenTier:     cfg.TokenTier,
	}.rules()
	if err != nil {
		return Defaults{}, fmt.Errorf("policy defaults: %w", err)
	}
	d := Defaults{
		Spending:             *spending,
		ApproveLimit:         ApproveLimitRules{BlockUnlimited: true, Tier: txn.TierNotify},
		AllowAllDestinations: cfg.AllowAllDestinations,
		AllowAllTokens:       cfg.AllowAllTokens,
		AllowAllContracts:    cfg.AllowAllContracts,
		AllowAllMethods:      cfg.AllowAllMethods,
		AllowAllSpenders:     cfg.AllowAllSpenders,
	}
	fallback := strings.TrimSpace(cfg.UnpricedUSDFallback)
	if fallback == "" {
		fallback = "1000000000"
	}
	if d.UnpricedUSD, err = decimal.NewFromString(fallback); err != nil || !d.UnpricedUSD.IsPositive() {
		return Defaults{}, fmt.Errorf("policy defaults: unpriced_usd_fallback %q must be a positive number", cfg.UnpricedUSDFallback)
	}
	d.normalize()
	return d, nil
}

func (d *Defaults) normalize() {
	if d.Spending.WindowSeconds <= 0 {
		d.Spending.WindowSeconds = defaultWindowSeconds
	}
	if d.Spending.DelaySeconds <= 0 {
		d.Spending.DelaySeconds = defaultDelaySeconds
	}
	if d.Spending.TokenTier == "" {
		d.Spending.TokenTier = txn.TierApproval
	}
	if !d.UnpricedUSD.IsPositive() {
		d.UnpricedUSD = decimal.NewFromInt(1_000_000_000)
	}
}

// list returns the fallback allow-list for t.
func (d *Defaults) list(t Type, networks []string) ListRules {
	r := ListRules{kind: t}
	switch t {
	case TypeWhitelist:
		r.AllowAll = d.AllowAllDestinations
	case TypeAllowedTokens:
		r.AllowAll = d.AllowAllTokens
	case TypeContractWhitelist:
		r.AllowAll = d.AllowAllContracts
	case TypeMethodWhitelist:
		r.AllowAll = d.AllowAllMethods
	case TypeApprovedSpenders:
		r.AllowAll = d.AllowAllSpenders
	case TypeAllowedNetworks:
		r.Values = append([]string(nil), networks...)
	}
	return r
}
