package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/txn"
)

const (
	CodeDenied  xerrors.Code = "POLICY_DENIED"
	CodeInvalid xerrors.Code = "POLICY_INVALID"
)

func init() {
	xerrors.Register(CodeDenied, xerrors.Attributes{
		Message:  "transaction denied by policy",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalid, xerrors.Attributes{
		Message:  "policy rules are invalid",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Policy is one rule set. An empty WalletID applies to every wallet and an
// empty Network to every network. TxType narrows a wallet+network policy to
// one transaction type.
type Policy struct {
	ID       string
	WalletID string
	Network  string
	TxType   txn.Type
	Type     Type
	Priority int
	Enabled  bool
	Rules    Rules
}

// Scope ranks how specific a policy is; lower is more specific.
type Scope int

const (
	ScopeTxType Scope = iota
	ScopeWalletNetwork
	ScopeWallet
	ScopeNetwork
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeTxType:
		return "tx_type+wallet+network"
	case ScopeWalletNetwork:
		return "wallet+network"
	case ScopeWallet:
		return "wallet"
	case ScopeNetwork:
		return "network"
	default:
		return "global"
	}
}

// Scope reports the precedence level of p.
func (p *Policy) Scope() Scope {
	switch {
	case p.TxType != "":
		return ScopeTxType
	case p.WalletID != "" && p.Network != "":
		return ScopeWalletNetwork
	case p.WalletID != "":
		return ScopeWallet
	case p.Network != "":
		return ScopeNetwork
	default:
		return ScopeGlobal
	}
}

// Applies reports whether p covers walletID on network.
func (p *Policy) Applies(walletID, network string) bool {
	if !p.Enabled {
		return false
	}
	if p.WalletID != "" && p.WalletID != walletID {
		return false
	}
	return p.Network == "" || p.Network == network
}

// Validate checks the identity fields and that the rules match the type.
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return xerrors.New(CodeInvalid, "policy id is required")
	}
	if !p.Type.Valid() {
		return xerrors.New(CodeInvalid, fmt.Sprintf("policy %s has unknown type %q", p.ID, p.Type))
	}
	if p.TxType != "" {
		if !p.TxType.Valid() {
			return xerrors.New(CodeInvalid, fmt.Sprintf("policy %s has unknown transaction type %q", p.ID, p.TxType))
		}
		if p.WalletID == "" || p.Network == "" {
			return xerrors.New(CodeInvalid, fmt.Sprintf("policy %s: tx_type requires wallet_id and network", p.ID))
		}
	}
	if !rulesMatch(p.Type, p.Rules) {
		return mismatched(p)
	}
	return nil
}

// rulesMatch accepts only the concrete rule type each kind parses into.
func rulesMatch(t Type, r Rules) bool {
	switch v := r.(type) {
	case *SpendingLimitRules:
		return v != nil && t == TypeSpendingLimit
	case *ApproveLimitRules:
		return v != nil && t == TypeApproveAmountLimit
	case ListRules:
		return v.kind == t
	}
	return false
}

func mismatched(p *Policy) error {
	return xerrors.New(CodeInvalid, fmt.Sprintf("policy %s rules %T do not match type %s", p.ID, p.Rules, p.Type))
}

// Resolve picks the effective policy for a txType transaction from walletID
// on network. Candidates of other kinds are ignored. Ties inside a scope go
// to the higher priority, then to the lower id, so the result never depends
// on input order.
func Resolve(candidates []Policy, t Type, walletID, network string, txType txn.Type) (*Policy, bool) {
	var best *Policy
	for i := range candidates {
		p := &candidates[i]
		if p.Type != t || !p.Applies(walletID, network) {
			continue
		}
		if p.TxType != "" && p.TxType != txType {
			continue
		}
		if best == nil || outranks(p, best) {
			best = p
		}
	}
	if best == nil {
		return nil, false
	}
	out := *best
	return &out, true
}

func outranks(a, b *Policy) bool {
	if a.Scope() != b.Scope() {
		return a.Scope() < b.Scope()
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}

// Store serves candidate policies.
type Store interface {
	// Candidates returns every enabled policy of type t that could apply to
	// walletID on network.
	Candidates(ctx context.Context, walletID, network string, t Type) ([]Policy, error)
	Put(ctx context.Context, p Policy) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// sortPolicies orders policies by precedence for listings.
func sortPolicies(policies []Policy) {
	sort.SliceStable(policies, func(i, j int) bool {
		return outranks(&policies[i], &policies[j])
	})
}
