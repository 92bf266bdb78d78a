package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"AgentVault/internal/chain"
	"AgentVault/internal/txn"

	"github.com/shopspring/decimal"
)

// Type names a policy kind. Each kind has its own rule struct.
type Type string

const (
	TypeSpendingLimit      Type = "SPENDING_LIMIT"
	TypeWhitelist          Type = "WHITELIST"
	TypeAllowedTokens      Type = "ALLOWED_TOKENS"
	TypeAllowedNetworks    Type = "ALLOWED_NETWORKS"
	TypeContractWhitelist  Type = "CONTRACT_WHITELIST"
	TypeMethodWhitelist    Type = "METHOD_WHITELIST"
	TypeApprovedSpenders   Type = "APPROVED_SPENDERS"
	TypeApproveAmountLimit Type = "APPROVE_AMOUNT_LIMIT"
)

// Types lists every policy kind in evaluation order.
func Types() []Type {
	return []Type{
		TypeSpendingLimit, TypeAllowedNetworks, TypeWhitelist, TypeAllowedTokens,
		TypeContractWhitelist, TypeMethodWhitelist, TypeApprovedSpenders, TypeApproveAmountLimit,
	}
}

// Valid reports whether t is a known kind.
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// Rules is the typed payload of a policy: *SpendingLimitRules,
// *ApproveLimitRules or ListRules.
type Rules interface {
	Type() Type
}

var (
	_ Rules = (*SpendingLimitRules)(nil)
	_ Rules = (*ApproveLimitRules)(nil)
	_ Rules = ListRules{}
)

// SpendingLimitRules maps a window total onto a tier. Native thresholds are
// base units; USD thresholds are dollars. A nil threshold is not checked.
type SpendingLimitRules struct {
	InstantMax      *big.Int
	NotifyMax       *big.Int
	DelayMax        *big.Int
	InstantMaxUSD   *decimal.Decimal
	NotifyMaxUSD    *decimal.Decimal
	DelayMaxUSD     *decimal.Decimal
	MaxWindowAmount *big.Int
	MaxWindowUSD    *decimal.Decimal
	WindowSeconds   int
	DelaySeconds    int
	TokenTier       txn.Tier
}

func (*SpendingLimitRules) Type() Type { return TypeSpendingLimit }

// HasNative reports whether any native tier threshold is set.
func (r *SpendingLimitRules) HasNative() bool {
	return r.InstantMax != nil || r.NotifyMax != nil || r.DelayMax != nil
}

// HasUSD reports whether any USD tier threshold is set.
func (r *SpendingLimitRules) HasUSD() bool {
	return r.InstantMaxUSD != nil || r.NotifyMaxUSD != nil || r.DelayMaxUSD != nil
}

// NeedsUSD reports whether evaluating the rule requires prices.
func (r *SpendingLimitRules) NeedsUSD() bool {
	return r.HasUSD() || r.MaxWindowUSD != nil
}

// Tier buckets a native amount and a USD amount; the stricter bucket wins.
func (r *SpendingLimitRules) Tier(native *big.Int, usd decimal.Decimal) txn.Tier {
	tier := txn.TierInstant
	if r.HasNative() {
		tier = txn.MaxTier(tier, bucket([]*big.Int{r.InstantMax, r.NotifyMax, r.DelayMax},
			func(limit *big.Int) bool { return native.Cmp(limit) <= 0 }))
	}
	if r.HasUSD() {
		tier = txn.MaxTier(tier, bucket([]*decimal.Decimal{r.InstantMaxUSD, r.NotifyMaxUSD, r.DelayMaxUSD},
			func(limit *decimal.Decimal) bool { return usd.LessThanOrEqual(*limit) }))
	}
	return tier
}

var bucketTiers = [...]txn.Tier{txn.TierInstant, txn.TierNotify, txn.TierDelay}

// bucket returns the first tier whose limit is set and not exceeded. Limits
// are ordered INSTANT, NOTIFY, DELAY; past all of them is APPROVAL.
func bucket[T any](limits []*T, within func(*T) bool) txn.Tier {
	for i, limit := range limits {
		if limit != nil && within(limit) {
			return bucketTiers[i]
		}
	}
	return txn.TierApproval
}

// ExceedsCap returns a denial reason when the window totals pass a hard cap.
func (r *SpendingLimitRules) ExceedsCap(native *big.Int, usd decimal.Decimal) string {
	if r.MaxWindowAmount != nil && native.Cmp(r.MaxWindowAmount) > 0 {
		return fmt.Sprintf("window spend %s exceeds cap %s", native, r.MaxWindowAmount)
	}
	if r.MaxWindowUSD != nil && usd.GreaterThan(*r.MaxWindowUSD) {
		return fmt.Sprintf("window spend %s USD exceeds cap %s USD", usd.StringFixed(2), r.MaxWindowUSD.StringFixed(2))
	}
	return ""
}

// ListRules is an allow-list. AllowAll opts the list out of checking.
type ListRules struct {
	kind     Type
	AllowAll bool
	Values   []string
}

func (r ListRules) Type() Type { return r.kind }

// Allows reports whether value is on the list. EVM addresses compare
// case-insensitively.
func (r ListRules) Allows(kind chain.Kind, value string) bool {
	if r.AllowAll {
		return true
	}
	for _, v := range r.Values {
		if v == value || (kind == chain.KindEthereum && strings.EqualFold(v, value)) {
			return true
		}
	}
	return false
}

// ApproveLimitRules bounds token allowances.
type ApproveLimitRules struct {
	MaxAmount      *big.Int
	BlockUnlimited bool
	Tier           txn.Tier
}

func (*ApproveLimitRules) Type() Type { return TypeApproveAmountLimit }

// unlimitedThreshold is where allowances count as unlimited (2^255).
var unlimitedThreshold = new(big.Int).Lsh(big.NewInt(1), 255)

// Check returns a denial reason for amount, or "".
func (r *ApproveLimitRules) Check(amount *big.Int) string {
	if r.BlockUnlimited && amount.Cmp(unlimitedThreshold) >= 0 {
		return "unlimited token approvals are blocked"
	}
	if r.MaxAmount != nil && amount.Cmp(r.MaxAmount) > 0 {
		return fmt.Sprintf("approval of %s exceeds limit %s", amount, r.MaxAmount)
	}
	return ""
}

// listField is the payload key of each allow-list kind.
var listField = map[Type]string{
	TypeWhitelist:         "addresses",
	TypeAllowedTokens:     "tokens",
	TypeAllowedNetworks:   "networks",
	TypeContractWhitelist: "contracts",
	TypeMethodWhitelist:   "methods",
	TypeApprovedSpenders:  "spenders",
}

// flexString accepts JSON strings and bare numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

type spendingPayload struct {
	InstantMax      flexString `json:"instant_max"`
	NotifyMax       flexString `json:"notify_max"`
	DelayMax        flexString `json:"delay_max"`
	InstantMaxUSD   flexString `json:"instant_max_usd"`
	NotifyMaxUSD    flexString `json:"notify_max_usd"`
	DelayMaxUSD     flexString `json:"delay_max_usd"`
	MaxWindowAmount flexString `json:"max_window_amount"`
	MaxWindowUSD    flexString `json:"max_window_usd"`
	WindowSeconds   int        `json:"window_seconds"`
	DelaySeconds    int        `json:"delay_seconds"`
	TokenTier       string     `json:"token_tier"`
}

type approvePayload struct {
	MaxAmount      flexString `json:"max_amount"`
	BlockUnlimited *bool      `json:"block_unlimited"`
	Tier           string     `json:"tier"`
}

// ParseRules decodes the JSON payload of a policy of type t. Unknown keys
// and malformed amounts are rejected.
func ParseRules(t Type, payload []byte) (Rules, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	}
	switch t {
	case TypeSpendingLimit:
		var p spendingPayload
		if err := strictDecode(payload, &p); err != nil {
			return nil, err
		}
		return p.rules()
	case TypeApproveAmountLimit:
		var p approvePayload
		if err := strictDecode(payload, &p); err != nil {
			return nil, err
		}
		return p.rules()
	}
	field, ok := listField[t]
	if !ok {
		return nil, fmt.Errorf("unknown policy type %q", t)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%s rules: %w", t, err)
	}
	rules := ListRules{kind: t}
	for key, value := range raw {
		var err error
		switch key {
		case field:
			err = json.Unmarshal(value, &rules.Values)
		case "allow_all":
			err = json.Unmarshal(value, &rules.AllowAll)
		default:
			err = fmt.Errorf("unknown key %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("%s rules: %w", t, err)
		}
	}
	for i, v := range rules.Values {
		rules.Values[i] = strings.TrimSpace(v)
		if rules.Values[i] == "" {
			return nil, fmt.Errorf("%s rules: empty %s entry", t, field)
		}
	}
	return rules, nil
}

func strictDecode(payload []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func (p spendingPayload) rules() (*SpendingLimitRules, error) {
	r := &SpendingLimitRules{WindowSeconds: p.WindowSeconds, DelaySeconds: p.DelaySeconds}
	var err error
	for _, f := range []struct {
		name string
		raw  flexString
		dst  **big.Int
	}{
		{"instant_max", p.InstantMax, &r.InstantMax},
		{"notify_max", p.NotifyMax, &r.NotifyMax},
		{"delay_max", p.DelayMax, &r.DelayMax},
		{"max_window_amount", p.MaxWindowAmount, &r.MaxWindowAmount},
	} {
		if *f.dst, err = parseAmount(f.name, string(f.raw)); err != nil {
			return nil, err
		}
	}
	for _, f := range []struct {
		name string
		raw  flexString
		dst  **decimal.Decimal
	}{
		{"instant_max_usd", p.InstantMaxUSD, &r.InstantMaxUSD},
		{"notify_max_usd", p.NotifyMaxUSD, &r.NotifyMaxUSD},
		{"delay_max_usd", p.DelayMaxUSD, &r.DelayMaxUSD},
		{"max_window_usd", p.MaxWindowUSD, &r.MaxWindowUSD},
	} {
		if *f.dst, err = parseUSD(f.name, string(f.raw)); err != nil {
			return nil, err
		}
	}
	if r.WindowSeconds < 0 || r.DelaySeconds < 0 {
		return nil, fmt.Errorf("spending limit: negative duration")
	}
	if p.TokenTier != "" {
		r.TokenTier = txn.Tier(strings.ToUpper(p.TokenTier))
		if !r.TokenTier.Valid() {
			return nil, fmt.Errorf("spending limit: unknown token_tier %q", p.TokenTier)
		}
	}
	return r, nil
}

func (p approvePayload) rules() (*ApproveLimitRules, error) {
	r := &ApproveLimitRules{BlockUnlimited: true}
	if p.BlockUnlimited != nil {
		r.BlockUnlimited = *p.BlockUnlimited
	}
	var err error
	if r.MaxAmount, err = parseAmount("max_amount", string(p.MaxAmount)); err != nil {
		return nil, err
	}
	if p.Tier != "" {
		r.Tier = txn.Tier(strings.ToUpper(p.Tier))
		if !r.Tier.Valid() {
			return nil, fmt.Errorf("approve limit: unknown tier %q", p.Tier)
		}
	}
	return r, nil
}

func parseAmount(name, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, ok := txn.ParseAmount(raw)
	if !ok {
		return nil, fmt.Errorf("%s: %q is not a base-unit integer", name, raw)
	}
	return v, nil
}

func parseUSD(name, raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return nil, fmt.Errorf("%s: %q is not a non-negative USD amount", name, raw)
	}
	return &d, nil
}

// MarshalRules encodes rules in the payload format ParseRules reads.
func MarshalRules(r Rules) ([]byte, error) {
	switch v := r.(type) {
	case *SpendingLimitRules:
		p := map[string]any{}
		putAmount(p, "instant_max", v.InstantMax)
		putAmount(p, "notify_max", v.NotifyMax)
		putAmount(p, "delay_max", v.DelayMax)
		putAmount(p, "max_window_amount", v.MaxWindowAmount)
		putUSD(p, "instant_max_usd", v.InstantMaxUSD)
		putUSD(p, "notify_max_usd", v.NotifyMaxUSD)
		putUSD(p, "delay_max_usd", v.DelayMaxUSD)
		putUSD(p, "max_window_usd", v.MaxWindowUSD)
		if v.WindowSeconds > 0 {
			p["window_seconds"] = v.WindowSeconds
		}
		if v.DelaySeconds > 0 {
			p["delay_seconds"] = v.DelaySeconds
		}
		if v.TokenTier != "" {
			p["token_tier"] = v.TokenTier
		}
		return json.Marshal(p)
	case *ApproveLimitRules:
		p := map[string]any{"block_unlimited": v.BlockUnlimited}
		putAmount(p, "max_amount", v.MaxAmount)
		if v.Tier != "" {
			p["tier"] = v.Tier
		}
		return json.Marshal(p)
	case ListRules:
		field, ok := listField[v.kind]
		if !ok {
			return nil, fmt.Errorf("unknown list policy type %q", v.kind)
		}
		values := v.Values
		if values == nil {
			values = []string{}
		}
		return json.Marshal(map[string]any{field: values, "allow_all": v.AllowAll})
	}
	return nil, fmt.Errorf("unsupported rules %T", r)
}

// NewListRules builds allow-list rules of type t.
func NewListRules(t Type, allowAll bool, values ...string) (ListRules, error) {
	if _, ok := listField[t]; !ok {
		return ListRules{}, fmt.Errorf("%s is not an allow-list policy", t)
	}
	return ListRules{kind: t, AllowAll: allowAll, Values: values}, nil
}

func putAmount(p map[string]any, key string, v *big.Int) {
	if v != nil {
		p[key] = v.String()
	}
}

func putUSD(p map[string]any, key string, v *decimal.Decimal) {
	if v != nil {
		p[key] = v.String()
	}
}
