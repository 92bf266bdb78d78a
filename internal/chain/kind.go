package chain

// Kind names a supported chain family.
type Kind string

const (
	KindEthereum Kind = "ethereum"
	KindSolana   Kind = "solana"
)

// Valid reports whether k is supported.
func (k Kind) Valid() bool {
	return k == KindEthereum || k == KindSolana
}

// NativeDecimals is the number of decimals of the chain's native unit.
func (k Kind) NativeDecimals() int32 {
	switch k {
	case KindSolana:
		return 9
	default:
		return 18
	}
}

// NativeSymbol is the ticker of the native coin.
func (k Kind) NativeSymbol() string {
	switch k {
	case KindSolana:
		return "SOL"
	default:
		return "ETH"
	}
}

// NativeAsset is the price-resolver key of the native coin.
func (k Kind) NativeAsset() string {
	return string(k) + ":native"
}

// TokenAsset is the price-resolver key of a token on this chain.
func (k Kind) TokenAsset(address string) string {
	return string(k) + ":" + address
}
