// Package approval verifies owner signatures over APPROVAL-tier
// transactions.
package approval

import (
	"fmt"
	"strings"
	"time"

	"AgentVault/internal/chain"
	"AgentVault/internal/txn"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	sol "github.com/gagliardetto/solana-go"
)

// Message is the canonical text an owner signs to approve tx.
func Message(tx *txn.Transaction, deadline time.Time) string {
	var b strings.Builder
	b.WriteString("AgentVault transaction approval\n")
	fmt.Fprintf(&b, "Transaction: %s\n", tx.ID)
	fmt.Fprintf(&b, "Wallet: %s\n", tx.WalletID)
	fmt.Fprintf(&b, "Network: %s\n", tx.Network)
	fmt.Fprintf(&b, "Type: %s\n", tx.Type)
	fmt.Fprintf(&b, "Amount: %s\n", tx.Amount)
	fmt.Fprintf(&b, "To: %s\n", tx.To)
	fmt.Fprintf(&b, "Deadline: %s", deadline.UTC().Format(time.RFC3339))
	return b.String()
}

// Verifier checks an owner's out-of-band signature.
type Verifier interface {
	Verify(kind chain.Kind, owner, message, signature string) (bool, string)
}

// SignatureVerifier dispatches on the wallet's chain: personal_sign recovery
// for EVM owners, ed25519 for Solana owners.
type SignatureVerifier struct{}

// NewVerifier returns the chain-aware verifier.
func NewVerifier() SignatureVerifier { return SignatureVerifier{} }

func (SignatureVerifier) Verify(kind chain.Kind, owner, message, signature string) (bool, string) {
	if strings.TrimSpace(owner) == "" {
		return false, "wallet has no owner address"
	}
	switch kind {
	case chain.KindEthereum:
		return verifyPersonalSign(owner, message, signature)
	case chain.KindSolana:
		return verifyEd25519(owner, message, signature)
	default:
		return false, fmt.Sprintf("unsupported chain %q", kind)
	}
}

func verifyPersonalSign(owner, message, signature string) (bool, string) {
	if !common.IsHexAddress(owner) {
		return false, "owner address is not an EVM address"
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return false, "signature is not hex"
	}
	if len(sig) != crypto.SignatureLength {
		return false, fmt.Sprintf("signature has %d bytes", len(sig))
	}
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return false, "signature recovery failed"
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(owner) {
		return false, "signature was not made by the owner"
	}
	return true, ""
}

func verifyEd25519(owner, message, signature string) (bool, string) {
	pub, err := sol.PublicKeyFromBase58(owner)
	if err != nil {
		return false, "owner address is not a Solana public key"
	}
	sig, err := sol.SignatureFromBase58(signature)
	if err != nil {
		return false, "signature is not base58"
	}
	if !sig.Verify(pub, []byte(message)) {
		return false, "signature was not made by the owner"
	}
	return true, ""
}
