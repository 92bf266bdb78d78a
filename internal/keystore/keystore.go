// Package keystore hands out short-lived signing material for custodied
// wallets.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/wallet"

	"github.com/ethereum/go-ethereum/crypto"
	sol "github.com/gagliardetto/solana-go"
)

// Scheme is the signature algorithm of a key.
type Scheme string

const (
	SchemeSecp256k1 Scheme = "secp256k1"
	SchemeEd25519   Scheme = "ed25519"
)

// SchemeFor returns the scheme a chain signs with.
func SchemeFor(kind chain.Kind) Scheme {
	if kind == chain.KindSolana {
		return SchemeEd25519
	}
	return SchemeSecp256k1
}

const (
	CodeKeyUnavailable xerrors.Code = "KEY_UNAVAILABLE"
	CodeKeyMismatch    xerrors.Code = "KEY_MISMATCH"
	CodeKeyReleased    xerrors.Code = "KEY_RELEASED"
)

func init() {
	xerrors.Register(CodeKeyUnavailable, xerrors.Attributes{Message: "signing key unavailable", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeKeyMismatch, xerrors.Attributes{Message: "signing key does not match wallet", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeKeyReleased, xerrors.Attributes{Message: "signing key already released", Severity: xerrors.SeverityWarning})
}

// KeyStore decrypts the signing key of a wallet. Callers must Release the
// material on every exit path.
type KeyStore interface {
	Acquire(ctx context.Context, w *wallet.Wallet) (*Material, error)
}

// Material is decrypted key bytes scoped to one signing operation. It
// implements chain.Signer.
type Material struct {
	scheme  Scheme
	address string

	mu  sync.Mutex
	key []byte
}

// NewMaterial copies key; the caller keeps ownership of its slice.
func NewMaterial(scheme Scheme, key []byte) (*Material, error) {
	m := &Material{scheme: scheme, key: append([]byte(nil), key...)}
	address, err := m.derive()
	if err != nil {
		m.Release()
		return nil, err
	}
	m.address = address
	return m, nil
}

func (m *Material) derive() (string, error) {
	switch m.scheme {
	case SchemeSecp256k1:
		priv, err := crypto.ToECDSA(m.key)
		if err != nil {
			return "", xerrors.Wrap(CodeKeyUnavailable, err, "parse secp256k1 key")
		}
		return crypto.PubkeyToAddress(priv.PublicKey).Hex(), nil
	case SchemeEd25519:
		if len(m.key) != 64 {
			return "", xerrors.New(CodeKeyUnavailable, fmt.Sprintf("ed25519 key has %d bytes", len(m.key)))
		}
		return sol.PrivateKey(m.key).PublicKey().String(), nil
	default:
		return "", xerrors.New(CodeKeyUnavailable, fmt.Sprintf("unknown scheme %q", m.scheme))
	}
}

func (m *Material) Scheme() Scheme  { return m.scheme }
func (m *Material) Address() string { return m.address }

// Bytes exposes the raw key until Release.
func (m *Material) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key
}

// Sign signs payload: a 32-byte digest for secp256k1, the message bytes for
// ed25519.
func (m *Material) Sign(payload []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		return nil, xerrors.New(CodeKeyReleased, "signing material was released")
	}
	switch m.scheme {
	case SchemeSecp256k1:
		priv, err := crypto.ToECDSA(m.key)
		if err != nil {
			return nil, xerrors.Wrap(CodeKeyUnavailable, err, "parse secp256k1 key")
		}
		return crypto.Sign(payload, priv)
	case SchemeEd25519:
		sig, err := sol.PrivateKey(m.key).Sign(payload)
		if err != nil {
			return nil, err
		}
		return sig[:], nil
	}
	return nil, xerrors.New(CodeKeyUnavailable, fmt.Sprintf("unknown scheme %q", m.scheme))
}

// Released reports whether Release already ran.
func (m *Material) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key == nil
}

// Release zeroes the key. It is safe to call more than once.
func (m *Material) Release() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.key {
		m.key[i] = 0
	}
	m.key = nil
}

// checkOwner fails when material does not belong to w.
func checkOwner(m *Material, w *wallet.Wallet) error {
	match := m.Address() == w.Address
	if m.scheme == SchemeSecp256k1 {
		match = strings.EqualFold(m.Address(), w.Address)
	}
	if !match {
		m.Release()
		return xerrors.New(CodeKeyMismatch, fmt.Sprintf("key for wallet %s derives %s, wallet address is %s", w.ID, m.Address(), w.Address))
	}
	return nil
}

// MemoryStore keeps raw keys in memory. It exists for tests and local runs.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string][]byte)}
}

// Put stores a copy of key for walletID.
func (s *MemoryStore) Put(walletID string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[walletID] = append([]byte(nil), key...)
}

func (s *MemoryStore) Acquire(ctx context.Context, w *wallet.Wallet) (*Material, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	key, ok := s.keys[w.ID]
	s.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(CodeKeyUnavailable, fmt.Sprintf("no key for wallet %s", w.ID))
	}
	m, err := NewMaterial(SchemeFor(w.Chain), key)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(m, w); err != nil {
		return nil, err
	}
	return m, nil
}

// ErrNoPassword is returned when an encrypted key needs a password that is
// not configured.
var ErrNoPassword = errors.New("keystore password is not configured")
