package keystore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	sol "github.com/gagliardetto/solana-go"
)

// FileStore reads one key file per wallet from a directory: go-ethereum V3
// JSON keystores for EVM wallets and solana-keygen JSON files for Solana
// wallets. Files are named <wallet id>.json.
type FileStore struct {
	dir      string
	password func() (string, bool)
}

// NewFileStore reads keys under dir; the EVM password comes from the named
// environment variable at acquisition time.
func NewFileStore(dir, passwordEnv string) *FileStore {
	return &FileStore{
		dir: dir,
		password: func() (string, bool) {
			return os.LookupEnv(passwordEnv)
		},
	}
}

func (s *FileStore) path(w *wallet.Wallet) string {
	return filepath.Join(s.dir, w.ID+".json")
}

func (s *FileStore) Acquire(ctx context.Context, w *wallet.Wallet) (*Material, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		m   *Material
		err error
	)
	switch w.Chain {
	case chain.KindEthereum:
		m, err = s.loadEVM(w)
	case chain.KindSolana:
		m, err = s.loadSolana(w)
	default:
		err = xerrors.New(CodeKeyUnavailable, fmt.Sprintf("wallet %s has unsupported chain %s", w.ID, w.Chain))
	}
	if err != nil {
		return nil, err
	}
	if err := checkOwner(m, w); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *FileStore) loadEVM(w *wallet.Wallet) (*Material, error) {
	password, ok := s.password()
	if !ok {
		return nil, xerrors.Wrap(CodeKeyUnavailable, ErrNoPassword, "decrypt key for wallet "+w.ID)
	}
	content, err := os.ReadFile(s.path(w))
	if err != nil {
		return nil, xerrors.Wrap(CodeKeyUnavailable, err, "read key for wallet "+w.ID)
	}
	key, err := keystore.DecryptKey(content, password)
	if err != nil {
		return nil, xerrors.Wrap(CodeKeyUnavailable, err, "decrypt key for wallet "+w.ID)
	}
	raw := crypto.FromECDSA(key.PrivateKey)
	defer zero(raw)
	return NewMaterial(SchemeSecp256k1, raw)
}

func (s *FileStore) loadSolana(w *wallet.Wallet) (*Material, error) {
	key, err := sol.PrivateKeyFromSolanaKeygenFile(s.path(w))
	if err != nil {
		return nil, xerrors.Wrap(CodeKeyUnavailable, err, "read key for wallet "+w.ID)
	}
	defer zero(key)
	return NewMaterial(SchemeEd25519, key)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
