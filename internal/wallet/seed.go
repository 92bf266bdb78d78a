package wallet

import (
	"context"
	"fmt"
	"os"
	"strings"

	xerrors "AgentVault/internal/errors"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Wallets []Wallet `yaml:"wallets"`
}

// LoadSeed parses configs/wallets.yaml. A missing path yields no wallets.
func LoadSeed(path string) ([]Wallet, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read wallet seed: %w", err)
	}
	var file seedFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse wallet seed: %w", err)
	}
	return file.Wallets, nil
}

// Seed provisions wallets that do not exist yet.
func Seed(ctx context.Context, store Store, wallets []Wallet) error {
	for i := range wallets {
		w := wallets[i]
		if _, err := store.Get(ctx, w.ID); err == nil {
			continue
		} else if !xerrors.HasCode(err, CodeNotFound) {
			return err
		}
		if err := store.Create(ctx, &w); err != nil {
			return fmt.Errorf("seed wallet %s: %w", w.ID, err)
		}
	}
	return nil
}
