package chain_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"AgentVault/internal/chain"
	"AgentVault/internal/chain/chaintest"
	xerrors "AgentVault/internal/errors"
)

func TestLoadDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := `chains:
  ethereum:
    sepolia:
      rpc_url: https://rpc.sepolia.example
      chain_id: 11155111
      confirmations: 2
  solana:
    devnet:
      rpc_url: https://api.devnet.solana.com
      commitment: confirmed
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err := chain.LoadDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def, ok := defs.Lookup(chain.KindEthereum, "sepolia")
	if !ok || def.ChainID != 11155111 || def.Confirmations != 2 || def.Network != "sepolia" {
		t.Fatalf("unexpected definition %+v", def)
	}
	if _, ok := defs.Lookup(chain.KindSolana, "mainnet"); ok {
		t.Fatal("mainnet is not configured")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(bad, []byte("chains:\n  bitcoin:\n    main:\n      rpc_url: x\n"), 0o600)
	if _, err := chain.LoadDefinitions(bad); err == nil {
		t.Fatal("expected unsupported chain to fail")
	}
}

func TestRegistryCachesPerNetwork(t *testing.T) {
	defs := chain.Definitions{Chains: map[chain.Kind]map[string]chain.Definition{
		chain.KindSolana: {
			"devnet":  {Kind: chain.KindSolana, Network: "devnet", RPCURL: "x"},
			"testnet": {Kind: chain.KindSolana, Network: "testnet", RPCURL: "y"},
		},
	}}
	created := 0
	registry := chain.NewRegistry(defs, map[chain.Kind]chain.Factory{
		chain.KindSolana: func(_ context.Context, def chain.Definition) (chain.Adapter, error) {
			created++
			return chaintest.New(def.Kind, def.Network), nil
		},
	})
	t.Cleanup(registry.Close)

	ctx := context.Background()
	first, err := registry.Adapter(ctx, chain.KindSolana, "devnet")
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	again, _ := registry.Adapter(ctx, chain.KindSolana, "devnet")
	if first != again || created != 1 {
		t.Fatalf("expected cached adapter, created=%d", created)
	}
	if _, err := registry.Adapter(ctx, chain.KindSolana, "testnet"); err != nil || created != 2 {
		t.Fatalf("expected second network adapter, err=%v created=%d", err, created)
	}
	if _, err := registry.Adapter(ctx, chain.KindEthereum, "sepolia"); xerrors.CodeOf(err) != chain.CodeUnsupported {
		t.Fatalf("expected UNSUPPORTED_OPERATION, got %v", err)
	}
	if got := registry.Keys(); len(got) != 2 || got[0] != "solana/devnet" {
		t.Fatalf("unexpected keys %v", got)
	}
}
