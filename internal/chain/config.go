package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models configs/chains.yaml: chain kind -> network -> endpoint.
type Definitions struct {
	Chains map[Kind]map[string]Definition `yaml:"chains"`
}

// Definition describes one (chain, network) endpoint.
type Definition struct {
	Kind          Kind     `yaml:"-"`
	Network       string   `yaml:"-"`
	RPCURL        string   `yaml:"rpc_url"`
	WSURL         string   `yaml:"ws_url"`
	ChainID       int64    `yaml:"chain_id"`
	Confirmations uint64   `yaml:"confirmations"`
	Commitment    string   `yaml:"commitment"`
	Tokens        []string `yaml:"tokens"`
	Description   string   `yaml:"description"`
}

// LoadDefinitions parses the YAML file describing chain endpoints.
func LoadDefinitions(path string) (Definitions, error) {
	defs := Definitions{Chains: map[Kind]map[string]Definition{}}
	if strings.TrimSpace(path) == "" {
		return defs, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("read chain definitions: %w", err)
	}
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("parse chain definitions: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[Kind]map[string]Definition{}
	}
	for kind, networks := range defs.Chains {
		if !kind.Valid() {
			return Definitions{}, fmt.Errorf("chain %q is not supported", kind)
		}
		for network, def := range networks {
			if strings.TrimSpace(def.RPCURL) == "" {
				return Definitions{}, fmt.Errorf("chain %s/%s has no rpc_url", kind, network)
			}
			def.Kind = kind
			def.Network = network
			networks[network] = def
		}
	}
	return defs, nil
}

// Lookup returns the definition of (kind, network).
func (d Definitions) Lookup(kind Kind, network string) (Definition, bool) {
	def, ok := d.Chains[kind][network]
	return def, ok
}
