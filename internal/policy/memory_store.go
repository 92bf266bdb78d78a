package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/txn"

	"gopkg.in/yaml.v3"
)

// MemoryStore keeps policies in process.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewMemoryStore seeds a store. Invalid policies are rejected.
func NewMemoryStore(seed ...Policy) (*MemoryStore, error) {
	s := &MemoryStore{policies: make(map[string]Policy)}
	for _, p := range seed {
		if err := s.Put(context.Background(), p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MemoryStore) Candidates(_ context.Context, walletID, network string, t Type) ([]Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Policy
	for _, p := range s.policies {
		if p.Type == t && p.Applies(walletID, network) {
			out = append(out, p)
		}
	}
	sortPolicies(out)
	return out, nil
}

// Put inserts or replaces a policy by id.
func (s *MemoryStore) Put(_ context.Context, p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.policies[p.ID] = p
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("policy %s not found", id))
	}
	delete(s.policies, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

type definitionFile struct {
	Policies []definition `yaml:"policies"`
}

type definition struct {
	ID       string    `yaml:"id"`
	WalletID string    `yaml:"wallet_id"`
	Network  string    `yaml:"network"`
	TxType   string    `yaml:"tx_type"`
	Type     Type      `yaml:"type"`
	Priority int       `yaml:"priority"`
	Enabled  *bool     `yaml:"enabled"`
	Rules    yaml.Node `yaml:"rules"`
}

// LoadFile parses a policies.yaml file. A missing file yields no policies.
func LoadFile(path string) ([]Policy, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read policies: %w", err)
	}
	return ParseFile(content)
}

// ParseFile decodes policies from YAML. Rules are re-encoded as JSON and
// parsed like any other payload so both sources share one validator.
func ParseFile(content []byte) ([]Policy, error) {
	var file definitionFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse policies: %w", err)
	}
	out := make([]Policy, 0, len(file.Policies))
	seen := make(map[string]struct{}, len(file.Policies))
	for _, def := range file.Policies {
		if _, dup := seen[def.ID]; dup {
			return nil, xerrors.New(CodeInvalid, fmt.Sprintf("duplicate policy id %q", def.ID))
		}
		seen[def.ID] = struct{}{}

		value, err := nodeValue(&def.Rules)
		if err != nil {
			return nil, xerrors.Wrap(CodeInvalid, err, fmt.Sprintf("policy %s rules", def.ID))
		}
		if value == nil {
			value = map[string]any{}
		}
		payload, err := json.Marshal(value)
		if err != nil {
			return nil, xerrors.Wrap(CodeInvalid, err, fmt.Sprintf("policy %s rules", def.ID))
		}
		p := Policy{
			ID:       def.ID,
			WalletID: def.WalletID,
			Network:  def.Network,
			TxType:   txn.Type(strings.ToUpper(def.TxType)),
			Type:     Type(strings.ToUpper(string(def.Type))),
			Priority: def.Priority,
			Enabled:  def.Enabled == nil || *def.Enabled,
		}
		if !p.Type.Valid() {
			return nil, xerrors.New(CodeInvalid, fmt.Sprintf("policy %s has unknown type %q", def.ID, def.Type))
		}
		if p.Rules, err = ParseRules(p.Type, payload); err != nil {
			return nil, xerrors.Wrap(CodeInvalid, err, fmt.Sprintf("policy %s rules", def.ID))
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// nodeValue converts a YAML node to JSON-ready values. Numbers keep their
// literal text so amounts beyond float precision survive.
func nodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return nodeValue(n.Content[0])
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := nodeValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[n.Content[i].Value] = v
		}
		return out, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, item := range n.Content {
			v, err := nodeValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	switch n.ShortTag() {
	case "!!null":
		return nil, nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return nil, err
		}
		return b, nil
	case "!!int", "!!float":
		return json.Number(strings.ReplaceAll(n.Value, "_", "")), nil
	default:
		return n.Value, nil
	}
}
