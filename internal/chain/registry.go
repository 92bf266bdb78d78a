package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"AgentVault/pkg/logger"
)

// Factory builds the adapter variant for one chain kind.
type Factory func(ctx context.Context, def Definition) (Adapter, error)

type registryKey struct {
	kind    Kind
	network string
}

// Registry resolves one adapter per (chain, network), created on first use
// and cached for the life of the process.
type Registry struct {
	defs      Definitions
	factories map[Kind]Factory

	mu       sync.Mutex
	adapters map[registryKey]Adapter
}

// NewRegistry wires the closed set of factories to the chain definitions.
func NewRegistry(defs Definitions, factories map[Kind]Factory) *Registry {
	return &Registry{
		defs:      defs,
		factories: factories,
		adapters:  make(map[registryKey]Adapter),
	}
}

// Register installs a ready adapter, replacing any cached one.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[registryKey{adapter.Chain(), adapter.Network()}] = adapter
}

// Adapter returns the connected adapter for (kind, network).
func (r *Registry) Adapter(ctx context.Context, kind Kind, network string) (Adapter, error) {
	key := registryKey{kind, network}
	r.mu.Lock()
	defer r.mu.Unlock()
	if adapter, ok := r.adapters[key]; ok {
		return adapter, nil
	}

	def, ok := r.defs.Lookup(kind, network)
	if !ok {
		return nil, NewError(CodeUnsupported, kind, "network %s is not configured", network)
	}
	factory, ok := r.factories[kind]
	if !ok {
		return nil, NewError(CodeUnsupported, kind, "no adapter for chain %s", kind)
	}
	adapter, err := factory(ctx, def)
	if err != nil {
		return nil, err
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, err
	}
	r.adapters[key] = adapter
	logger.Named("chain").Info("adapter connected",
		slog.String("chain", string(kind)),
		slog.String("network", network))
	return adapter, nil
}

// Keys lists cached adapters as chain/network strings.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.adapters))
	for key := range r.adapters {
		out = append(out, fmt.Sprintf("%s/%s", key.kind, key.network))
	}
	sort.Strings(out)
	return out
}

// Close disconnects every cached adapter.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, adapter := range r.adapters {
		if err := adapter.Disconnect(); err != nil {
			logger.Named("chain").Warn("disconnect adapter", slog.Any("error", err), slog.String("chain", string(key.kind)))
		}
		delete(r.adapters, key)
	}
}
