package wallet

import (
	"context"
	"fmt"
	"time"

	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"
)

// Status is the wallet lifecycle state.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusSuspended  Status = "SUSPENDED"
	StatusTerminated Status = "TERMINATED"
)

// CanTransition enforces the monotonic lifecycle. SUSPENDED -> ACTIVE is the
// only way back.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusSuspended || to == StatusTerminated
	case StatusSuspended:
		return to == StatusActive || to == StatusTerminated
	}
	return false
}

// Wallet is a custodied account. It is provisioned elsewhere and read-only
// to the pipeline.
type Wallet struct {
	ID             string     `json:"id" yaml:"id"`
	Chain          chain.Kind `json:"chain" yaml:"chain"`
	Network        string     `json:"network" yaml:"network"`
	DefaultNetwork string     `json:"default_network" yaml:"default_network"`
	Address        string     `json:"address" yaml:"address"`
	Status         Status     `json:"status" yaml:"status"`
	OwnerAddress   string     `json:"owner_address,omitempty" yaml:"owner_address"`
	CreatedAt      time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time  `json:"updated_at" yaml:"-"`
}

// ResolveNetwork picks the network a request runs on.
func (w *Wallet) ResolveNetwork(requested string) string {
	switch {
	case requested != "":
		return requested
	case w.DefaultNetwork != "":
		return w.DefaultNetwork
	default:
		return w.Network
	}
}

// Networks lists the networks the wallet is provisioned for.
func (w *Wallet) Networks() []string {
	out := []string{w.Network}
	if w.DefaultNetwork != "" && w.DefaultNetwork != w.Network {
		out = append(out, w.DefaultNetwork)
	}
	return out
}

// Authorize fails unless the wallet may sign new transactions.
func (w *Wallet) Authorize() error {
	switch w.Status {
	case StatusActive:
		return nil
	case StatusSuspended:
		return xerrors.New(CodeSuspended, fmt.Sprintf("wallet %s is suspended", w.ID))
	case StatusTerminated:
		return xerrors.New(CodeTerminated, fmt.Sprintf("wallet %s is terminated", w.ID))
	default:
		return xerrors.New(CodeSuspended, fmt.Sprintf("wallet %s has unknown status %q", w.ID, w.Status))
	}
}

func (w *Wallet) validate() error {
	if w.ID == "" || w.Address == "" || w.Network == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "wallet requires id, address and network")
	}
	if !w.Chain.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("wallet %s has unsupported chain %q", w.ID, w.Chain))
	}
	if w.Status == "" {
		w.Status = StatusActive
	}
	return nil
}

// Store reads and provisions wallets.
type Store interface {
	Get(ctx context.Context, id string) (*Wallet, error)
	Create(ctx context.Context, w *Wallet) error
	SetStatus(ctx context.Context, id string, status Status) error
	Close() error
}

const (
	CodeNotFound   xerrors.Code = "WALLET_NOT_FOUND"
	CodeSuspended  xerrors.Code = "WALLET_SUSPENDED"
	CodeTerminated xerrors.Code = "WALLET_TERMINATED"
)

// ErrNotFound means no wallet has the requested id.
var ErrNotFound = xerrors.New(CodeNotFound, "wallet not found")

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{Message: "wallet not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeSuspended, xerrors.Attributes{Message: "wallet suspended", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeTerminated, xerrors.Attributes{Message: "wallet terminated", Severity: xerrors.SeverityWarning})
}
