package txn

import (
	"time"

	xerrors "AgentVault/internal/errors"
)

// Type is the kind of operation a transaction performs.
type Type string

const (
	TypeTransfer      Type = "TRANSFER"
	TypeTokenTransfer Type = "TOKEN_TRANSFER"
	TypeContractCall  Type = "CONTRACT_CALL"
	TypeApprove       Type = "APPROVE"
	TypeBatch         Type = "BATCH"
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	switch t {
	case TypeTransfer, TypeTokenTransfer, TypeContractCall, TypeApprove, TypeBatch:
		return true
	}
	return false
}

// Status is a transaction's position in the pipeline state machine.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusQueued           Status = "QUEUED"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusSubmitted        Status = "SUBMITTED"
	StatusConfirmed        Status = "CONFIRMED"
	StatusFailed           Status = "FAILED"
	StatusCancelled        Status = "CANCELLED"
	StatusExpired          Status = "EXPIRED"
)

var forward = map[Status][]Status{
	StatusPending:          {StatusQueued, StatusAwaitingApproval, StatusSubmitted, StatusFailed},
	StatusQueued:           {StatusSubmitted, StatusFailed},
	StatusAwaitingApproval: {StatusSubmitted, StatusFailed},
	StatusSubmitted:        {StatusConfirmed, StatusFailed},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := forward[s]
	return ok || s.Terminal()
}

// CanTransition reports whether from -> to is allowed. The machine only moves
// forward; CANCELLED and EXPIRED are reachable from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() || from == to {
		return false
	}
	if to == StatusCancelled || to == StatusExpired {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Tier is the trust level policy assigns to a transaction.
type Tier string

const (
	TierInstant  Tier = "INSTANT"
	TierNotify   Tier = "NOTIFY"
	TierDelay    Tier = "DELAY"
	TierApproval Tier = "APPROVAL"
)

// Rank orders tiers from least to most restrictive. Unknown tiers rank as
// APPROVAL.
func (t Tier) Rank() int {
	switch t {
	case TierInstant:
		return 0
	case TierNotify:
		return 1
	case TierDelay:
		return 2
	default:
		return 3
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierInstant, TierNotify, TierDelay, TierApproval:
		return true
	}
	return false
}

// MaxTier returns the more restrictive of the given tiers.
func MaxTier(tiers ...Tier) Tier {
	out := TierInstant
	for _, t := range tiers {
		if t.Rank() > out.Rank() {
			out = t
		}
	}
	return out
}

// Transaction is the durable record threaded through the pipeline.
type Transaction struct {
	ID             string     `json:"id"`
	WalletID       string     `json:"wallet_id"`
	Type           Type       `json:"type"`
	Amount         string     `json:"amount"`
	To             string     `json:"to,omitempty"`
	Network        string     `json:"network"`
	Status         Status     `json:"status"`
	Tier           Tier       `json:"tier,omitempty"`
	ReservedAmount *string    `json:"reserved_amount,omitempty"`
	ReservedUSD    *string    `json:"reserved_usd,omitempty"`
	SpendNative    string     `json:"spend_native,omitempty"`
	SpendUSD       string     `json:"spend_usd,omitempty"`
	TxHash         string     `json:"tx_hash,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	Attempts       int        `json:"attempts"`
	DelayUntil     *time.Time `json:"delay_until,omitempty"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	ClaimedUntil   time.Time  `json:"claimed_until,omitempty"`
	Request        Request    `json:"request"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Reserved reports whether the transaction holds spending headroom.
func (t *Transaction) Reserved() bool {
	return t.ReservedAmount != nil || t.ReservedUSD != nil
}

// Claimed reports whether a worker holds the transaction at now.
func (t *Transaction) Claimed(now time.Time) bool {
	return !t.ClaimedUntil.IsZero() && t.ClaimedUntil.After(now)
}

// Fail records a machine-readable cause on the transaction.
func (t *Transaction) Fail(err error) {
	code := xerrors.CodeOf(err)
	t.ErrorCode = string(code)
	if err != nil {
		t.LastError = err.Error()
	}
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	out := *t
	out.ReservedAmount = cloneString(t.ReservedAmount)
	out.ReservedUSD = cloneString(t.ReservedUSD)
	out.DelayUntil = cloneTime(t.DelayUntil)
	out.ApprovedAt = cloneTime(t.ApprovedAt)
	out.Request = t.Request.Clone()
	return &out
}

// PendingApproval exists only while its transaction is AWAITING_APPROVAL.
type PendingApproval struct {
	TxID      string    `json:"tx_id"`
	WalletID  string    `json:"wallet_id"`
	Deadline  time.Time `json:"deadline"`
	CreatedAt time.Time `json:"created_at"`
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}

const (
	CodeValidation   xerrors.Code = "VALIDATION_FAILED"
	CodeTxNotFound   xerrors.Code = "TX_NOT_FOUND"
	CodeTxConflict   xerrors.Code = "TX_CONFLICT"
	CodeTxClaimed    xerrors.Code = "TX_CLAIMED"
	CodeTxCompleted  xerrors.Code = "TX_COMPLETED"
	CodeApprovalGone xerrors.Code = "APPROVAL_NOT_FOUND"
)

var (
	// ErrNotFound means no transaction has the requested id.
	ErrNotFound = xerrors.New(CodeTxNotFound, "transaction not found")
	// ErrConflict means the requested change is not valid for the current state.
	ErrConflict = xerrors.New(CodeTxConflict, "transaction state conflict")
	// ErrClaimed means another worker holds the transaction.
	ErrClaimed = xerrors.New(CodeTxClaimed, "transaction claimed by another worker")
	// ErrCompleted means the transaction is already terminal.
	ErrCompleted = xerrors.New(CodeTxCompleted, "transaction already terminal")
	// ErrApprovalNotFound means no pending approval exists.
	ErrApprovalNotFound = xerrors.New(CodeApprovalGone, "pending approval not found")
)

func init() {
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:  "transaction request validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTxNotFound, xerrors.Attributes{
		Message:  "transaction not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTxConflict, xerrors.Attributes{
		Message:  "transaction state conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTxClaimed, xerrors.Attributes{
		Message:   "transaction claimed by another worker",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
	xerrors.Register(CodeTxCompleted, xerrors.Attributes{
		Message:  "transaction already terminal",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeApprovalGone, xerrors.Attributes{
		Message:  "pending approval not found",
		Severity: xerrors.SeverityInfo,
	})
}
