package chain

import (
	"context"
	stdErrors "errors"
	"fmt"

	xerrors "AgentVault/internal/errors"
)

// Category tells the pipeline how to react to a chain error.
type Category string

const (
	// Permanent errors fail the transaction immediately.
	Permanent Category = "PERMANENT"
	// Transient errors resubmit the same signed transaction after backoff.
	Transient Category = "TRANSIENT"
	// Stale errors discard the built transaction and build a fresh one.
	Stale Category = "STALE"
)

// ErrorCode is the code an adapter attaches to every error it returns.
type ErrorCode = xerrors.Code

const (
	CodeInsufficientBalance  ErrorCode = "INSUFFICIENT_BALANCE"
	CodeInvalidAddress       ErrorCode = "INVALID_ADDRESS"
	CodeContractExecution    ErrorCode = "CONTRACT_EXECUTION_FAILED"
	CodeDuplicateTransaction ErrorCode = "DUPLICATE_TRANSACTION"
	CodeUnauthorizedSigner   ErrorCode = "UNAUTHORIZED_SIGNER"
	CodeSimulationFailed     ErrorCode = "SIMULATION_FAILED"
	CodeUnsupported          ErrorCode = "UNSUPPORTED_OPERATION"
	CodeBatchNotSupported    ErrorCode = "BATCH_NOT_SUPPORTED"
	CodeInvalidTransaction   ErrorCode = "INVALID_TRANSACTION"

	CodeRPCTimeout      ErrorCode = "RPC_TIMEOUT"
	CodeConnectionError ErrorCode = "CONNECTION_ERROR"
	CodeRateLimited     ErrorCode = "RATE_LIMITED"
	CodeNodeBehind      ErrorCode = "NODE_BEHIND"
	CodeRPCError        ErrorCode = "RPC_ERROR"

	CodeBlockhashExpired ErrorCode = "BLOCKHASH_EXPIRED"
	CodeNonceTooLow      ErrorCode = "NONCE_TOO_LOW"
	CodeNonceUsed        ErrorCode = "NONCE_ALREADY_USED"
	CodeSlotSkipped      ErrorCode = "SLOT_SKIPPED"
)

var taxonomy = map[ErrorCode]struct {
	category Category
	message  string
}{
	CodeInsufficientBalance:  {Permanent, "insufficient balance"},
	CodeInvalidAddress:       {Permanent, "invalid address"},
	CodeContractExecution:    {Permanent, "contract execution failed"},
	CodeDuplicateTransaction: {Permanent, "duplicate transaction"},
	CodeUnauthorizedSigner:   {Permanent, "unauthorized signer"},
	CodeSimulationFailed:     {Permanent, "simulation failed"},
	CodeUnsupported:          {Permanent, "operation not supported by chain"},
	CodeBatchNotSupported:    {Permanent, "batch transactions not supported by chain"},
	CodeInvalidTransaction:   {Permanent, "invalid transaction"},

	CodeRPCTimeout:      {Transient, "rpc timeout"},
	CodeConnectionError: {Transient, "rpc connection error"},
	CodeRateLimited:     {Transient, "rpc rate limited"},
	CodeNodeBehind:      {Transient, "node is behind"},
	CodeRPCError:        {Transient, "rpc error"},

	CodeBlockhashExpired: {Stale, "blockhash expired"},
	CodeNonceTooLow:      {Stale, "nonce too low"},
	CodeNonceUsed:        {Stale, "nonce already used"},
	CodeSlotSkipped:      {Stale, "slot skipped"},
}

func init() {
	for code, entry := range taxonomy {
		severity := xerrors.SeverityWarning
		if entry.category == Permanent {
			severity = xerrors.SeverityInfo
		}
		xerrors.Register(code, xerrors.Attributes{
			Message:   entry.message,
			Severity:  severity,
			Retryable: entry.category != Permanent,
			Alert:     code == CodeRateLimited || code == CodeNodeBehind,
		})
	}
}

// Codes lists every defined chain error code.
func Codes() []ErrorCode {
	out := make([]ErrorCode, 0, len(taxonomy))
	for code := range taxonomy {
		out = append(out, code)
	}
	return out
}

// Classify maps a code to its category. Codes outside the taxonomy are
// PERMANENT.
func Classify(code ErrorCode) Category {
	if entry, ok := taxonomy[code]; ok {
		return entry.category
	}
	return Permanent
}

// Known reports whether code belongs to the taxonomy.
func Known(code ErrorCode) bool {
	_, ok := taxonomy[code]
	return ok
}

// ClassifyError returns the code and category of an arbitrary error.
// Deadline and cancellation errors without a code count as RPC timeouts.
func ClassifyError(err error) (ErrorCode, Category) {
	if err == nil {
		return "", ""
	}
	code := xerrors.CodeOf(err)
	if Known(code) {
		return code, Classify(code)
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return CodeRPCTimeout, Transient
	}
	return code, Permanent
}

// NewError builds an adapter error carrying a taxonomy code.
func NewError(code ErrorCode, kind Kind, format string, args ...any) error {
	return xerrors.New(code, fmt.Sprintf(format, args...), xerrors.WithMetadata("chain", string(kind)))
}

// WrapError attaches a taxonomy code to a node or client error.
func WrapError(code ErrorCode, kind Kind, cause error, message string) error {
	return xerrors.Wrap(code, cause, message, xerrors.WithMetadata("chain", string(kind)))
}
