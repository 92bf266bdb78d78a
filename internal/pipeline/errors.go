package pipeline

import xerrors "AgentVault/internal/errors"

const (
	CodeApprovalTimeout   xerrors.Code = "APPROVAL_TIMEOUT"
	CodeApprovalRejected  xerrors.Code = "APPROVAL_REJECTED"
	CodeBadSignature      xerrors.Code = "APPROVAL_SIGNATURE_INVALID"
	CodeCancelled         xerrors.Code = "TX_CANCELLED"
	CodeRetriesExhausted  xerrors.Code = "CHAIN_RETRIES_EXHAUSTED"
	CodeRebuildsExhausted xerrors.Code = "CHAIN_REBUILDS_EXHAUSTED"
	CodeChainTxFailed     xerrors.Code = "CHAIN_TX_FAILED"
)

func init() {
	xerrors.Register(CodeApprovalTimeout, xerrors.Attributes{Message: "approval window elapsed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeApprovalRejected, xerrors.Attributes{Message: "owner rejected the transaction", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeBadSignature, xerrors.Attributes{Message: "approval signature invalid", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeCancelled, xerrors.Attributes{Message: "transaction cancelled", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeRetriesExhausted, xerrors.Attributes{Message: "transient chain retries exhausted", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeRebuildsExhausted, xerrors.Attributes{Message: "stale rebuilds exhausted", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeChainTxFailed, xerrors.Attributes{Message: "transaction reverted on chain", Severity: xerrors.SeverityWarning})
}
