package solana

import (
	"context"
	"errors"
	"net"
	"strings"

	"AgentVault/internal/chain"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// JSON-RPC server error codes that carry taxonomy meaning. Coded replies
// outside this set reject the request itself.
const (
	rpcBlockCleanedUp          = -32001
	rpcPreflightFailure        = -32002
	rpcBlockNotAvailable       = -32004
	rpcNodeUnhealthy           = -32005
	rpcSlotSkipped             = -32007
	rpcLongTermSlotSkipped     = -32009
	rpcBlockStatusNotAvailable = -32014
	rpcMinContextSlot          = -32016
	rpcInternalError           = -32603
)

var messageCodes = []struct {
	fragment string
	code     chain.ErrorCode
}{
	{"blockhash not found", chain.CodeBlockhashExpired},
	{"block height exceeded", chain.CodeBlockhashExpired},
	{"already been processed", chain.CodeDuplicateTransaction},
	{"attempt to debit an account but found no record of a prior credit", chain.CodeInsufficientBalance},
	{"insufficient funds", chain.CodeInsufficientBalance},
	{"insufficient lamports", chain.CodeInsufficientBalance},
	{"signature verification fail", chain.CodeUnauthorizedSigner},
	{"missing signature", chain.CodeUnauthorizedSigner},
	{"custom program error", chain.CodeContractExecution},
	{"instructionerror", chain.CodeContractExecution},
	{"invalid param", chain.CodeInvalidAddress},
	{"was skipped", chain.CodeSlotSkipped},
	{"node is behind", chain.CodeNodeBehind},
	{"node is unhealthy", chain.CodeNodeBehind},
	{"429", chain.CodeRateLimited},
	{"too many requests", chain.CodeRateLimited},
	{"timeout", chain.CodeRPCTimeout},
	{"deadline exceeded", chain.CodeRPCTimeout},
	{"connection refused", chain.CodeConnectionError},
	{"connection reset", chain.CodeConnectionError},
	{"no such host", chain.CodeConnectionError},
}

func codeFor(err error) chain.ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return chain.CodeRPCTimeout
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case rpcNodeUnhealthy, rpcBlockCleanedUp, rpcBlockNotAvailable, rpcBlockStatusNotAvailable, rpcMinContextSlot:
			return chain.CodeNodeBehind
		case rpcSlotSkipped, rpcLongTermSlotSkipped:
			return chain.CodeSlotSkipped
		}
	}
	msg := strings.ToLower(err.Error())
	if rpcErr != nil {
		msg += " " + strings.ToLower(rpcErr.Message)
	}
	for _, entry := range messageCodes {
		if strings.Contains(msg, entry.fragment) {
			return entry.code
		}
	}
	if rpcErr != nil {
		switch rpcErr.Code {
		case rpcPreflightFailure:
			return chain.CodeSimulationFailed
		case rpcInternalError:
			return chain.CodeRPCError
		}
		return chain.CodeInvalidTransaction
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return chain.CodeRPCTimeout
		}
		return chain.CodeConnectionError
	}
	return chain.CodeRPCError
}

func wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return chain.WrapError(codeFor(err), chain.KindSolana, err, message)
}
