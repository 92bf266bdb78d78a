package ethereum

import (
	"context"
	"errors"
	"net"
	"strings"

	"AgentVault/internal/chain"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Node-side JSON-RPC codes. Any other coded reply rejects the request itself.
const (
	rpcLimitExceeded = -32005
	rpcInternalError = -32603
)

var messageCodes = []struct {
	fragment string
	code     chain.ErrorCode
}{
	{"nonce too low", chain.CodeNonceTooLow},
	{"replacement transaction underpriced", chain.CodeNonceUsed},
	{"already known", chain.CodeDuplicateTransaction},
	{"known transaction", chain.CodeDuplicateTransaction},
	{"insufficient funds", chain.CodeInsufficientBalance},
	{"execution reverted", chain.CodeContractExecution},
	{"out of gas", chain.CodeContractExecution},
	{"gas required exceeds", chain.CodeContractExecution},
	{"invalid sender", chain.CodeUnauthorizedSigner},
	{"too many requests", chain.CodeRateLimited},
	{"rate limit", chain.CodeRateLimited},
	{"header not found", chain.CodeNodeBehind},
	{"missing trie node", chain.CodeNodeBehind},
	{"syncing", chain.CodeNodeBehind},
	{"timeout", chain.CodeRPCTimeout},
	{"deadline exceeded", chain.CodeRPCTimeout},
	{"connection refused", chain.CodeConnectionError},
	{"connection reset", chain.CodeConnectionError},
	{"no such host", chain.CodeConnectionError},
	{"eof", chain.CodeConnectionError},
}

// codeFor maps a node or client error onto the chain taxonomy.
func codeFor(err error) chain.ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return chain.CodeRPCTimeout
	}
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429:
			return chain.CodeRateLimited
		case httpErr.StatusCode == 408 || httpErr.StatusCode == 504:
			return chain.CodeRPCTimeout
		}
	}
	msg := strings.ToLower(err.Error())
	for _, entry := range messageCodes {
		if strings.Contains(msg, entry.fragment) {
			return entry.code
		}
	}
	var coded gethrpc.Error
	if errors.As(err, &coded) {
		switch coded.ErrorCode() {
		case rpcLimitExceeded:
			return chain.CodeRateLimited
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
	return chain.WrapError(codeFor(err), chain.KindEthereum, err, message)
}
