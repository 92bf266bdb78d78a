package txn

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	xerrors "AgentVault/internal/errors"
)

// MaxBatchSize caps the number of instructions in one BATCH.
const MaxBatchSize = 20

// maxAmountDigits bounds base-unit strings to uint256 range.
const maxAmountDigits = 78

// Token identifies a fungible token by contract or mint address.
type Token struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol,omitempty"`
	Decimals uint8  `json:"decimals"`
}

// AccountMeta is an extra account referenced by a program call.
type AccountMeta struct {
	Address  string `json:"address"`
	Writable bool   `json:"writable,omitempty"`
	Signer   bool   `json:"signer,omitempty"`
}

// Instruction is one operation. Amount is a base-unit integer string: native
// units for TRANSFER and CONTRACT_CALL value, token units for TOKEN_TRANSFER.
type Instruction struct {
	Type          Type          `json:"type"`
	To            string        `json:"to,omitempty"`
	Amount        string        `json:"amount,omitempty"`
	Token         *Token        `json:"token,omitempty"`
	Data          string        `json:"data,omitempty"`
	Method        string        `json:"method,omitempty"`
	Accounts      []AccountMeta `json:"accounts,omitempty"`
	Spender       string        `json:"spender,omitempty"`
	ApproveAmount string        `json:"approve_amount,omitempty"`
}

// Request is what a caller submits for a wallet. Non-batch requests use the
// embedded instruction; BATCH requests list their instructions.
type Request struct {
	Instruction
	Network      string        `json:"network,omitempty"`
	Instructions []Instruction `json:"instructions,omitempty"`
}

// Clone returns a deep copy.
func (r Request) Clone() Request {
	out := r
	out.Instruction = r.Instruction.clone()
	if r.Instructions != nil {
		out.Instructions = make([]Instruction, len(r.Instructions))
		for i, ins := range r.Instructions {
			out.Instructions[i] = ins.clone()
		}
	}
	return out
}

func (i Instruction) clone() Instruction {
	out := i
	if i.Token != nil {
		tok := *i.Token
		out.Token = &tok
	}
	if i.Accounts != nil {
		out.Accounts = append([]AccountMeta(nil), i.Accounts...)
	}
	return out
}

// Steps returns the instructions the request executes, one for non-batch.
func (r Request) Steps() []Instruction {
	if r.Type == TypeBatch {
		return r.Instructions
	}
	return []Instruction{r.Instruction}
}

// NativeValue sums the native units moved by every step.
func (r Request) NativeValue() *big.Int {
	total := new(big.Int)
	for _, step := range r.Steps() {
		total.Add(total, step.NativeAmount())
	}
	return total
}

// NativeAmount is the native value the instruction moves.
func (i Instruction) NativeAmount() *big.Int {
	switch i.Type {
	case TypeTransfer, TypeContractCall:
		if v, ok := ParseAmount(i.Amount); ok {
			return v
		}
	}
	return new(big.Int)
}

// TokenAmount is the token value the instruction moves.
func (i Instruction) TokenAmount() *big.Int {
	if i.Type == TypeTokenTransfer {
		if v, ok := ParseAmount(i.Amount); ok {
			return v
		}
	}
	return new(big.Int)
}

// MethodID is the method selector a CONTRACT_CALL invokes: the explicit
// method name when given, otherwise the first four calldata bytes.
func (i Instruction) MethodID() string {
	if m := strings.TrimSpace(i.Method); m != "" {
		return m
	}
	data := strings.TrimPrefix(strings.ToLower(i.Data), "0x")
	if len(data) < 8 {
		return ""
	}
	return "0x" + data[:8]
}

// CallData decodes the hex calldata.
func (i Instruction) CallData() ([]byte, error) {
	data := strings.TrimPrefix(strings.TrimPrefix(i.Data, "0x"), "0X")
	if data == "" {
		return nil, nil
	}
	return hex.DecodeString(data)
}

// Validate performs the shape checks that run before anything is persisted.
func (r Request) Validate() error {
	if !r.Type.Valid() {
		return validationError("unknown transaction type %q", r.Type)
	}
	if r.Type != TypeBatch {
		if len(r.Instructions) > 0 {
			return validationError("%s request cannot carry batch instructions", r.Type)
		}
		return r.Instruction.validate("")
	}

	if len(r.Instructions) < 2 {
		return validationError("BATCH requires at least 2 instructions, got %d", len(r.Instructions))
	}
	if len(r.Instructions) > MaxBatchSize {
		return validationError("BATCH allows at most %d instructions, got %d", MaxBatchSize, len(r.Instructions))
	}
	for idx, ins := range r.Instructions {
		if ins.Type == TypeBatch {
			return validationError("instruction %d: nested BATCH is not allowed", idx)
		}
		if err := ins.validate(fmt.Sprintf("instruction %d: ", idx)); err != nil {
			return err
		}
	}
	return nil
}

func (i Instruction) validate(prefix string) error {
	if !i.Type.Valid() {
		return validationError("%sunknown instruction type %q", prefix, i.Type)
	}
	switch i.Type {
	case TypeTransfer:
		if strings.TrimSpace(i.To) == "" {
			return validationError("%sTRANSFER requires a destination", prefix)
		}
		if !ValidAmount(i.Amount) {
			return validationError("%samount %q is not a non-negative integer", prefix, i.Amount)
		}
	case TypeTokenTransfer:
		if strings.TrimSpace(i.To) == "" {
			return validationError("%sTOKEN_TRANSFER requires a destination", prefix)
		}
		if i.Token == nil || strings.TrimSpace(i.Token.Address) == "" {
			return validationError("%sTOKEN_TRANSFER requires a token address", prefix)
		}
		if !ValidAmount(i.Amount) {
			return validationError("%samount %q is not a non-negative integer", prefix, i.Amount)
		}
	case TypeContractCall:
		if strings.TrimSpace(i.To) == "" {
			return validationError("%sCONTRACT_CALL requires a target", prefix)
		}
		if i.Data == "" && i.Method == "" {
			return validationError("%sCONTRACT_CALL requires calldata or a method", prefix)
		}
		if _, err := i.CallData(); err != nil {
			return validationError("%scalldata is not valid hex", prefix)
		}
		if i.Amount != "" && !ValidAmount(i.Amount) {
			return validationError("%svalue %q is not a non-negative integer", prefix, i.Amount)
		}
	case TypeApprove:
		if strings.TrimSpace(i.Spender) == "" {
			return validationError("%sAPPROVE requires a spender", prefix)
		}
		if i.ApproveAmount == "" {
			return validationError("%sAPPROVE requires an approve amount", prefix)
		}
		if !ValidAmount(i.ApproveAmount) {
			return validationError("%sapprove amount %q is not a non-negative integer", prefix, i.ApproveAmount)
		}
		if i.Token == nil || strings.TrimSpace(i.Token.Address) == "" {
			return validationError("%sAPPROVE requires a token address", prefix)
		}
	}
	return nil
}

// ValidAmount reports whether s is a base-10 non-negative integer that fits
// in 256 bits.
func ValidAmount(s string) bool {
	_, ok := ParseAmount(s)
	return ok
}

// ParseAmount parses a base-unit integer string.
func ParseAmount(s string) (*big.Int, bool) {
	if s == "" || len(s) > maxAmountDigits {
		return nil, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, false
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.BitLen() > 256 {
		return nil, false
	}
	return v, true
}

func validationError(format string, args ...any) error {
	return xerrors.New(CodeValidation, fmt.Sprintf(format, args...))
}
