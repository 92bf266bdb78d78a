package notify

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// EventType names what happened.
type EventType string

const (
	EventTxNotify           EventType = "transaction.notify"
	EventTxDelayed          EventType = "transaction.delayed"
	EventApprovalRequired   EventType = "transaction.approval_required"
	EventTxSubmitted        EventType = "transaction.submitted"
	EventTxConfirmed        EventType = "transaction.confirmed"
	EventTxFailed           EventType = "transaction.failed"
	EventTxCancelled        EventType = "transaction.cancelled"
	EventTxExpired          EventType = "transaction.expired"
	EventTxPendingReconcile EventType = "transaction.pending_reconcile"
	EventKillSwitch         EventType = "killswitch.changed"
)

// Event is one notification.
type Event struct {
	Type       EventType         `json:"type"`
	WalletID   string            `json:"wallet_id,omitempty"`
	TxID       string            `json:"tx_id,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Sink delivers events somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// FormatAmount renders base units with thousands separators, e.g.
// "1,234.5 ETH".
func FormatAmount(amount *big.Int, decimals int32, symbol string) string {
	if amount == nil {
		amount = new(big.Int)
	}
	d := decimal.NewFromBigInt(amount, -decimals)
	whole := d.Truncate(0)
	out := humanize.BigComma(whole.BigInt())
	if frac := d.Sub(whole); !frac.IsZero() {
		out += strings.TrimPrefix(frac.String(), "0")
	}
	if symbol != "" {
		out += " " + symbol
	}
	return out
}

// FormatUSD renders a dollar amount, e.g. "$12,345.67".
func FormatUSD(usd decimal.Decimal) string {
	f, _ := usd.Round(2).Float64()
	return "$" + humanize.FormatFloat("#,###.##", f)
}

// Until renders a future instant relative to now, e.g. "5 minutes from now".
func Until(t time.Time) string {
	return humanize.Time(t)
}
