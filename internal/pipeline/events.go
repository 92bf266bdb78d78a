package pipeline

import (
	"log/slog"

	"AgentVault/internal/notify"
	"AgentVault/internal/policy"
	"AgentVault/internal/txn"
	"AgentVault/internal/wallet"
)

func (p *Pipeline) event(typ notify.EventType, tx *txn.Transaction, w *wallet.Wallet, eval *policy.Evaluation, extra map[string]string) notify.Event {
	payload := map[string]string{
		"status":  string(tx.Status),
		"type":    string(tx.Type),
		"network": tx.Network,
		"amount":  tx.Amount,
	}
	if tx.Tier != "" {
		payload["tier"] = string(tx.Tier)
	}
	if tx.To != "" {
		payload["to"] = tx.To
	}
	if tx.TxHash != "" {
		payload["tx_hash"] = tx.TxHash
	}
	if tx.ErrorCode != "" {
		payload["error_code"] = tx.ErrorCode
		payload["error"] = tx.LastError
	}
	if w != nil && (tx.Type == txn.TypeTransfer || tx.Type == txn.TypeBatch) {
		payload["amount_display"] = notify.FormatAmount(tx.Request.NativeValue(), w.Chain.NativeDecimals(), w.Chain.NativeSymbol())
	}
	if eval != nil {
		if eval.SpendUSD.IsPositive() {
			payload["spend_usd"] = notify.FormatUSD(eval.SpendUSD)
		}
		if eval.Unpriced {
			payload["unpriced"] = "true"
		}
	}
	for k, v := range extra {
		payload[k] = v
	}
	return notify.Event{
		Type:       typ,
		WalletID:   tx.WalletID,
		TxID:       tx.ID,
		Payload:    payload,
		OccurredAt: p.now(),
	}
}

func (p *Pipeline) publish(event notify.Event) {
	if p.notifier == nil {
		return
	}
	if !p.notifier.Publish(event) {
		p.logger.Warn("notification dropped",
			slog.String("event", string(event.Type)),
			slog.String("tx_id", event.TxID),
		)
	}
}
