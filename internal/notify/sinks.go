package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"AgentVault/pkg/logger"

	"github.com/go-resty/resty/v2"
	amqp "github.com/rabbitmq/amqp091-go"
)

// LogSink writes events to the application log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink() *LogSink { return &LogSink{logger: logger.Named("notify")} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("type", string(event.Type)),
		slog.String("wallet_id", event.WalletID),
		slog.String("tx_id", event.TxID),
	}
	for k, v := range event.Payload {
		attrs = append(attrs, slog.String(k, v))
	}
	s.logger.Info("notification", attrs...)
	return nil
}

// WebhookSink posts events as JSON.
type WebhookSink struct {
	client *resty.Client
	url    string
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "agentvault-notify")
	return &WebhookSink{client: client, url: url}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, event Event) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("X-AgentVault-Event", string(event.Type)).
		SetBody(event).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook responded %s", resp.Status())
	}
	return nil
}

// AMQPConfig locates the exchange events are published to.
type AMQPConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

// AMQPSink publishes events to a topic exchange keyed by event type.
type AMQPSink struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is empty")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "agentvault.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.ch.PublishWithContext(ctx, s.exchange, string(event.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		MessageId:    event.TxID,
		Body:         body,
	})
}

func (s *AMQPSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
