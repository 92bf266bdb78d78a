package pipeline

import (
	"context"
)

// Handler processes one transaction id taken off a queue.
type Handler func(ctx context.Context, txID string) error

// Producer hands transaction ids to workers.
type Producer interface {
	Publish(ctx context.Context, txID string) error
	Close() error
}

// Consumer feeds transaction ids to a pool of workers.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue is both ends of a transport.
type Queue interface {
	Producer
	Consumer
}
