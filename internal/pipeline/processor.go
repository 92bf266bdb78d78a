package pipeline

import (
	"context"
	"errors"
	"log/slog"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/txn"
)

// Processor feeds queued transaction ids into the pipeline.
type Processor struct {
	pipeline    *Pipeline
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption customises a Processor.
type ProcessorOption func(*Processor)

// WithWorkerCount sets how many transactions run at once.
func WithWorkerCount(workers int) ProcessorOption {
	return func(pr *Processor) {
		if workers > 0 {
			pr.workerCount = workers
		}
	}
}

// WithProcessorLogger overrides the processor logger.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(pr *Processor) {
		if l != nil {
			pr.logger = l
		}
	}
}

// NewProcessor builds a processor reading from consumer.
func NewProcessor(p *Pipeline, consumer Consumer, opts ...ProcessorOption) *Processor {
	pr := &Processor{
		pipeline:    p,
		consumer:    consumer,
		workerCount: 1,
	}
	if p != nil {
		pr.logger = p.logger.With(slog.String("loop", "processor"))
	}
	for _, opt := range opts {
		if opt != nil {
			opt(pr)
		}
	}
	return pr
}

// Start consumes until ctx ends.
func (pr *Processor) Start(ctx context.Context) error {
	if pr.consumer == nil || pr.pipeline == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor has no consumer or pipeline")
	}
	return pr.consumer.Consume(ctx, pr.workerCount, pr.handle)
}

func (pr *Processor) handle(ctx context.Context, txID string) error {
	tx, err := pr.pipeline.Process(ctx, txID)
	if err != nil {
		if errors.Is(err, txn.ErrClaimed) || errors.Is(err, txn.ErrNotFound) {
			pr.logger.Debug("skipping transaction", slog.String("tx_id", txID), slog.String("reason", err.Error()))
			return nil
		}
		pr.logger.Error("process transaction", slog.String("tx_id", txID), slog.Any("error", err))
		return err
	}
	pr.logger.Debug("transaction processed", slog.String("tx_id", txID), slog.String("status", string(tx.Status)))
	return nil
}
