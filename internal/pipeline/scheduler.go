package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"AgentVault/internal/killswitch"
	"AgentVault/internal/txn"
)

// Refresher reloads kill-switch state written by other processes.
type Refresher interface {
	Refresh(ctx context.Context) (killswitch.Snapshot, error)
}

// Scheduler sweeps the store for work no queue message will announce:
// elapsed delays, approvals, expired approval windows, abandoned claims
// and SUBMITTED transactions that need reconciling.
type Scheduler struct {
	pipeline  *Pipeline
	refresher Refresher
	interval  time.Duration
	batch     int
	logger    *slog.Logger
}

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRefresher refreshes r at the start of every sweep.
func WithRefresher(r Refresher) SchedulerOption {
	return func(s *Scheduler) { s.refresher = r }
}

// WithBatchSize bounds how many rows each sweep reads per category.
func WithBatchSize(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.batch = n
		}
	}
}

// NewScheduler sweeps every interval.
func NewScheduler(p *Pipeline, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Scheduler{pipeline: p, interval: interval, batch: 100, logger: p.logger.With(slog.String("loop", "scheduler"))}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run sweeps until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one sweep.
func (s *Scheduler) Tick(ctx context.Context) error {
	p := s.pipeline
	var errs []error
	if s.refresher != nil {
		if _, err := s.refresher.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	now := p.now()

	due, err := p.txs.ListResumable(ctx, now, s.batch)
	if err != nil {
		errs = append(errs, err)
	}
	for _, tx := range due {
		s.dispatch(ctx, tx.ID)
	}

	expired, err := p.txs.ListExpiredApprovals(ctx, now, s.batch)
	if err != nil {
		errs = append(errs, err)
	}
	for _, pending := range expired {
		if _, err := p.expire(ctx, pending.TxID); err != nil {
			if errors.Is(err, txn.ErrCompleted) || errors.Is(err, txn.ErrConflict) || errors.Is(err, txn.ErrNotFound) {
				// Approved, cancelled or gone since the listing; drop the
				// leftover row.
				_ = p.txs.DeleteApproval(ctx, pending.TxID)
				continue
			}
			errs = append(errs, err)
		}
	}

	stale, err := p.txs.ListSubmitted(ctx, now.Add(-p.cfg.ReconcileAfter), s.batch)
	if err != nil {
		errs = append(errs, err)
	}
	for _, tx := range stale {
		s.dispatch(ctx, tx.ID)
	}
	if n := len(due) + len(expired) + len(stale); n > 0 {
		s.logger.Debug("sweep done",
			slog.Int("resumable", len(due)),
			slog.Int("expired", len(expired)),
			slog.Int("reconcile", len(stale)),
		)
	}
	return errors.Join(errs...)
}

// dispatch hands id to the workers, or runs it inline without a queue.
func (s *Scheduler) dispatch(ctx context.Context, id string) {
	p := s.pipeline
	if p.producer != nil {
		if err := p.producer.Publish(ctx, id); err != nil {
			s.logger.Warn("enqueue failed", slog.String("tx_id", id), slog.Any("error", err))
		}
		return
	}
	if _, err := p.Process(ctx, id); err != nil && !errors.Is(err, txn.ErrClaimed) {
		s.logger.Warn("process failed", slog.String("tx_id", id), slog.Any("error", err))
	}
}
