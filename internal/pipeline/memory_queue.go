package pipeline

import (
	"context"
	"sync"

	xerrors "AgentVault/internal/errors"
)

// MemoryQueue is a channel-backed queue for tests and single-process runs.
type MemoryQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue creates a queue buffering up to size ids.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish blocks until the id is buffered or ctx ends.
func (q *MemoryQueue) Publish(ctx context.Context, txID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "queue closed")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- txID:
		return nil
	}
}

// Len is the number of buffered ids.
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Consume runs workerCount workers until ctx ends or the queue closes.
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case txID, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, txID)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close stops further publishing and lets workers drain.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
