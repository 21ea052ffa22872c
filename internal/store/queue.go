package store

import (
	"context"
	"sync"
	"time"

	"github.com/workflowai/gateway/internal/observability"
	"github.com/workflowai/gateway/pkg/models"
)

// PersistQueue decouples run persistence from the request path: the
// engine enqueues and returns, a single consumer drains to the store.
// The queue is bounded; when full, Enqueue fails fast rather than
// blocking a live stream.
type PersistQueue struct {
	store   RunStore
	logger  *observability.Logger
	ch      chan *models.Run
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

const (
	defaultQueueDepth  = 256
	persistWriteBudget = 10 * time.Second
)

// NewPersistQueue starts the consumer goroutine. depth <= 0 uses the
// default.
func NewPersistQueue(s RunStore, logger *observability.Logger, depth int) *PersistQueue {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	q := &PersistQueue{
		store:  s,
		logger: logger,
		ch:     make(chan *models.Run, depth),
	}
	q.wg.Add(1)
	go q.drain()
	return q
}

// Enqueue submits a run for persistence. Returns false when the queue
// is full or closed; the run is then dropped and logged by the caller.
func (q *PersistQueue) Enqueue(run *models.Run) bool {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- run:
		return true
	default:
		return false
	}
}

func (q *PersistQueue) drain() {
	defer q.wg.Done()
	for run := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), persistWriteBudget)
		err := q.store.PutRun(ctx, run)
		cancel()
		if err != nil && err != ErrAlreadyExists {
			q.logger.Error(ctx, "run persist failed", "run_id", run.ID, "error", err)
		}
	}
}

// Close stops accepting runs and blocks until queued runs are written.
func (q *PersistQueue) Close() {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.closeMu.Unlock()
	q.wg.Wait()
}
