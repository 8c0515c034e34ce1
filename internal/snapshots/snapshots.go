// Package snapshots persists raw provider payloads off the search path.
package snapshots

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yourorg/integrations-api/internal/store"
	"github.com/yourorg/integrations-api/internal/telemetry"
)

const writeTimeout = 15 * time.Second

// Writer is satisfied by *store.Store.
type Writer interface {
	WriteSnapshot(ctx context.Context, snap store.Snapshot) error
}

// Queue is a bounded snapshot queue drained by a fixed worker pool. Payloads with a
// ref already queued or being written are skipped.
type Queue struct {
	w       Writer
	logger  *slog.Logger
	metrics *telemetry.Metrics

	ch     chan store.Snapshot
	inFly  sync.Map // ref -> struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func New(w Writer, capacity, workers int, logger *slog.Logger, metrics *telemetry.Metrics) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{w: w, logger: logger, metrics: metrics, ch: make(chan store.Snapshot, capacity)}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

// Enqueue never blocks. It reports false when the snapshot was dropped because the
// queue is full or closed.
func (q *Queue) Enqueue(snap store.Snapshot) bool {
	if snap.Ref == "" {
		return false
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	if _, exists := q.inFly.LoadOrStore(snap.Ref, struct{}{}); exists {
		return true
	}
	select {
	case q.ch <- snap:
		return true
	default:
		q.inFly.Delete(snap.Ref)
		q.metrics.SnapshotDropped()
		q.logger.Debug("snapshot queue saturated, dropping", "integration", snap.Integration, "ref", snap.Ref)
		return false
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for snap := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := q.w.WriteSnapshot(ctx, snap); err != nil {
			q.logger.Warn("snapshot write failed", "integration", snap.Integration, "ref", snap.Ref, "err", err)
		}
		cancel()
		q.inFly.Delete(snap.Ref)
	}
}

// Close stops accepting snapshots and waits for queued ones to be written.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}
