package snapshots

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/integrations-api/internal/logger"
	"github.com/yourorg/integrations-api/internal/store"
	"github.com/yourorg/integrations-api/internal/telemetry"
)

type recorder struct {
	mu   sync.Mutex
	refs []string
	gate chan struct{}
	fail bool
}

func (r *recorder) WriteSnapshot(ctx context.Context, snap store.Snapshot) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, snap.Ref)
	if r.fail {
		return errors.New("disk full")
	}
	return nil
}

func (r *recorder) written() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.refs...)
}

func TestQueue_WritesAndDrainsOnClose(t *testing.T) {
	rec := &recorder{}
	q := New(rec, 16, 2, logger.Discard(), nil)
	for i := 0; i < 10; i++ {
		assert.True(t, q.Enqueue(store.Snapshot{Ref: fmt.Sprintf("sha256:%d", i), Integration: "mls1"}))
	}
	q.Close()
	assert.Len(t, rec.written(), 10)
	assert.False(t, q.Enqueue(store.Snapshot{Ref: "late"}))
	q.Close()
}

func TestQueue_DedupsInFlightRefs(t *testing.T) {
	rec := &recorder{gate: make(chan struct{})}
	q := New(rec, 16, 1, logger.Discard(), nil)
	for i := 0; i < 5; i++ {
		q.Enqueue(store.Snapshot{Ref: "sha256:same"})
	}
	close(rec.gate)
	q.Close()
	assert.Equal(t, []string{"sha256:same"}, rec.written())
}

func TestQueue_DropsWhenSaturated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)
	rec := &recorder{gate: make(chan struct{})}
	q := New(rec, 1, 1, logger.Discard(), m)

	// one held by the worker, one buffered, the rest dropped
	accepted := 0
	deadline := time.Now().Add(time.Second)
	for i := 0; i < 10; i++ {
		if q.Enqueue(store.Snapshot{Ref: fmt.Sprintf("r%d", i)}) {
			accepted++
		}
		if i == 0 {
			for len(q.ch) > 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		}
	}
	assert.Equal(t, 2, accepted)
	assert.Equal(t, float64(8), testutil.ToFloat64(m.SnapshotsDrop))

	close(rec.gate)
	q.Close()
	assert.Len(t, rec.written(), 2)
}

func TestQueue_WriteErrorReleasesRef(t *testing.T) {
	rec := &recorder{fail: true}
	q := New(rec, 4, 1, logger.Discard(), nil)
	require.True(t, q.Enqueue(store.Snapshot{Ref: "r"}))
	require.Eventually(t, func() bool { return len(rec.written()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		_, busy := q.inFly.Load("r")
		return !busy
	}, time.Second, time.Millisecond)
	assert.True(t, q.Enqueue(store.Snapshot{Ref: "r"}))
	q.Close()
	assert.Len(t, rec.written(), 2)
}
