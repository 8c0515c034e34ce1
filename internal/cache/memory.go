package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type item struct {
	value   []byte
	tags    []string
	expires time.Time
}

// Memory is a process-local cache. A zero or negative TTL disables storage.
type Memory struct {
	ttl     time.Duration
	metrics Metrics

	mu    sync.RWMutex
	items map[string]item
	tags  map[string]map[string]struct{}
	gen   uint64

	group singleflight.Group
	stop  chan struct{}
	once  sync.Once
}

func NewMemory(ttl time.Duration, metrics Metrics) *Memory {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	m := &Memory{
		ttl:     ttl,
		metrics: metrics,
		items:   map[string]item{},
		tags:    map[string]map[string]struct{}{},
		stop:    make(chan struct{}),
	}
	if ttl > 0 {
		go m.janitor(max(ttl, time.Second))
	}
	return m
}

func (m *Memory) lookup(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[key]
	if !ok || !time.Now().Before(it.expires) {
		return nil, false
	}
	return it.value, true
}

func (m *Memory) GetOrFetch(ctx context.Context, key string, tags []string, fetch Fetch) ([]byte, bool, error) {
	if v, ok := m.lookup(key); ok {
		m.metrics.CacheLookup(true)
		return v, true, nil
	}
	m.metrics.CacheLookup(false)

	v, err, _ := m.group.Do(key, func() (any, error) {
		if v, ok := m.lookup(key); ok {
			return v, nil
		}
		m.mu.RLock()
		gen := m.gen
		m.mu.RUnlock()

		v, store, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if store && m.ttl > 0 {
			m.set(key, v, tags, gen)
		}
		return v, nil
	})
	if err != nil && leaderCanceled(ctx, err) {
		val, _, err := fetch(ctx)
		return val, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// set stores unless an invalidation happened while the value was being fetched.
func (m *Memory) set(key string, v []byte, tags []string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.items[key] = item{value: v, tags: tags, expires: time.Now().Add(m.ttl)}
	for _, t := range tags {
		keys, ok := m.tags[t]
		if !ok {
			keys = map[string]struct{}{}
			m.tags[t] = keys
		}
		keys[key] = struct{}{}
	}
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.deleteLocked(key)
	return nil
}

func (m *Memory) InvalidateTag(_ context.Context, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	for key := range m.tags[tag] {
		m.deleteLocked(key)
	}
	delete(m.tags, tag)
	return nil
}

func (m *Memory) deleteLocked(key string) {
	it, ok := m.items[key]
	if !ok {
		return
	}
	delete(m.items, key)
	for _, t := range it.tags {
		if keys := m.tags[t]; keys != nil {
			delete(keys, key)
			if len(keys) == 0 {
				delete(m.tags, t)
			}
		}
	}
}

// Len counts live entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	now := time.Now()
	for _, it := range m.items {
		if now.Before(it.expires) {
			n++
		}
	}
	return n
}

func (m *Memory) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, it := range m.items {
		if !now.Before(it.expires) {
			m.deleteLocked(key)
		}
	}
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}
