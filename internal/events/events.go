package events

import (
	"context"
	"sync"
	"time"

	"github.com/yourorg/integrations-api/internal/domain"
)

type Kind string

const (
	Registered     Kind = "registered"
	Updated        Kind = "updated"
	Unregistered   Kind = "unregistered"
	DefaultChanged Kind = "default_changed"
	Rotated        Kind = "rotated"
)

// IntegrationChanged is emitted after every registry mutation.
type IntegrationChanged struct {
	Name         string              `json:"name"`
	ProviderType domain.ProviderType `json:"provider_type"`
	Kind         Kind                `json:"kind"`
	At           time.Time           `json:"at"`
	Origin       string              `json:"origin,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, evt IntegrationChanged)
	Subscribe() <-chan IntegrationChanged
}

// InMemory fans events out to every subscriber. Slow subscribers lose events
// instead of blocking the publisher.
type InMemory struct {
	buffer int
	mu     sync.RWMutex
	subs   []chan IntegrationChanged
}

func NewInMemory(buffer int) *InMemory {
	if buffer <= 0 {
		buffer = 256
	}
	return &InMemory{buffer: buffer}
}

func (m *InMemory) Publish(_ context.Context, evt IntegrationChanged) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (m *InMemory) Subscribe() <-chan IntegrationChanged {
	ch := make(chan IntegrationChanged, m.buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, IntegrationChanged) {}
func (Nop) Subscribe() <-chan IntegrationChanged        { return nil }
