package api

import (
	"sync"
)

// BatchEvent is one realtime notification scoped to a batch, delivered
// over SSE and WebSocket streams.
type BatchEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type EventBroker interface {
	Subscribe(batchID string) chan BatchEvent
	Unsubscribe(batchID string, ch chan BatchEvent)
	Publish(batchID string, evt BatchEvent)
}

// Broker is the in-process EventBroker used without Redis.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan BatchEvent]struct{} // batchId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan BatchEvent]struct{}{}}
}

func (b *Broker) Subscribe(batchID string) chan BatchEvent {
	ch := make(chan BatchEvent, 8)
	b.mu.Lock()
	if b.subs[batchID] == nil {
		b.subs[batchID] = map[chan BatchEvent]struct{}{}
	}
	b.subs[batchID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(batchID string, ch chan BatchEvent) {
	b.mu.Lock()
	if m := b.subs[batchID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, batchID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) Publish(batchID string, evt BatchEvent) {
	b.mu.Lock()
	m := b.subs[batchID]
	for ch := range m {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
