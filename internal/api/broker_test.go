package api

import (
	"testing"
	"time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	id := "b1"
	ch := b.Subscribe(id)

	evt := BatchEvent{Type: "batch.created", Data: map[string]any{"batchId": id}}
	b.Publish(id, evt)

	select {
	case got := <-ch:
		if got.Type != evt.Type {
			t.Fatalf("got type %s, want %s", got.Type, evt.Type)
		}
		if got.Data["batchId"].(string) != id {
			t.Fatalf("bad payload: %+v", got.Data)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe(id, ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should be closed after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
		// acceptable if already drained and closed
	}
}

func TestBrokerScopesByBatch(t *testing.T) {
	b := NewBroker()
	chA := b.Subscribe("a")
	chB := b.Subscribe("b")
	defer b.Unsubscribe("a", chA)
	defer b.Unsubscribe("b", chB)

	b.Publish("a", BatchEvent{Type: "delivery.status.changed"})

	select {
	case <-chA:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("subscriber for batch a got nothing")
	}
	select {
	case evt := <-chB:
		t.Fatalf("subscriber for batch b leaked event %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
