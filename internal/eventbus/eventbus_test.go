package eventbus

import (
	"testing"
	"time"

	"github.com/rileywarren/codex-swarm/internal/model"
)

func TestPublish_DeliversInOrder(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(model.NewRuntimeEvent("worker.status", map[string]any{"n": 1}))
	bus.Publish(model.NewRuntimeEvent("worker.status", map[string]any{"n": 2}))
	bus.Publish(model.NewRuntimeEvent("worker.status", map[string]any{"n": 3}))

	for i := 1; i <= 3; i++ {
		ev, ok := sub.Next()
		if !ok {
			t.Fatalf("Next: expected event %d, got none", i)
		}
		if ev.Payload["n"] != i {
			t.Fatalf("event %d: payload n = %v, want %d", i, ev.Payload["n"], i)
		}
	}
}

func TestPublish_MultipleSubscribersEachGetEveryEvent(t *testing.T) {
	bus := New()
	subA := bus.Subscribe()
	subB := bus.Subscribe()
	defer subA.Close()
	defer subB.Close()

	bus.Publish(model.NewRuntimeEvent("budget.updated", nil))

	if _, ok := subA.Next(); !ok {
		t.Fatalf("subA: expected event")
	}
	if _, ok := subB.Next(); !ok {
		t.Fatalf("subB: expected event")
	}
}

func TestPublish_DoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := New()
	slow := bus.Subscribe()
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(model.NewRuntimeEvent("log", map[string]any{"i": i}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked with an unread subscriber")
	}

	count := 0
	for {
		slow.mu.Lock()
		n := len(slow.queue)
		slow.mu.Unlock()
		if n == count {
			break
		}
		count = n
	}
	if count != 1000 {
		t.Fatalf("slow subscriber queued %d events, want 1000", count)
	}
}

func TestClose_UnblocksNext(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()

	resultCh := make(chan bool, 1)
	go func() {
		_, ok := sub.Next()
		resultCh <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Close()

	select {
	case ok := <-resultCh:
		if ok {
			t.Fatalf("Next after Close should return ok=false")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Next did not unblock after Close")
	}
}
