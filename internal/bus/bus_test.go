package bus_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"storyline/internal/bus"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	args  [][]any
}

func (r *recorder) handler(name string) bus.Handler {
	return func(topic bus.Topic, args ...any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		r.args = append(r.args, append([]any{topic}, args...))
	}
}

func quietBus() *bus.Bus {
	return bus.New(bus.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestPublishInvokesSubscriber(t *testing.T) {
	b := quietBus()
	rec := &recorder{}
	b.Subscribe("projects:received", rec.handler("h"))

	b.Publish("projects:received", 42)
	b.Publish("iterations:received", 7)

	if len(rec.calls) != 1 {
		t.Fatalf("expected one call, got %d", len(rec.calls))
	}
	got := rec.args[0]
	if len(got) != 2 || got[0] != bus.Topic("projects:received") || got[1] != 42 {
		t.Fatalf("unexpected args: %v", got)
	}
}

func TestUnsubscribeFirstOfTwo(t *testing.T) {
	b := quietBus()
	rec := &recorder{}
	first := b.Subscribe("t", rec.handler("first"))
	b.Subscribe("t", rec.handler("second"))

	if !b.Unsubscribe("t", first) {
		t.Fatalf("expected removal")
	}
	b.Publish("t")

	if len(rec.calls) != 1 || rec.calls[0] != "second" {
		t.Fatalf("expected only second handler, got %v", rec.calls)
	}
	if b.Unsubscribe("t", first) {
		t.Fatalf("second removal should be a no-op")
	}
}

func TestUnsubscribeLastRemovesTopic(t *testing.T) {
	b := quietBus()
	rec := &recorder{}
	id := b.Subscribe("t", rec.handler("only"))
	b.Unsubscribe("t", id)
	b.Publish("t")
	if len(rec.calls) != 0 {
		t.Fatalf("removed handler invoked: %v", rec.calls)
	}
	if b.Count("t") != 0 {
		t.Fatalf("expected no registrations, got %d", b.Count("t"))
	}
}

func TestPublishMostRecentFirst(t *testing.T) {
	b := quietBus()
	rec := &recorder{}
	b.Subscribe("t", rec.handler("h1"))
	b.Subscribe("t", rec.handler("h2"))
	b.Subscribe("t", rec.handler("h3"))

	b.Publish("t")

	want := []string{"h3", "h2", "h1"}
	for i, name := range want {
		if rec.calls[i] != name {
			t.Fatalf("order: got %v want %v", rec.calls, want)
		}
	}
}

func TestNoOpRegistration(t *testing.T) {
	b := quietBus()
	rec := &recorder{}
	if id := b.Subscribe("", rec.handler("h")); id != "" {
		t.Fatalf("expected empty id for empty topic")
	}
	if id := b.Subscribe("t", nil); id != "" {
		t.Fatalf("expected empty id for nil handler")
	}
	b.Publish("")
	b.Publish("unknown")
	if b.Unsubscribe("", "x") || b.Unsubscribe("t", "") || b.Unsubscribe("missing", "x") {
		t.Fatalf("unsubscribe of absent registration should report false")
	}
	if b.Count("t") != 0 || len(rec.calls) != 0 {
		t.Fatalf("bus state changed by no-op calls")
	}
}

func TestPanickingHandlerIsolated(t *testing.T) {
	b := quietBus()
	rec := &recorder{}
	b.Subscribe("t", rec.handler("older"))
	b.Subscribe("t", func(bus.Topic, ...any) { panic("view exploded") })

	b.Publish("t")

	if len(rec.calls) != 1 || rec.calls[0] != "older" {
		t.Fatalf("sibling handler did not run: %v", rec.calls)
	}
}

func TestReentrantSubscribeDuringPublish(t *testing.T) {
	b := quietBus()
	rec := &recorder{}
	b.Subscribe("t", func(bus.Topic, ...any) {
		b.Subscribe("t", rec.handler("late"))
	})

	b.Publish("t")
	if len(rec.calls) != 0 {
		t.Fatalf("handler added during publish must not run in the same publish")
	}
	b.Publish("t")
	if len(rec.calls) != 1 {
		t.Fatalf("expected late handler on next publish, got %v", rec.calls)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := quietBus()
	var mu sync.Mutex
	count := 0
	b.Subscribe("t", func(bus.Topic, ...any) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish("t")
		}()
	}
	wg.Wait()
	if count != 50 {
		t.Fatalf("expected 50 calls, got %d", count)
	}
}

func TestClear(t *testing.T) {
	b := quietBus()
	rec := &recorder{}
	b.Subscribe("a", rec.handler("a"))
	b.Subscribe("b", rec.handler("b"))
	b.Clear()
	b.Publish("a")
	b.Publish("b")
	if len(rec.calls) != 0 {
		t.Fatalf("cleared handlers invoked: %v", rec.calls)
	}
}
