package event

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestPumpDispatchesByKind(t *testing.T) {
	t.Parallel()
	p := NewPump()
	var messages, joins atomic.Int64
	p.Subscribe(KindMessage, func(context.Context, *Event) { messages.Add(1) })
	p.Subscribe(KindJoin, func(context.Context, *Event) { joins.Add(1) })

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(ctx)

	p.Enqueue(&Event{ID: "m1", Kind: KindMessage})
	p.Enqueue(&Event{ID: "j1", Kind: KindJoin})
	p.Enqueue(&Event{ID: "m2", Kind: KindMessage})

	waitFor(t, func() bool { return messages.Load() == 2 && joins.Load() == 1 })
}

func TestPumpDropsDuplicates(t *testing.T) {
	t.Parallel()
	p := NewPump()
	var count atomic.Int64
	p.Subscribe(KindMessage, func(context.Context, *Event) { count.Add(1) })

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(ctx)

	for i := 0; i < 5; i++ {
		p.Enqueue(&Event{ID: "same", Kind: KindMessage})
	}
	p.Enqueue(&Event{ID: "other", Kind: KindMessage})

	waitFor(t, func() bool { return count.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 2 {
		t.Fatalf("redelivered event leaked through, handled %d", count.Load())
	}
}

func TestPumpHandlesEmptyIDsWithoutDedup(t *testing.T) {
	t.Parallel()
	p := NewPump()
	var count atomic.Int64
	p.Subscribe(KindMessage, func(context.Context, *Event) { count.Add(1) })

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(ctx)

	p.Enqueue(&Event{Kind: KindMessage})
	p.Enqueue(&Event{Kind: KindMessage})
	waitFor(t, func() bool { return count.Load() == 2 })
}

func TestPumpSurvivesPanickingHandler(t *testing.T) {
	t.Parallel()
	p := NewPump()
	var count atomic.Int64
	p.Subscribe(KindMessage, func(_ context.Context, ev *Event) {
		if ev.ID == "poison" {
			panic("handler bug")
		}
		count.Add(1)
	})

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	p.Enqueue(&Event{ID: "poison", Kind: KindMessage})
	for i := 0; i < 20; i++ {
		p.Enqueue(&Event{ID: fmt.Sprintf("ok-%d", i), Kind: KindMessage})
	}
	waitFor(t, func() bool { return count.Load() == 20 })

	// Stop must settle: the worker that recovered the panic counts as
	// one worker, not two.
	done := make(chan struct{})
	go func() {
		_ = p.Stop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop never returned after a handler panic")
	}
}

func TestPumpConcurrentEnqueue(t *testing.T) {
	t.Parallel()
	p := NewPump()
	var count atomic.Int64
	p.Subscribe(KindMessage, func(context.Context, *Event) { count.Add(1) })

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(ctx)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p.Enqueue(&Event{
					ID:   fmt.Sprintf("%d-%d", g, i),
					Kind: KindMessage,
				})
			}
		}(g)
	}
	wg.Wait()
	// IDs above are unique enough; every event should land once.
	waitFor(t, func() bool { return count.Load() == 800 })
}
