package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leakwatch/leakwatch/errs"
)

func TestMemoryFIFOOrder(t *testing.T) {
	q := NewMemory[string](0)
	ctx := context.Background()
	for _, v := range []string{"a", "b", "c"} {
		if err := q.Put(ctx, v); err != nil {
			t.Fatalf("put %s: %v", v, err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("len = %d, want 3", q.Len())
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestMemoryNonBlockingSentinels(t *testing.T) {
	q := NewMemory[int](1)
	if _, err := q.TryGet(); !errs.QueueEmpty(err) {
		t.Fatalf("expected queue_empty, got %v", err)
	}
	if err := q.TryPut(1); err != nil {
		t.Fatalf("try put: %v", err)
	}
	if err := q.TryPut(2); !errs.QueueFull(err) {
		t.Fatalf("expected queue_full, got %v", err)
	}
	if !errors.Is(q.TryPut(3), ErrFull) {
		t.Fatalf("expected ErrFull identity")
	}
}

func TestMemoryBoundedPutBlocksUntilSpace(t *testing.T) {
	q := NewMemory[int](1)
	ctx := context.Background()
	if err := q.Put(ctx, 1); err != nil {
		t.Fatalf("first put: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- q.Put(ctx, 2) }()

	select {
	case err := <-done:
		t.Fatalf("put on full queue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.TryGet(); err != nil {
		t.Fatalf("try get: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked put failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked put did not resume after space freed")
	}
	if got, _ := q.TryGet(); got != 2 {
		t.Fatalf("expected the unblocked item, got %d", got)
	}
}

func TestMemoryGetBlocksUntilPut(t *testing.T) {
	q := NewMemory[string](0)
	ctx := context.Background()

	got := make(chan string, 1)
	go func() {
		v, err := q.Get(ctx)
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- v
	}()

	select {
	case v := <-got:
		t.Fatalf("get on empty queue returned early: %q", v)
	case <-time.After(50 * time.Millisecond):
	}

	if err := q.Put(ctx, "late"); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case v := <-got:
		if v != "late" {
			t.Fatalf("got %q, want late", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked get did not receive the put item")
	}
}

func TestMemoryGetHonorsContextCancel(t *testing.T) {
	q := NewMemory[int](0)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := q.Get(ctx)
		errc <- err
	}()

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("get did not observe cancellation")
	}
}

func TestMemoryNotifyPairingAndJoin(t *testing.T) {
	q := NewMemory[int](0)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := q.Put(ctx, i); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := q.Get(ctx); err != nil {
			t.Fatalf("get: %v", err)
		}
	}

	if err := q.Notify(); err != nil {
		t.Fatalf("first notify: %v", err)
	}

	joined := make(chan error, 1)
	go func() { joined <- q.Join(ctx) }()
	select {
	case err := <-joined:
		t.Fatalf("join returned with one item unnotified: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := q.Notify(); err != nil {
		t.Fatalf("second notify: %v", err)
	}
	select {
	case err := <-joined:
		if err != nil {
			t.Fatalf("join: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("join did not unblock after final notify")
	}

	if err := q.Notify(); errs.CodeOf(err) != errs.CodeInvariant {
		t.Fatalf("expected invariant error on over-notify, got %v", err)
	}
}

func TestMemoryReadySignal(t *testing.T) {
	q := NewMemory[int](0)

	select {
	case <-q.Ready():
		t.Fatalf("ready fired on empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	if err := q.TryPut(1); err != nil {
		t.Fatalf("try put: %v", err)
	}
	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatalf("ready did not fire with a queued item")
	}

	if _, err := q.TryGet(); err != nil {
		t.Fatalf("try get: %v", err)
	}
	select {
	case <-q.Ready():
		t.Fatalf("ready fired after queue drained")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryDrainSettlesJoin(t *testing.T) {
	q := NewMemory[int](0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := q.Put(ctx, i); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if dropped := q.Drain(); dropped != 3 {
		t.Fatalf("drained %d, want 3", dropped)
	}
	if q.Len() != 0 {
		t.Fatalf("len after drain = %d", q.Len())
	}
	joinCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := q.Join(joinCtx); err != nil {
		t.Fatalf("join after drain should be immediate: %v", err)
	}
}

func TestMemoryUnboundedCap(t *testing.T) {
	q := NewMemory[int](0)
	if q.Cap() != 0 {
		t.Fatalf("cap = %d, want 0 (unbounded)", q.Cap())
	}
	for i := 0; i < 1000; i++ {
		if err := q.TryPut(i); err != nil {
			t.Fatalf("unbounded queue rejected put %d: %v", i, err)
		}
	}
	if q.Len() != 1000 {
		t.Fatalf("len = %d, want 1000", q.Len())
	}
}
