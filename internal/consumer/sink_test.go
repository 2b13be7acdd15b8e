package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/leakwatch/leakwatch/errs"
	"github.com/leakwatch/leakwatch/internal/queue"
	"github.com/leakwatch/leakwatch/internal/schema"
)

type fakeStore struct {
	mu     sync.Mutex
	saved  []*schema.ProcessedEvent
	nextID int64
	failOn map[string]error
	dupOn  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{failOn: map[string]error{}, dupOn: map[string]bool{}}
}

func (s *fakeStore) SaveProcessedEvent(_ context.Context, event *schema.ProcessedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failOn[event.ExternalID]; ok {
		return false, err
	}
	if s.dupOn[event.ExternalID] {
		return false, nil
	}
	s.nextID++
	event.SetEventID(s.nextID)
	s.saved = append(s.saved, event)
	return true, nil
}

func (s *fakeStore) savedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.saved))
	for _, ev := range s.saved {
		ids = append(ids, ev.ExternalID)
	}
	return ids
}

type fakeExporter struct {
	mu   sync.Mutex
	rows []int64
}

func (e *fakeExporter) Append(event *schema.ProcessedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rows = append(e.rows, event.EventID)
	return nil
}

func processedEvent(id string) *schema.ProcessedEvent {
	return &schema.ProcessedEvent{
		Kind:         schema.KindGist,
		ExternalID:   id,
		Filename:     "creds.txt",
		Content:      []byte(awsKeyContent),
		CreatedAt:    time.Now().UTC(),
		DiscoveredAt: time.Now().UTC(),
		Matches: []*schema.Match{
			{Rule: "LeakedAwsKey", Tags: []string{"aws"}},
		},
	}
}

func runSink(t *testing.T, sink *Sink, processed *queue.Memory[*schema.ProcessedEvent], events ...*schema.ProcessedEvent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, ev := range events {
		if err := processed.Put(ctx, ev); err != nil {
			t.Fatalf("put %s: %v", ev.ExternalID, err)
		}
	}
	done := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(done)
	}()

	joinCtx, joinCancel := context.WithTimeout(context.Background(), time.Second)
	defer joinCancel()
	if err := processed.Join(joinCtx); err != nil {
		t.Fatalf("join: %v", err)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sink did not stop on context cancellation")
	}
}

func TestSinkPersistsAndExports(t *testing.T) {
	store := newFakeStore()
	exporter := new(fakeExporter)
	processed := queue.NewMemory[*schema.ProcessedEvent](0)
	sink := NewSink(store, processed, zap.NewNop(), WithExporter(exporter))

	runSink(t, sink, processed, processedEvent("ev1"), processedEvent("ev2"))

	ids := store.savedIDs()
	if len(ids) != 2 || ids[0] != "ev1" || ids[1] != "ev2" {
		t.Fatalf("saved = %v", ids)
	}
	if len(exporter.rows) != 2 {
		t.Fatalf("exported %d rows, want 2", len(exporter.rows))
	}
	if exporter.rows[0] == 0 {
		t.Fatal("export must see the assigned event id")
	}
}

func TestSinkDropsFailedEventsAndContinues(t *testing.T) {
	store := newFakeStore()
	store.failOn["bad"] = errs.New("store", errs.CodeStorage, errs.WithMessage("connection reset"))
	processed := queue.NewMemory[*schema.ProcessedEvent](0)
	sink := NewSink(store, processed, zap.NewNop())

	runSink(t, sink, processed, processedEvent("ok1"), processedEvent("bad"), processedEvent("ok2"))

	ids := store.savedIDs()
	if len(ids) != 2 || ids[0] != "ok1" || ids[1] != "ok2" {
		t.Fatalf("saved = %v: a failed persist must not stop the loop", ids)
	}
}

func TestSinkSkipsExportForDuplicates(t *testing.T) {
	store := newFakeStore()
	store.dupOn["dup"] = true
	exporter := new(fakeExporter)
	processed := queue.NewMemory[*schema.ProcessedEvent](0)
	sink := NewSink(store, processed, zap.NewNop(), WithExporter(exporter))

	runSink(t, sink, processed, processedEvent("dup"), processedEvent("new"))

	if len(store.savedIDs()) != 1 {
		t.Fatalf("saved = %v", store.savedIDs())
	}
	if len(exporter.rows) != 1 {
		t.Fatalf("exported %d rows, want 1: duplicates are not re-exported", len(exporter.rows))
	}
}
