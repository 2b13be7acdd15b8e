package source

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/leakwatch/leakwatch/errs"
	"github.com/leakwatch/leakwatch/internal/config"
	"github.com/leakwatch/leakwatch/internal/queue"
	"github.com/leakwatch/leakwatch/internal/schema"
)

// fakeCache is an in-memory IndexCache for producer tests.
type fakeCache struct {
	mu    sync.Mutex
	seen  map[schema.Kind]map[string]bool
	calls int
}

func newFakeCache() *fakeCache {
	return &fakeCache{seen: make(map[schema.Kind]map[string]bool)}
}

func (c *fakeCache) Known(_ context.Context, source schema.Kind, ids []string) (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		if c.seen[source][id] {
			known[id] = true
		}
	}
	return known, nil
}

func (c *fakeCache) Remember(_ context.Context, source schema.Kind, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.seen[source] == nil {
		c.seen[source] = make(map[string]bool)
	}
	for _, id := range ids {
		c.seen[source][id] = true
	}
	return nil
}

func (c *fakeCache) has(source schema.Kind, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[source][id]
}

func testDeps(t *testing.T) (Deps, *queue.Memory[schema.Event], *fakeCache) {
	t.Helper()
	raw := queue.NewMemory[schema.Event](0)
	cache := newFakeCache()
	return Deps{Log: zap.NewNop(), Raw: raw, Cache: cache}, raw, cache
}

func TestNewRejectsUnknownTag(t *testing.T) {
	deps, _, _ := testDeps(t)
	_, err := New("gitlab", config.Source{}, 60, deps)
	if errs.CodeOf(err) != errs.CodeConfig {
		t.Fatalf("expected config error for unknown tag, got %v", err)
	}
}

func TestNewValidatesSourceOptions(t *testing.T) {
	deps, _, _ := testDeps(t)
	cases := []struct {
		tag string
		cfg config.Source
	}{
		{"gist", config.Source{}},
		{"github-public-events", config.Source{}},
		{"pastebin", config.Source{}},
		{"csv", config.Source{}},
	}
	for _, tc := range cases {
		if _, err := New(tc.tag, tc.cfg, 60, deps); errs.CodeOf(err) != errs.CodeConfig {
			t.Fatalf("%s: expected config error for empty options, got %v", tc.tag, err)
		}
	}
}

func TestSchedulerFailsFastOnUnknownTag(t *testing.T) {
	deps, _, _ := testDeps(t)
	cfgs := map[string]config.Source{
		"csv":    {Path: "events.csv"},
		"gitlab": {},
	}
	if _, err := NewScheduler(cfgs, 60, deps); errs.CodeOf(err) != errs.CodeConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRunCyclesStopsOnAuthError(t *testing.T) {
	calls := 0
	err := runCycles(context.Background(), zap.NewNop(), time.Millisecond, func(context.Context) error {
		calls++
		return errs.BadCredentials("gist")
	})
	if errs.CodeOf(err) != errs.CodeAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("auth failure must not be retried, got %d cycles", calls)
	}
}

func TestRunCyclesKeepsGoingAfterTransportError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := runCycles(ctx, zap.NewNop(), time.Millisecond, func(context.Context) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return errs.New("gist", errs.CodeTransport, errs.WithMessage("truncated body"))
	})
	if err != nil {
		t.Fatalf("cancelled loop should return nil, got %v", err)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 cycles, got %d", calls)
	}
}
