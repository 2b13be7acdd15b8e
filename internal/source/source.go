// Package source implements the periodic producers that harvest upstream
// feeds into the raw pipeline queue, and the scheduler that runs them.
//
// Every producer follows the same cycle: list the origin's recent items,
// drop the ones the index cache has seen, realize raw content for the
// survivors concurrently, remember their IDs, and enqueue everything that
// came back with content. Listing-level failures abandon the cycle; only a
// credentials rejection terminates a producer.
package source

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/leakwatch/leakwatch/errs"
	"github.com/leakwatch/leakwatch/internal/config"
	"github.com/leakwatch/leakwatch/internal/httpx"
	"github.com/leakwatch/leakwatch/internal/queue"
	"github.com/leakwatch/leakwatch/internal/schema"
)

// fanoutLimit bounds concurrent raw-content fetches within one cycle,
// matching the session's effective connection budget.
const fanoutLimit = 8

// IndexCache is the per-source dedup set consulted and extended once per
// cycle. Implemented by postgres.IndexCache.
type IndexCache interface {
	Known(ctx context.Context, source schema.Kind, ids []string) (map[string]bool, error)
	Remember(ctx context.Context, source schema.Kind, ids []string) error
}

// Deps carries the shared collaborators every producer is constructed with.
type Deps struct {
	Log   *zap.Logger
	Raw   queue.Queue[schema.Event]
	Cache IndexCache
}

// Source is one long-running producer. Run returns nil when the producer
// finished naturally (context cancelled, or a single-pass source drained)
// and an error only for conditions that must terminate it, such as
// rejected credentials.
type Source interface {
	Kind() schema.Kind
	Run(ctx context.Context) error
}

// Factory builds a producer from its configuration block.
type Factory func(cfg config.Source, interval time.Duration, deps Deps) (Source, error)

var registry = map[schema.Kind]Factory{
	schema.KindGist:         newGist,
	schema.KindPastebin:     newPastebin,
	schema.KindGithubEvents: newGithubEvents,
	schema.KindCSV:          newCSV,
}

// New instantiates the producer registered for tag. An unknown tag is a
// configuration error surfaced before any task starts.
func New(tag string, cfg config.Source, global int, deps Deps) (Source, error) {
	factory, ok := registry[schema.Kind(tag)]
	if !ok {
		return nil, errs.New(tag, errs.CodeConfig, errs.WithMessage("unknown source tag"))
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	deps.Log = deps.Log.Named(tag)
	return factory(cfg, cfg.Interval(global), deps)
}

// Scheduler runs a set of producers to completion on the shared raw queue.
type Scheduler struct {
	log     *zap.Logger
	sources []Source
}

// NewScheduler instantiates every configured source up front so an unknown
// tag fails before anything is launched.
func NewScheduler(cfgs map[string]config.Source, global int, deps Deps) (*Scheduler, error) {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{log: log.Named("scheduler")}
	for tag, cfg := range cfgs {
		src, err := New(tag, cfg, global, deps)
		if err != nil {
			return nil, err
		}
		s.sources = append(s.sources, src)
	}
	return s, nil
}

// Run launches one goroutine per producer and blocks until all have
// stopped. A producer that dies is logged and stays down; there is no
// restart supervision.
func (s *Scheduler) Run(ctx context.Context) {
	var wg conc.WaitGroup
	for _, src := range s.sources {
		wg.Go(func() {
			err := src.Run(ctx)
			switch {
			case err == nil:
				s.log.Info("source stopped", zap.String("source", string(src.Kind())))
			case errs.CodeOf(err) == errs.CodeAuth:
				s.log.Error("source terminated: credentials rejected",
					zap.String("source", string(src.Kind())), zap.Error(err))
			default:
				s.log.Error("source terminated",
					zap.String("source", string(src.Kind())), zap.Error(err))
			}
		})
	}
	wg.Wait()
}

// runCycles drives a polling producer: one cycle, then an interruptible
// sleep, repeated until the context ends or a cycle reports a fatal error.
// The sleep is unconditional so the cadence stays predictable even after
// failed cycles.
func runCycles(ctx context.Context, log *zap.Logger, interval time.Duration, cycle func(context.Context) error) error {
	for {
		if err := cycle(ctx); err != nil {
			if errs.CodeOf(err) == errs.CodeAuth {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("cycle abandoned", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// realizeAll fetches raw content for every event concurrently, bounded by
// the session's connection budget. Per-item failures are swallowed: the
// event simply stays without content and is filtered out before enqueue.
func realizeAll(ctx context.Context, log *zap.Logger, kind schema.Kind, session *httpx.Session, events []*schema.RawEvent) {
	p := pool.New().WithMaxGoroutines(fanoutLimit)
	for _, ev := range events {
		p.Go(func() {
			start := time.Now()
			if err := ev.Realize(ctx, session); err != nil {
				log.Debug("raw content fetch failed",
					zap.String("id", ev.ExternalID), zap.Error(err))
			}
			recordRealize(ctx, kind, start)
		})
	}
	p.Wait()
}

// filterNew drops IDs the index cache already holds. A cache failure is a
// cycle-level error; polling retries after the sleep.
func filterNew(ctx context.Context, cache IndexCache, kind schema.Kind, ids []string) (map[string]bool, error) {
	known, err := cache.Known(ctx, kind, ids)
	if err != nil {
		return nil, err
	}
	fresh := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !known[id] {
			fresh[id] = true
		}
	}
	return fresh, nil
}
