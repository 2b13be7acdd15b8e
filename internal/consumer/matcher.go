// Package consumer implements the two pipeline consumers: the rule-matching
// consumer feeding the processed queue, and the sink persisting its output.
package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/leakwatch/leakwatch/errs"
	"github.com/leakwatch/leakwatch/internal/queue"
	"github.com/leakwatch/leakwatch/internal/rules"
	"github.com/leakwatch/leakwatch/internal/schema"
)

type commandKind int

const (
	commandRecompile commandKind = iota
	commandStop
)

// commandBuffer bounds how many control commands can queue up before a
// submitter blocks; the matcher services them between items.
const commandBuffer = 8

// Matcher consumes the raw queue, evaluates each event against the rule
// engine, and forwards hits to the processed queue.
//
// Control flows through a command channel multiplexed with the raw queue:
// Recompile rebuilds the engine between items, Stop snapshots the raw
// queue depth and drains exactly that many items before terminating.
// Commands win over queued items when both are ready.
type Matcher struct {
	log       *zap.Logger
	engine    *rules.Engine
	raw       queue.Queue[schema.Event]
	processed queue.Queue[*schema.ProcessedEvent]
	commands  chan commandKind
}

// NewMatcher wires a matcher over the given engine and queues.
func NewMatcher(engine *rules.Engine, raw queue.Queue[schema.Event], processed queue.Queue[*schema.ProcessedEvent], log *zap.Logger) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{
		log:       log.Named("matcher"),
		engine:    engine,
		raw:       raw,
		processed: processed,
		commands:  make(chan commandKind, commandBuffer),
	}
}

// Recompile asks the running matcher to rebuild the engine from the
// currently configured rule paths and external variables.
func (m *Matcher) Recompile() { m.commands <- commandRecompile }

// Stop asks the running matcher to drain the raw queue's current depth and
// terminate.
func (m *Matcher) Stop() { m.commands <- commandStop }

// StopNow empties the raw queue without processing, settling its
// completion bookkeeping, then stops the matcher.
func (m *Matcher) StopNow() {
	dropped := 0
	for {
		if _, err := m.raw.TryGet(); err != nil {
			break
		}
		if err := m.raw.Notify(); err != nil {
			m.log.Warn("notify during immediate stop", zap.Error(err))
		}
		dropped++
	}
	if dropped > 0 {
		m.log.Info("immediate stop discarded queued items", zap.Int("dropped", dropped))
	}
	m.Stop()
}

// AddRules extends or replaces the engine's rule paths. With recompile set
// the rebuild happens on the calling goroutine, which is only safe before
// Process starts; a running matcher should be given recompile=false
// followed by Recompile.
func (m *Matcher) AddRules(paths []string, appendPaths, recompile bool) error {
	return m.engine.AddRules(paths, appendPaths, recompile)
}

// SetExternalVars extends or replaces the engine's external variable
// table; values take effect at the next recompile.
func (m *Matcher) SetExternalVars(vars map[string]string, merge bool) {
	m.engine.SetExternalVars(vars, merge)
}

// Process runs the matcher until a stop command has drained the queue or
// the context ends. It returns nil on orderly termination.
func (m *Matcher) Process(ctx context.Context) error {
	m.log.Info("matcher running", zap.Int("rules", m.engine.RuleCount()))
	for {
		select {
		case cmd := <-m.commands:
			if m.service(ctx, cmd) {
				return nil
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			m.log.Info("matcher context cancelled")
			return nil
		case cmd := <-m.commands:
			if m.service(ctx, cmd) {
				return nil
			}
		case <-m.raw.Ready():
			ev, err := m.raw.TryGet()
			if err != nil {
				if !errs.QueueEmpty(err) {
					m.log.Warn("raw queue get failed", zap.Error(err))
				}
				continue
			}
			m.processOne(ctx, ev)
		}
	}
}

// service executes one control command; the returned flag means terminate.
func (m *Matcher) service(ctx context.Context, cmd commandKind) bool {
	switch cmd {
	case commandRecompile:
		if err := m.engine.Compile(); err != nil {
			// The previous compiled set stays active.
			m.log.Error("recompile failed, keeping active rule set", zap.Error(err))
		} else {
			m.log.Info("rule engine recompiled", zap.Int("rules", m.engine.RuleCount()))
		}
		return false
	case commandStop:
		return m.drain(ctx)
	default:
		m.log.Error("unknown matcher command", zap.Int("command", int(cmd)))
		return false
	}
}

// drain processes exactly the number of items queued at stop arrival, then
// terminates.
func (m *Matcher) drain(ctx context.Context) bool {
	remaining := m.raw.Len()
	m.log.Info("matcher draining", zap.Int("remaining", remaining))
	for i := 0; i < remaining; i++ {
		ev, err := m.raw.Get(ctx)
		if err != nil {
			m.log.Warn("drain interrupted", zap.Error(err))
			return true
		}
		m.processOne(ctx, ev)
	}
	m.log.Info("matcher stopped")
	return true
}

// processOne applies the matching contract to one queue item. Composite
// parents fan out over their children; the raw queue is notified once per
// item regardless of child count.
func (m *Matcher) processOne(ctx context.Context, ev schema.Event) {
	start := time.Now()
	switch event := ev.(type) {
	case *schema.RawEvent:
		m.matchOne(ctx, event)
	case *schema.CompositeEvent:
		for child, ok := event.Next(); ok; child, ok = event.Next() {
			m.matchOne(ctx, child)
		}
	default:
		m.log.Error("unexpected event type on raw queue",
			zap.String("source", string(ev.Source())), zap.String("id", ev.ID()))
	}
	recordMatch(ctx, ev.Source(), start)
	if err := m.raw.Notify(); err != nil {
		m.log.Warn("raw queue notify failed", zap.Error(err))
	}
}

func (m *Matcher) matchOne(ctx context.Context, ev *schema.RawEvent) {
	if !ev.Matchable() {
		recordOutcome(ctx, ev.Kind, outcomeDiscarded)
		return
	}
	matches := m.engine.Match(ev.Content)
	if len(matches) == 0 {
		recordOutcome(ctx, ev.Kind, outcomeDiscarded)
		return
	}
	for _, match := range matches {
		if match.Blacklisted() {
			m.log.Debug("event suppressed by blacklist rule",
				zap.String("source", string(ev.Kind)), zap.String("id", ev.ExternalID))
			recordOutcome(ctx, ev.Kind, outcomeSuppressed)
			return
		}
	}
	processed := schema.NewProcessedEvent(ev, matches)
	if err := m.processed.Put(ctx, processed); err != nil {
		m.log.Error("processed queue put failed",
			zap.String("source", string(ev.Kind)), zap.String("id", ev.ExternalID), zap.Error(err))
		return
	}
	recordOutcome(ctx, ev.Kind, outcomeMatched)
	m.log.Info("event matched",
		zap.String("source", string(ev.Kind)),
		zap.String("id", ev.ExternalID),
		zap.Strings("rules", processed.RuleNames()))
}
