// Package postgres persists processed events and the per-source index cache.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leakwatch/leakwatch/internal/schema"
)

// EventStore persists processed events with their match cascade.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore constructs an EventStore backed by the provided pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const (
	eventInsertSQL = `
INSERT INTO events (
    source,
    source_id,
    raw_content,
    filename,
    creator,
    time_created,
    time_discovered
)
VALUES (
    @source,
    @source_id,
    @raw_content,
    @filename,
    @creator,
    @time_created,
    @time_discovered
)
ON CONFLICT (source, source_id, filename) DO NOTHING
RETURNING id;
`

	matchInsertSQL = `
INSERT INTO matches (
    event_id,
    rule_matched,
    tags_matched
)
VALUES (
    @event_id,
    @rule_matched,
    @tags_matched
)
RETURNING id;
`

	matchedStringInsertSQL = `
INSERT INTO ascii_match (
    match_id,
    matched_string
)
VALUES (
    @match_id,
    @matched_string
);
`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *EventStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("event store: nil pool")
	}
	return s.pool, nil
}

// SaveProcessedEvent persists event with all of its matches and matched
// strings inside a single transaction, assigning the generated row IDs back
// onto the event. The stored return is false when the event row already
// exists, in which case nothing is written.
func (s *EventStore) SaveProcessedEvent(ctx context.Context, event *schema.ProcessedEvent) (bool, error) {
	if event == nil {
		return false, fmt.Errorf("event store: nil event")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return false, err
	}
	stored := false
	err = s.withTransaction(ctx, pool, func(ctx context.Context, tx pgx.Tx) error {
		id, inserted, err := s.insertEventWith(ctx, tx, event)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		stored = true
		event.SetEventID(id)
		for _, match := range event.Matches {
			matchID, err := s.insertMatchWith(ctx, tx, match)
			if err != nil {
				return err
			}
			match.SetMatchID(matchID)
			for i := range match.Strings {
				if err := s.insertMatchedStringWith(ctx, tx, &match.Strings[i]); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return stored, nil
}

func (s *EventStore) insertEventWith(ctx context.Context, q querier, event *schema.ProcessedEvent) (int64, bool, error) {
	args := pgx.NamedArgs{
		"source":          string(event.Kind),
		"source_id":       strings.TrimSpace(event.ExternalID),
		"raw_content":     string(event.Content),
		"filename":        event.Filename,
		"creator":         nullableString(event.Creator),
		"time_created":    nullableTime(event.CreatedAt),
		"time_discovered": event.DiscoveredAt,
	}
	var id int64
	err := q.QueryRow(ctx, eventInsertSQL, args).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("event store: insert event: %w", err)
	}
	return id, true, nil
}

func (s *EventStore) insertMatchWith(ctx context.Context, q querier, match *schema.Match) (int64, error) {
	args := pgx.NamedArgs{
		"event_id":     match.EventID,
		"rule_matched": match.Rule,
		"tags_matched": match.Tags,
	}
	var id int64
	if err := q.QueryRow(ctx, matchInsertSQL, args).Scan(&id); err != nil {
		return 0, fmt.Errorf("event store: insert match: %w", err)
	}
	return id, nil
}

func (s *EventStore) insertMatchedStringWith(ctx context.Context, q querier, ms *schema.MatchedString) error {
	args := pgx.NamedArgs{
		"match_id":       ms.MatchID,
		"matched_string": ms.Value,
	}
	if _, err := q.Exec(ctx, matchedStringInsertSQL, args); err != nil {
		return fmt.Errorf("event store: insert matched string: %w", err)
	}
	return nil
}

func (s *EventStore) withTransaction(ctx context.Context, pool *pgxpool.Pool, fn func(context.Context, pgx.Tx) error) error {
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("event store: begin tx: %w", err)
	}
	runErr := fn(ctx, tx)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("event store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("event store: commit tx: %w", err)
	}
	return nil
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value
}
