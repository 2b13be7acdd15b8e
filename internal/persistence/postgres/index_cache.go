package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leakwatch/leakwatch/internal/schema"
)

// IndexCache tracks already-harvested origin IDs per source so poll cycles
// skip work they have done before. Membership is permanent; entries are
// written before realization so an item is never fetched twice even when a
// later stage fails.
type IndexCache struct {
	pool *pgxpool.Pool
}

// NewIndexCache constructs an IndexCache backed by the provided pool.
func NewIndexCache(pool *pgxpool.Pool) *IndexCache {
	return &IndexCache{pool: pool}
}

const (
	indexKnownSQL = `
SELECT source_id
FROM index_cache
WHERE source = @source
  AND source_id = ANY(@source_ids);
`

	indexRememberSQL = `
INSERT INTO index_cache (source, source_id)
SELECT @source, unnest(@source_ids::text[])
ON CONFLICT (source, source_id) DO NOTHING;
`
)

func (c *IndexCache) ensurePool() (*pgxpool.Pool, error) {
	if c.pool == nil {
		return nil, fmt.Errorf("index cache: nil pool")
	}
	return c.pool, nil
}

// Known reports which of ids are already cached for source.
func (c *IndexCache) Known(ctx context.Context, source schema.Kind, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}
	pool, err := c.ensurePool()
	if err != nil {
		return nil, err
	}
	args := pgx.NamedArgs{
		"source":     string(source),
		"source_ids": ids,
	}
	rows, err := pool.Query(ctx, indexKnownSQL, args)
	if err != nil {
		return nil, fmt.Errorf("index cache: query known ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("index cache: scan known id: %w", err)
		}
		known[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index cache: iterate known ids: %w", err)
	}
	return known, nil
}

// Remember marks ids as harvested for source. Already-cached ids are
// ignored.
func (c *IndexCache) Remember(ctx context.Context, source schema.Kind, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pool, err := c.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"source":     string(source),
		"source_ids": ids,
	}
	if _, err := pool.Exec(ctx, indexRememberSQL, args); err != nil {
		return fmt.Errorf("index cache: remember ids: %w", err)
	}
	return nil
}
