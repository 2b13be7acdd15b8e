package source

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/leakwatch/leakwatch/errs"
	"github.com/leakwatch/leakwatch/internal/config"
	"github.com/leakwatch/leakwatch/internal/schema"
)

// Replay rows: id, unused, created_at (RFC3339), creator, filename,
// base64-encoded content.
const (
	csvFieldID = iota
	csvFieldUnused
	csvFieldCreatedAt
	csvFieldCreator
	csvFieldFilename
	csvFieldContent
	csvFieldCount
)

// csvSource replays a results file through the pipeline: one event per
// row, single pass, then the producer ends. Used for deterministic replay.
type csvSource struct {
	deps Deps
	path string
}

func newCSV(cfg config.Source, _ time.Duration, deps Deps) (Source, error) {
	if cfg.Path == "" {
		return nil, errs.New("csv", errs.CodeConfig, errs.WithMessage("path is required"))
	}
	return &csvSource{deps: deps, path: cfg.Path}, nil
}

// Kind implements Source.
func (c *csvSource) Kind() schema.Kind { return schema.KindCSV }

// Run implements Source. Undecodable rows are dropped with a warning; the
// replay keeps going.
func (c *csvSource) Run(ctx context.Context) error {
	file, err := os.Open(c.path)
	if err != nil {
		return errs.New("csv", errs.CodeConfig,
			errs.WithMessage("opening replay file"), errs.WithCause(err))
	}
	defer func() {
		_ = file.Close()
	}()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	row := 0
	enqueued, dropped := 0, 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errs.New("csv", errs.CodeDecode,
				errs.WithMessage("reading replay file"), errs.WithCause(err))
		}
		row++
		ev, ok := c.newEvent(record, row)
		if !ok {
			dropped++
			continue
		}
		if err := c.deps.Raw.Put(ctx, ev); err != nil {
			return err
		}
		enqueued++
	}
	c.deps.Log.Info("replay finished",
		zap.Int("rows", row), zap.Int("enqueued", enqueued), zap.Int("dropped", dropped))
	return nil
}

func (c *csvSource) newEvent(record []string, row int) (*schema.RawEvent, bool) {
	if len(record) < csvFieldCount {
		c.deps.Log.Warn("short replay row", zap.Int("row", row), zap.Int("fields", len(record)))
		return nil, false
	}
	content, err := base64.StdEncoding.DecodeString(record[csvFieldContent])
	if err != nil {
		c.deps.Log.Warn("undecodable replay row", zap.Int("row", row), zap.Error(err))
		return nil, false
	}
	ev := &schema.RawEvent{
		Kind:       schema.KindCSV,
		ExternalID: record[csvFieldID],
		Creator:    record[csvFieldCreator],
		Filename:   record[csvFieldFilename],
		Content:    content,
		Size:       int64(len(content)),
	}
	if created, err := time.Parse(time.RFC3339, record[csvFieldCreatedAt]); err == nil {
		ev.CreatedAt = created
	}
	if !ev.Matchable() {
		return nil, false
	}
	return ev, true
}
