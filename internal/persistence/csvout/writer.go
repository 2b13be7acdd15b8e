// Package csvout appends persisted events to a local CSV results file.
package csvout

import (
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/leakwatch/leakwatch/internal/schema"
)

// timestampFormat renders discovery times the way downstream tooling
// already parses them.
const timestampFormat = "2006-01-02T15:04:05Z07:00"

// Writer appends one row per persisted event. Rows are flushed on every
// append so a crash loses at most the row being written.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	csv  *csv.Writer
}

// Open opens or creates the results file at path in append mode.
func Open(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("csv writer: open %s: %w", path, err)
	}
	return &Writer{file: file, csv: csv.NewWriter(file)}, nil
}

// Append writes event as a single CSV row: id, source, discovery time,
// creator, filename, pipe-joined rule names, and base64-encoded content.
func (w *Writer) Append(event *schema.ProcessedEvent) error {
	if event == nil {
		return fmt.Errorf("csv writer: nil event")
	}
	row := []string{
		strconv.FormatInt(event.EventID, 10),
		string(event.Kind),
		event.DiscoveredAt.UTC().Format(timestampFormat),
		event.Creator,
		event.Filename,
		strings.Join(event.RuleNames(), "|"),
		base64.StdEncoding.EncodeToString(event.Content),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("csv writer: write row: %w", err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("csv writer: flush: %w", err)
	}
	return nil
}

// Close flushes buffered rows and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	flushErr := w.csv.Error()
	closeErr := w.file.Close()
	if flushErr != nil {
		return fmt.Errorf("csv writer: flush: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("csv writer: close: %w", closeErr)
	}
	return nil
}
