package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/leakwatch/leakwatch/errs"
	"github.com/leakwatch/leakwatch/internal/config"
	"github.com/leakwatch/leakwatch/internal/schema"
)

func TestCSVReplayEmitsOneEventPerRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	rows := "" +
		"e1,x,2020-05-01T10:00:00Z,alice,creds.txt,S0FQUEE=\n" + // "KAPPA"
		"e2,x,2020-05-01T11:00:00Z,bob,notes.md,bm90IGEga2V5\n" + // "not a key"
		"e3,x,2020-05-01T12:00:00Z,eve,bad.bin,%%%not-base64%%%\n"
	if err := os.WriteFile(path, []byte(rows), 0o644); err != nil {
		t.Fatalf("write replay file: %v", err)
	}

	deps, rawQueue, _ := testDeps(t)
	src, err := New("csv", config.Source{Path: path}, 60, deps)
	if err != nil {
		t.Fatalf("new csv source: %v", err)
	}
	if err := src.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	first, err := rawQueue.TryGet()
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	ev := first.(*schema.RawEvent)
	if ev.ExternalID != "e1" || ev.Creator != "alice" || string(ev.Content) != "KAPPA" {
		t.Fatalf("first event = %+v", ev)
	}
	if ev.Kind != schema.KindCSV {
		t.Fatalf("kind = %q", ev.Kind)
	}
	if _, err := rawQueue.TryGet(); err != nil {
		t.Fatalf("second event: %v", err)
	}
	if _, err := rawQueue.TryGet(); !errs.QueueEmpty(err) {
		t.Fatal("undecodable row must be dropped, not enqueued")
	}
}

func TestCSVReplayMissingFileIsConfigError(t *testing.T) {
	deps, _, _ := testDeps(t)
	src, err := New("csv", config.Source{Path: filepath.Join(t.TempDir(), "absent.csv")}, 60, deps)
	if err != nil {
		t.Fatalf("new csv source: %v", err)
	}
	if err := src.Run(context.Background()); errs.CodeOf(err) != errs.CodeConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}
