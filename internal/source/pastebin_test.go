package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leakwatch/leakwatch/errs"
	"github.com/leakwatch/leakwatch/internal/config"
	"github.com/leakwatch/leakwatch/internal/schema"
)

func newTestPastebin(t *testing.T, deps Deps, listingURL string) *pastebinSource {
	t.Helper()
	src, err := New("pastebin", config.Source{DevKey: "key-b"}, 60, deps)
	if err != nil {
		t.Fatalf("new pastebin source: %v", err)
	}
	pb := src.(*pastebinSource)
	pb.listingURL = listingURL
	return pb
}

func TestPastebinCycleHappyPath(t *testing.T) {
	raw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("paste body"))
	}))
	defer raw.Close()

	var gotLimit string
	listing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`[{
			"key": "p123",
			"scrape_url": "` + raw.URL + `/p123",
			"date": "1584055200",
			"size": "10",
			"title": "notes.txt"
		}]`))
	}))
	defer listing.Close()

	deps, rawQueue, cache := testDeps(t)
	pb := newTestPastebin(t, deps, listing.URL)
	if err := pb.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if gotLimit != "50" {
		t.Fatalf("limit = %q, want 50", gotLimit)
	}
	ev, err := rawQueue.TryGet()
	if err != nil {
		t.Fatalf("expected one event: %v", err)
	}
	got := ev.(*schema.RawEvent)
	if got.Creator != "Anonymous" || got.Filename != "notes.txt" || got.ExternalID != "p123" {
		t.Fatalf("event = %+v", got)
	}
	if string(got.Content) != "paste body" {
		t.Fatalf("content = %q", got.Content)
	}
	if want := time.Unix(1584055200, 0).UTC(); !got.CreatedAt.Equal(want) {
		t.Fatalf("created at = %v, want %v", got.CreatedAt, want)
	}
	if !cache.has(schema.KindPastebin, "p123") {
		t.Fatal("paste key should be remembered")
	}
}

func TestPastebinCycleAbandonsOnNonJSONListing(t *testing.T) {
	listing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("Please whitelist your IP"))
	}))
	defer listing.Close()

	deps, rawQueue, _ := testDeps(t)
	pb := newTestPastebin(t, deps, listing.URL)
	if err := pb.cycle(context.Background()); errs.CodeOf(err) != errs.CodeDecode {
		t.Fatalf("expected decode error, got %v", err)
	}
	if _, err := rawQueue.TryGet(); !errs.QueueEmpty(err) {
		t.Fatal("abandoned cycle must not enqueue")
	}
}
