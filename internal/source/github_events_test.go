package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/leakwatch/leakwatch/errs"
	"github.com/leakwatch/leakwatch/internal/config"
	"github.com/leakwatch/leakwatch/internal/schema"
)

func newTestGithubEvents(t *testing.T, deps Deps, listingURL string) *githubEventsSource {
	t.Helper()
	src, err := New("github-public-events", config.Source{OAuth: "token-a"}, 60, deps)
	if err != nil {
		t.Fatalf("new github events source: %v", err)
	}
	gh := src.(*githubEventsSource)
	gh.listingURL = listingURL
	return gh
}

func TestGithubEventsCompositeFanOut(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/raw/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("content of " + r.URL.Path))
	})
	// One file per commit is a blacklisted image; it must be skipped before
	// any content fetch.
	mux.HandleFunc("/commits/c1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"files": [
			{"raw_url": "` + srv.URL + `/raw/main.go", "filename": "main.go"},
			{"raw_url": "` + srv.URL + `/raw/logo.png", "filename": "logo.png"}
		]}`))
	})
	mux.HandleFunc("/commits/c2", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"files": [
			{"raw_url": "` + srv.URL + `/raw/creds.env", "filename": "creds.env"},
			{"raw_url": "` + srv.URL + `/raw/chart.png", "filename": "chart.png"}
		]}`))
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id": "9001", "type": "PushEvent", "created_at": "2020-01-02T03:04:05Z",
			 "actor": {"login": "octo"},
			 "payload": {"commits": [
				{"sha": "c1", "url": "` + srv.URL + `/commits/c1"},
				{"sha": "c2", "url": "` + srv.URL + `/commits/c2"}
			 ]}},
			{"id": "9002", "type": "WatchEvent", "created_at": "2020-01-02T03:04:05Z",
			 "actor": {"login": "other"}, "payload": {}}
		]`))
	})

	deps, rawQueue, cache := testDeps(t)
	gh := newTestGithubEvents(t, deps, srv.URL+"/events")
	if err := gh.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	ev, err := rawQueue.TryGet()
	if err != nil {
		t.Fatalf("expected one composite on the queue: %v", err)
	}
	comp := ev.(*schema.CompositeEvent)
	if comp.ExternalID != "9001" || comp.Creator != "octo" {
		t.Fatalf("composite identity = %+v", comp)
	}
	if comp.Len() != 2 {
		t.Fatalf("children = %d, want 2 (blacklisted extensions filtered)", comp.Len())
	}
	names := map[string]bool{}
	for child, ok := comp.Next(); ok; child, ok = comp.Next() {
		names[child.Filename] = true
		if child.ExternalID != "9001" || child.Creator != "octo" {
			t.Fatalf("child must share parent identity: %+v", child)
		}
		if len(child.Content) == 0 {
			t.Fatalf("child %s has no content", child.Filename)
		}
	}
	if !names["main.go"] || !names["creds.env"] {
		t.Fatalf("children = %v", names)
	}
	if !cache.has(schema.KindGithubEvents, "9001") {
		t.Fatal("push event id should be remembered")
	}
	if cache.has(schema.KindGithubEvents, "9002") {
		t.Fatal("non-push events are never remembered")
	}
	if _, err := rawQueue.TryGet(); !errs.QueueEmpty(err) {
		t.Fatal("expected a single composite")
	}
}

func TestGithubEventsReplaysETag(t *testing.T) {
	requests := 0
	var gotETag string
	listing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Header().Set("ETag", `W/"feed-v1"`)
			_, _ = w.Write([]byte(`[]`))
			return
		}
		gotETag = r.Header.Get("If-None-Match")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer listing.Close()

	deps, rawQueue, _ := testDeps(t)
	gh := newTestGithubEvents(t, deps, listing.URL)

	ctx := context.Background()
	if err := gh.cycle(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if err := gh.cycle(ctx); err != nil {
		t.Fatalf("304 cycle should be empty, not an error: %v", err)
	}
	if gotETag != `W/"feed-v1"` {
		t.Fatalf("If-None-Match = %q", gotETag)
	}
	if _, err := rawQueue.TryGet(); !errs.QueueEmpty(err) {
		t.Fatal("no events expected")
	}
}

func TestGithubEventsDropsPushWithoutContent(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/commits/c1", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id": "9003", "type": "PushEvent", "created_at": "2020-01-02T03:04:05Z",
			 "actor": {"login": "octo"},
			 "payload": {"commits": [{"sha": "c1", "url": "` + srv.URL + `/commits/c1"}]}}
		]`))
	})

	deps, rawQueue, cache := testDeps(t)
	gh := newTestGithubEvents(t, deps, srv.URL+"/events")
	if err := gh.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if _, err := rawQueue.TryGet(); !errs.QueueEmpty(err) {
		t.Fatal("a push with no resolved content must be dropped")
	}
	if !cache.has(schema.KindGithubEvents, "9003") {
		t.Fatal("the dropped push is still remembered")
	}
}
