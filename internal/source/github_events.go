package source

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/leakwatch/leakwatch/errs"
	"github.com/leakwatch/leakwatch/internal/config"
	"github.com/leakwatch/leakwatch/internal/httpx"
	"github.com/leakwatch/leakwatch/internal/schema"
)

const githubEventsURL = "https://api.github.com/events"

type pushEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Actor     struct {
		Login string `json:"login"`
	} `json:"actor"`
	Payload struct {
		Commits []pushCommit `json:"commits"`
	} `json:"payload"`
}

type pushCommit struct {
	SHA string `json:"sha"`
	URL string `json:"url"`
}

type commitDetail struct {
	Files []commitFile `json:"files"`
}

type commitFile struct {
	RawURL   string `json:"raw_url"`
	Filename string `json:"filename"`
}

// githubEventsSource polls the public events stream for pushes and fans
// each one out to a composite event, one child per changed file. The
// listing ETag is replayed between cycles so an unchanged feed costs no
// quota.
type githubEventsSource struct {
	deps     Deps
	interval time.Duration
	oauth    string
	rps      float64

	listingURL string
	etag       string
}

func newGithubEvents(cfg config.Source, interval time.Duration, deps Deps) (Source, error) {
	if cfg.OAuth == "" {
		return nil, errs.New("github-public-events", errs.CodeConfig, errs.WithMessage("oauth token is required"))
	}
	return &githubEventsSource{
		deps:       deps,
		interval:   interval,
		oauth:      cfg.OAuth,
		rps:        cfg.RequestsPerSecond,
		listingURL: githubEventsURL,
	}, nil
}

// Kind implements Source.
func (g *githubEventsSource) Kind() schema.Kind { return schema.KindGithubEvents }

// Run implements Source.
func (g *githubEventsSource) Run(ctx context.Context) error {
	return runCycles(ctx, g.deps.Log, g.interval, g.cycle)
}

func (g *githubEventsSource) session() *httpx.Session {
	opts := []httpx.Option{
		httpx.WithHeader("Accept", "application/vnd.github.v3+json"),
		httpx.WithHeader("Authorization", "token "+g.oauth),
	}
	if g.rps > 0 {
		opts = append(opts, httpx.WithRateLimit(g.rps, 1))
	}
	return httpx.NewSession("github-public-events", opts...)
}

func (g *githubEventsSource) cycle(ctx context.Context) error {
	start := time.Now()
	session := g.session()

	var headers map[string]string
	if g.etag != "" {
		headers = map[string]string{"If-None-Match": g.etag}
	}
	resp, err := session.Get(ctx, g.listingURL, headers)
	if err != nil {
		return err
	}
	if resp.NotModified() {
		g.deps.Log.Debug("event feed unchanged since last cycle")
		recordCycle(ctx, schema.KindGithubEvents, start, 0, 0, 0, 0)
		return nil
	}
	var items []pushEvent
	if err := json.Unmarshal(resp.Body, &items); err != nil {
		var apiErr apiError
		if json.Unmarshal(resp.Body, &apiErr) == nil && apiErr.Message == badCredentialsMessage {
			return errs.BadCredentials("github-public-events")
		}
		return errs.New("github-public-events", errs.CodeDecode,
			errs.WithMessage("decoding event listing"), errs.WithCause(err))
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		g.etag = etag
	}

	pushes := items[:0]
	for _, item := range items {
		if item.Type == "PushEvent" {
			pushes = append(pushes, item)
		}
	}

	ids := make([]string, 0, len(pushes))
	for _, item := range pushes {
		ids = append(ids, item.ID)
	}
	fresh, err := filterNew(ctx, g.deps.Cache, schema.KindGithubEvents, ids)
	if err != nil {
		return err
	}

	composites := g.expandAll(ctx, session, pushes, fresh)

	remembered := make([]string, 0, len(fresh))
	for id := range fresh {
		remembered = append(remembered, id)
	}
	if err := g.deps.Cache.Remember(ctx, schema.KindGithubEvents, remembered); err != nil {
		return err
	}

	enqueued, dropped := 0, 0
	for _, comp := range composites {
		if comp == nil || !comp.Valid() {
			dropped++
			continue
		}
		if err := g.deps.Raw.Put(ctx, comp); err != nil {
			return err
		}
		enqueued++
	}
	recordCycle(ctx, schema.KindGithubEvents, start, len(pushes), len(pushes)-len(fresh), enqueued, dropped)
	return nil
}

// expandAll resolves every fresh push concurrently: one secondary GET per
// commit for its file list, one tertiary GET per surviving file for its
// content. Failures along the way are swallowed; a push that resolves no
// content simply yields an invalid composite.
func (g *githubEventsSource) expandAll(ctx context.Context, session *httpx.Session, pushes []pushEvent, fresh map[string]bool) []*schema.CompositeEvent {
	results := make([]*schema.CompositeEvent, len(pushes))
	p := pool.New().WithMaxGoroutines(fanoutLimit)
	for i, item := range pushes {
		if !fresh[item.ID] {
			continue
		}
		p.Go(func() {
			results[i] = g.expand(ctx, session, item)
		})
	}
	p.Wait()
	return results
}

func (g *githubEventsSource) expand(ctx context.Context, session *httpx.Session, item pushEvent) *schema.CompositeEvent {
	comp := schema.NewCompositeEvent(schema.KindGithubEvents, item.ID, item.Actor.Login, item.CreatedAt)
	for _, commit := range item.Payload.Commits {
		var detail commitDetail
		if _, err := session.GetJSON(ctx, commit.URL, nil, &detail); err != nil {
			g.deps.Log.Debug("commit resolve failed",
				zap.String("event", item.ID), zap.String("sha", commit.SHA), zap.Error(err))
			continue
		}
		for _, file := range detail.Files {
			if file.RawURL == "" || schema.BlacklistedExtension(file.Filename) {
				continue
			}
			start := time.Now()
			content, err := session.GetText(ctx, file.RawURL)
			recordRealize(ctx, schema.KindGithubEvents, start)
			if err != nil {
				g.deps.Log.Debug("file content fetch failed",
					zap.String("event", item.ID), zap.String("filename", file.Filename), zap.Error(err))
				continue
			}
			comp.AddChild(file.Filename, content)
		}
	}
	return comp
}
