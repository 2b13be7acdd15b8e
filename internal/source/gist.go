package source

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/leakwatch/leakwatch/errs"
	"github.com/leakwatch/leakwatch/internal/config"
	"github.com/leakwatch/leakwatch/internal/httpx"
	"github.com/leakwatch/leakwatch/internal/schema"
)

const gistListingURL = "https://api.github.com/gists/public"

// badCredentialsMessage is the body GitHub pairs with a rejected token.
const badCredentialsMessage = "Bad credentials"

type gistFile struct {
	RawURL   string `json:"raw_url"`
	Size     int64  `json:"size"`
	Filename string `json:"filename"`
}

type gistItem struct {
	ID        string              `json:"id"`
	CreatedAt time.Time           `json:"created_at"`
	Files     map[string]gistFile `json:"files"`
	Owner     struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type apiError struct {
	Message string `json:"message"`
}

// gistSource polls the public gist feed.
type gistSource struct {
	deps     Deps
	interval time.Duration
	oauth    string
	rps      float64

	listingURL string
}

func newGist(cfg config.Source, interval time.Duration, deps Deps) (Source, error) {
	if cfg.OAuth == "" {
		return nil, errs.New("gist", errs.CodeConfig, errs.WithMessage("oauth token is required"))
	}
	return &gistSource{
		deps:       deps,
		interval:   interval,
		oauth:      cfg.OAuth,
		rps:        cfg.RequestsPerSecond,
		listingURL: gistListingURL,
	}, nil
}

// Kind implements Source.
func (g *gistSource) Kind() schema.Kind { return schema.KindGist }

// Run implements Source.
func (g *gistSource) Run(ctx context.Context) error {
	return runCycles(ctx, g.deps.Log, g.interval, g.cycle)
}

func (g *gistSource) session() *httpx.Session {
	opts := []httpx.Option{
		httpx.WithHeader("Accept", "application/vnd.github.v3+json"),
		httpx.WithHeader("Authorization", "token "+g.oauth),
	}
	if g.rps > 0 {
		opts = append(opts, httpx.WithRateLimit(g.rps, 1))
	}
	return httpx.NewSession("gist", opts...)
}

func (g *gistSource) cycle(ctx context.Context) error {
	start := time.Now()
	session := g.session()

	resp, err := session.Get(ctx, g.listingURL, nil)
	if err != nil {
		return err
	}
	var items []gistItem
	if err := json.Unmarshal(resp.Body, &items); err != nil {
		var apiErr apiError
		if json.Unmarshal(resp.Body, &apiErr) == nil && apiErr.Message == badCredentialsMessage {
			return errs.BadCredentials("gist")
		}
		return errs.New("gist", errs.CodeDecode,
			errs.WithMessage("decoding gist listing"), errs.WithCause(err))
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	fresh, err := filterNew(ctx, g.deps.Cache, schema.KindGist, ids)
	if err != nil {
		return err
	}

	var events []*schema.RawEvent
	dropped := 0
	for _, item := range items {
		if !fresh[item.ID] {
			continue
		}
		ev := g.newEvent(item)
		if !ev.Valid() {
			dropped++
			continue
		}
		events = append(events, ev)
	}

	realizeAll(ctx, g.deps.Log, schema.KindGist, session, events)

	// Every fresh ID is remembered, realized or not, so a failed fetch is
	// never retried next cycle; remember happens before the first Put.
	remembered := make([]string, 0, len(fresh))
	for id := range fresh {
		remembered = append(remembered, id)
	}
	if err := g.deps.Cache.Remember(ctx, schema.KindGist, remembered); err != nil {
		return err
	}

	enqueued := 0
	for _, ev := range events {
		if !ev.Matchable() {
			dropped++
			continue
		}
		if err := g.deps.Raw.Put(ctx, ev); err != nil {
			return err
		}
		enqueued++
	}
	recordCycle(ctx, schema.KindGist, start, len(items), len(items)-len(fresh), enqueued, dropped)
	return nil
}

// newEvent maps one listing item onto a raw event, taking the first file
// that exposes a raw URL.
func (g *gistSource) newEvent(item gistItem) *schema.RawEvent {
	ev := &schema.RawEvent{
		Kind:       schema.KindGist,
		ExternalID: item.ID,
		CreatedAt:  item.CreatedAt,
		Creator:    item.Owner.Login,
	}
	for _, file := range item.Files {
		if file.RawURL == "" {
			continue
		}
		ev.RawURL = file.RawURL
		ev.Size = file.Size
		ev.Filename = file.Filename
		break
	}
	return ev
}
