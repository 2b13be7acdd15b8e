package source

import (
	"context"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/leakwatch/leakwatch/errs"
	"github.com/leakwatch/leakwatch/internal/config"
	"github.com/leakwatch/leakwatch/internal/httpx"
	"github.com/leakwatch/leakwatch/internal/schema"
)

// The scrape API caps how far back the recent-pastes listing reaches.
const (
	pastebinListingURL = "https://scrape.pastebin.com/api_scraping.php"
	pastebinLimit      = 50
)

// pasteCreator is reported for every paste; the scrape API does not expose
// author identities.
const pasteCreator = "Anonymous"

type pasteItem struct {
	Key       string `json:"key"`
	ScrapeURL string `json:"scrape_url"`
	Date      string `json:"date"`
	Size      string `json:"size"`
	Title     string `json:"title"`
}

// pastebinSource polls the pro scrape API for recent public pastes.
// Access requires a whitelisted IP; the dev key is kept for account
// identification but the listing itself is IP-authenticated.
type pastebinSource struct {
	deps     Deps
	interval time.Duration
	rps      float64

	listingURL string
}

func newPastebin(cfg config.Source, interval time.Duration, deps Deps) (Source, error) {
	if cfg.DevKey == "" {
		return nil, errs.New("pastebin", errs.CodeConfig, errs.WithMessage("dev_key is required"))
	}
	return &pastebinSource{
		deps:       deps,
		interval:   interval,
		rps:        cfg.RequestsPerSecond,
		listingURL: pastebinListingURL,
	}, nil
}

// Kind implements Source.
func (p *pastebinSource) Kind() schema.Kind { return schema.KindPastebin }

// Run implements Source.
func (p *pastebinSource) Run(ctx context.Context) error {
	return runCycles(ctx, p.deps.Log, p.interval, p.cycle)
}

func (p *pastebinSource) session() *httpx.Session {
	var opts []httpx.Option
	if p.rps > 0 {
		opts = append(opts, httpx.WithRateLimit(p.rps, 1))
	}
	return httpx.NewSession("pastebin", opts...)
}

func (p *pastebinSource) cycle(ctx context.Context) error {
	start := time.Now()
	session := p.session()

	url := p.listingURL + "?limit=" + strconv.Itoa(pastebinLimit)
	resp, err := session.Get(ctx, url, nil)
	if err != nil {
		return err
	}
	var items []pasteItem
	if err := json.Unmarshal(resp.Body, &items); err != nil {
		// A non-JSON body is the API telling us the caller IP is not
		// whitelisted.
		return errs.New("pastebin", errs.CodeDecode,
			errs.WithMessage("non-JSON listing; is this IP whitelisted for scraping?"),
			errs.WithCause(err))
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Key)
	}
	fresh, err := filterNew(ctx, p.deps.Cache, schema.KindPastebin, ids)
	if err != nil {
		return err
	}

	var events []*schema.RawEvent
	dropped := 0
	for _, item := range items {
		if !fresh[item.Key] {
			continue
		}
		ev := p.newEvent(item)
		if !ev.Valid() {
			dropped++
			continue
		}
		events = append(events, ev)
	}

	realizeAll(ctx, p.deps.Log, schema.KindPastebin, session, events)

	remembered := make([]string, 0, len(fresh))
	for id := range fresh {
		remembered = append(remembered, id)
	}
	if err := p.deps.Cache.Remember(ctx, schema.KindPastebin, remembered); err != nil {
		return err
	}

	enqueued := 0
	for _, ev := range events {
		if !ev.Matchable() {
			dropped++
			continue
		}
		if err := p.deps.Raw.Put(ctx, ev); err != nil {
			return err
		}
		enqueued++
	}
	recordCycle(ctx, schema.KindPastebin, start, len(items), len(items)-len(fresh), enqueued, dropped)
	return nil
}

func (p *pastebinSource) newEvent(item pasteItem) *schema.RawEvent {
	ev := &schema.RawEvent{
		Kind:       schema.KindPastebin,
		ExternalID: item.Key,
		RawURL:     item.ScrapeURL,
		Filename:   item.Title,
		Creator:    pasteCreator,
	}
	if epoch, err := strconv.ParseInt(item.Date, 10, 64); err == nil {
		ev.CreatedAt = time.Unix(epoch, 0).UTC()
	}
	if size, err := strconv.ParseInt(item.Size, 10, 64); err == nil {
		ev.Size = size
	}
	return ev
}
