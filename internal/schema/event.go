// Package schema defines the event and match records flowing through the pipeline.
package schema

import (
	"context"
	"path"
	"strings"
	"time"
)

// Kind identifies the origin of a harvested event and doubles as the
// source registry tag and the index-cache partition key.
type Kind string

const (
	// KindGist designates events harvested from the public gist feed.
	KindGist Kind = "gist"
	// KindPastebin designates events harvested from the paste-site scrape feed.
	KindPastebin Kind = "pastebin"
	// KindGithubEvents designates composite events harvested from the public commit stream.
	KindGithubEvents Kind = "github-public-events"
	// KindCSV designates events replayed from a CSV file.
	KindCSV Kind = "csv"
)

// BlacklistRule is the sentinel rule name. An event with any match carrying
// this name is suppressed entirely, whatever else matched.
const BlacklistRule = "BlacklistRule"

var extensionBlacklist = map[string]struct{}{
	".jpg": {}, ".gif": {}, ".psd": {}, ".pdf": {}, ".jpeg": {}, ".png": {},
	".webp": {}, ".pyc": {}, ".sqlite3": {}, ".woff": {}, ".ttf": {},
	".woff2": {}, ".zip": {}, ".gz": {}, ".h5": {},
}

// BlacklistedExtension reports whether the file name carries an extension
// that is never worth scanning (binary and media formats).
func BlacklistedExtension(filename string) bool {
	ext := strings.ToLower(path.Ext(filename))
	_, ok := extensionBlacklist[ext]
	return ok
}

// Event is one unit of work on the raw pipeline queue.
type Event interface {
	// Source returns the origin tag.
	Source() Kind
	// ID returns the stable external identifier used for deduplication.
	ID() string
	// Timestamp returns the creation time reported by the origin.
	Timestamp() time.Time
}

// ContentFetcher retrieves the text body behind a raw URL. Implemented by
// httpx.Session; declared here so events stay free of transport concerns.
type ContentFetcher interface {
	GetText(ctx context.Context, url string) ([]byte, error)
}

// RawEvent is a normalized upstream item awaiting rule matching. It is
// mutated exactly once, by Realize, and treated as immutable afterwards.
type RawEvent struct {
	Kind       Kind      `json:"kind"`
	ExternalID string    `json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
	RawURL     string    `json:"raw_url,omitempty"`
	Size       int64     `json:"size,omitempty"`
	Filename   string    `json:"filename,omitempty"`
	Creator    string    `json:"creator,omitempty"`
	Content    []byte    `json:"content,omitempty"`
}

// Source implements Event.
func (e *RawEvent) Source() Kind { return e.Kind }

// ID implements Event.
func (e *RawEvent) ID() string { return e.ExternalID }

// Timestamp implements Event.
func (e *RawEvent) Timestamp() time.Time { return e.CreatedAt }

// Valid reports the kind-specific precondition for entering realization:
// replayed rows must already carry content, everything else needs a raw URL.
func (e *RawEvent) Valid() bool {
	switch e.Kind {
	case KindCSV, KindGithubEvents:
		return len(e.Content) > 0
	default:
		return e.RawURL != ""
	}
}

// Matchable reports whether the event is worth handing to the matcher.
func (e *RawEvent) Matchable() bool { return len(e.Content) > 0 }

// Realize fetches the body behind RawURL. Transport, timeout and decode
// failures leave Content empty; the returned error exists only for logging
// and never aborts a cycle.
func (e *RawEvent) Realize(ctx context.Context, fetcher ContentFetcher) error {
	if e.RawURL == "" {
		return nil
	}
	body, err := fetcher.GetText(ctx, e.RawURL)
	if err != nil {
		e.Content = nil
		return err
	}
	e.Content = body
	return nil
}

// CompositeEvent is one commit-stream item fanned out to one child per
// changed file. Children share the parent's identity fields; iteration is
// finite and non-restartable.
type CompositeEvent struct {
	Kind       Kind
	ExternalID string
	Creator    string
	CreatedAt  time.Time

	children []*RawEvent
	pos      int
}

// NewCompositeEvent constructs an empty composite for the given identity.
func NewCompositeEvent(kind Kind, externalID, creator string, createdAt time.Time) *CompositeEvent {
	return &CompositeEvent{
		Kind:       kind,
		ExternalID: externalID,
		Creator:    creator,
		CreatedAt:  createdAt,
	}
}

// Source implements Event.
func (c *CompositeEvent) Source() Kind { return c.Kind }

// ID implements Event.
func (c *CompositeEvent) ID() string { return c.ExternalID }

// Timestamp implements Event.
func (c *CompositeEvent) Timestamp() time.Time { return c.CreatedAt }

// AddChild appends a resolved file as a child event sharing the parent's
// identity. Callers filter blacklisted extensions before resolving content.
func (c *CompositeEvent) AddChild(filename string, content []byte) {
	c.children = append(c.children, &RawEvent{
		Kind:       c.Kind,
		ExternalID: c.ExternalID,
		CreatedAt:  c.CreatedAt,
		Creator:    c.Creator,
		Filename:   filename,
		Content:    content,
		Size:       int64(len(content)),
	})
}

// Next yields the next unconsumed child, or false when exhausted.
func (c *CompositeEvent) Next() (*RawEvent, bool) {
	if c.pos >= len(c.children) {
		return nil, false
	}
	child := c.children[c.pos]
	c.pos++
	return child, true
}

// Len returns the number of resolved children.
func (c *CompositeEvent) Len() int { return len(c.children) }

// Valid reports whether at least one child carries content.
func (c *CompositeEvent) Valid() bool {
	for _, child := range c.children {
		if child.Matchable() {
			return true
		}
	}
	return false
}
