package schema

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MatchedString is one literal substring that triggered a rule's pattern
// variable, decoded as UTF-8 with lossy fallback.
type MatchedString struct {
	MatchID int64  `json:"match_id,omitempty"`
	Name    string `json:"name"`
	Value   string `json:"value"`
}

// NewMatchedString builds a MatchedString from raw matched bytes. Invalid
// UTF-8 sequences are replaced rather than rejected so binary-adjacent hits
// still persist.
func NewMatchedString(name string, data []byte) MatchedString {
	value := string(data)
	if !utf8.ValidString(value) {
		value = strings.ToValidUTF8(value, "�")
	}
	return MatchedString{Name: name, Value: value}
}

// Match is one rule firing on one event. Back-reference IDs are zero until
// assigned at persist time.
type Match struct {
	MatchID int64           `json:"match_id,omitempty"`
	EventID int64           `json:"event_id,omitempty"`
	Rule    string          `json:"rule"`
	Tags    []string        `json:"tags,omitempty"`
	Strings []MatchedString `json:"strings,omitempty"`
}

// SetMatchID assigns the persisted match row ID and cascades it to the
// matched strings.
func (m *Match) SetMatchID(id int64) {
	m.MatchID = id
	for i := range m.Strings {
		m.Strings[i].MatchID = id
	}
}

// Blacklisted reports whether the match carries the sentinel rule name.
func (m *Match) Blacklisted() bool { return m.Rule == BlacklistRule }

// ProcessedEvent is a raw event together with its non-empty match list and
// the wall-clock time matching happened. Immutable except for ID assignment
// at persist time.
type ProcessedEvent struct {
	EventID      int64     `json:"event_id,omitempty"`
	Kind         Kind      `json:"kind"`
	ExternalID   string    `json:"external_id"`
	Filename     string    `json:"filename,omitempty"`
	Creator      string    `json:"creator,omitempty"`
	Content      []byte    `json:"content,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Matches      []*Match  `json:"matches"`
}

// NewProcessedEvent promotes a matched raw event, stamping DiscoveredAt.
func NewProcessedEvent(raw *RawEvent, matches []*Match) *ProcessedEvent {
	return &ProcessedEvent{
		Kind:         raw.Kind,
		ExternalID:   raw.ExternalID,
		Filename:     raw.Filename,
		Creator:      raw.Creator,
		Content:      raw.Content,
		CreatedAt:    raw.CreatedAt,
		DiscoveredAt: time.Now().UTC(),
		Matches:      matches,
	}
}

// Source implements Event.
func (p *ProcessedEvent) Source() Kind { return p.Kind }

// ID implements Event.
func (p *ProcessedEvent) ID() string { return p.ExternalID }

// Timestamp implements Event.
func (p *ProcessedEvent) Timestamp() time.Time { return p.CreatedAt }

// SetEventID assigns the persisted event row ID and cascades it to every match.
func (p *ProcessedEvent) SetEventID(id int64) {
	p.EventID = id
	for _, m := range p.Matches {
		m.EventID = id
	}
}

// RuleNames returns the matched rule names in match order.
func (p *ProcessedEvent) RuleNames() []string {
	names := make([]string, 0, len(p.Matches))
	for _, m := range p.Matches {
		names = append(names, m.Rule)
	}
	return names
}
