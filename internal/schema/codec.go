package schema

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/leakwatch/leakwatch/errs"
)

// Wire envelope types for broker-backed queues. The envelope ID exists for
// log correlation only; delivery semantics stay with the broker.
const (
	wireRaw       = "raw"
	wireComposite = "composite"
	wireProcessed = "processed"
)

type envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type compositeWire struct {
	Kind       Kind        `json:"kind"`
	ExternalID string      `json:"external_id"`
	Creator    string      `json:"creator,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	Children   []*RawEvent `json:"children,omitempty"`
	Pos        int         `json:"pos,omitempty"`
}

// MarshalJSON preserves the composite's resolved children and iterator
// position across broker transport.
func (c *CompositeEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(compositeWire{
		Kind:       c.Kind,
		ExternalID: c.ExternalID,
		Creator:    c.Creator,
		CreatedAt:  c.CreatedAt,
		Children:   c.children,
		Pos:        c.pos,
	})
}

// UnmarshalJSON restores a composite serialized by MarshalJSON.
func (c *CompositeEvent) UnmarshalJSON(data []byte) error {
	var wire compositeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	c.Kind = wire.Kind
	c.ExternalID = wire.ExternalID
	c.Creator = wire.Creator
	c.CreatedAt = wire.CreatedAt
	c.children = wire.Children
	c.pos = wire.Pos
	return nil
}

// EncodeEvent serializes a raw-queue item for broker transport.
func EncodeEvent(ev Event) ([]byte, error) {
	var wireType string
	switch ev.(type) {
	case *RawEvent:
		wireType = wireRaw
	case *CompositeEvent:
		wireType = wireComposite
	case *ProcessedEvent:
		wireType = wireProcessed
	default:
		return nil, errs.New("schema", errs.CodeInvariant, errs.WithMessage("unknown event type for encoding"))
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, errs.New("schema", errs.CodeDecode, errs.WithMessage("encode event payload"), errs.WithCause(err))
	}
	return json.Marshal(envelope{ID: uuid.NewString(), Type: wireType, Payload: payload})
}

// DecodeEvent restores a raw-queue item serialized by EncodeEvent.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.New("schema", errs.CodeDecode, errs.WithMessage("decode event envelope"), errs.WithCause(err))
	}
	switch env.Type {
	case wireRaw:
		ev := new(RawEvent)
		if err := json.Unmarshal(env.Payload, ev); err != nil {
			return nil, errs.New("schema", errs.CodeDecode, errs.WithMessage("decode raw event"), errs.WithCause(err))
		}
		return ev, nil
	case wireComposite:
		ev := new(CompositeEvent)
		if err := json.Unmarshal(env.Payload, ev); err != nil {
			return nil, errs.New("schema", errs.CodeDecode, errs.WithMessage("decode composite event"), errs.WithCause(err))
		}
		return ev, nil
	case wireProcessed:
		ev := new(ProcessedEvent)
		if err := json.Unmarshal(env.Payload, ev); err != nil {
			return nil, errs.New("schema", errs.CodeDecode, errs.WithMessage("decode processed event"), errs.WithCause(err))
		}
		return ev, nil
	default:
		return nil, errs.New("schema", errs.CodeDecode, errs.WithMessage("unknown envelope type "+env.Type))
	}
}

// EncodeProcessed serializes a processed-queue item for broker transport.
func EncodeProcessed(ev *ProcessedEvent) ([]byte, error) {
	return EncodeEvent(ev)
}

// DecodeProcessed restores a processed-queue item.
func DecodeProcessed(data []byte) (*ProcessedEvent, error) {
	ev, err := DecodeEvent(data)
	if err != nil {
		return nil, err
	}
	processed, ok := ev.(*ProcessedEvent)
	if !ok {
		return nil, errs.New("schema", errs.CodeDecode, errs.WithMessage("envelope does not carry a processed event"))
	}
	return processed, nil
}
