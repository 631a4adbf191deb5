package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is the immutable envelope carried by every message on the bus.
// All fields are set at construction and never mutated afterwards.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Source    string            `json:"source"`
	Target    string            `json:"target,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   json.RawMessage   `json:"payload"`
	Meta      map[string]string `json:"meta"`
}

// Option customizes an Event at construction time.
type Option func(*Event)

// WithTarget sets the optional routing hint. Consumers may filter on it,
// the stream itself never does.
func WithTarget(target string) Option {
	return func(e *Event) {
		e.Target = target
	}
}

// WithMeta adds a single meta entry.
func WithMeta(key, value string) Option {
	return func(e *Event) {
		e.Meta[key] = value
	}
}

// New builds an Event with a generated id, a UTC timestamp and the payload
// marshaled to JSON. Meta is always non-nil, even when no options add to it.
func New(eventType, source string, payload any, opts ...Option) (Event, error) {
	if eventType == "" {
		return Event{}, fmt.Errorf("event type must not be empty")
	}
	if source == "" {
		return Event{}, fmt.Errorf("event source must not be empty")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload for %s: %w", eventType, err)
	}

	e := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   data,
		Meta:      map[string]string{},
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e, nil
}

// StreamName derives the stream an event is appended to from the domain
// segment of its type: all "mission.*" events share the "mission" stream.
// A type without a dot maps to itself.
func StreamName(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		return eventType[:i]
	}
	return eventType
}

// DecodePayload unmarshals the payload into v.
func (e Event) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
