package eventing

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMalformedEnvelope is returned when a message is not a decodable envelope.
	ErrMalformedEnvelope = errors.New("eventing: malformed envelope")
	// ErrUnknownEventType is returned when no payload type is registered for an envelope.
	ErrUnknownEventType = errors.New("eventing: unknown event type")
)

// Envelope wraps a ledger signal payload with metadata.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Meta provides envelope overrides.
type Meta struct {
	EventID       string
	OccurredAt    time.Time
	CorrelationID string
	SchemaVersion int
}

// BuildEnvelope wraps event under eventType.
func BuildEnvelope(eventType string, event any, meta Meta) (Envelope, error) {
	if event == nil {
		return Envelope{}, errors.New("eventing: nil event")
	}
	if eventType == "" {
		return Envelope{}, errors.New("eventing: empty event type")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}

	eventID := meta.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = eventID
	}
	occurredAt := meta.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	schemaVersion := meta.SchemaVersion
	if schemaVersion == 0 {
		schemaVersion = 1
	}

	return Envelope{
		EventID:       eventID,
		EventType:     eventType,
		OccurredAt:    occurredAt.UTC(),
		CorrelationID: correlationID,
		SchemaVersion: schemaVersion,
		Payload:       payload,
	}, nil
}

// DecodeEnvelope parses a wire message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Join(ErrMalformedEnvelope, err)
	}
	if env.EventType == "" || len(env.Payload) == 0 {
		return Envelope{}, ErrMalformedEnvelope
	}
	return env, nil
}
