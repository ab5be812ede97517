// Package events carries gateway events to the event bus. Producers call
// Emitter.Emit, which never blocks; a flush loop hands buffered events to
// the configured Bus in batches. Consumers Subscribe to the same Bus.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apiverse/apiverse/internal/store"
)

// Event is one occurrence published on the bus.
type Event struct {
	ID        string          `json:"id"`
	Type      store.EventType `json:"event_type"`
	Source    string          `json:"source"`
	APIID     uint            `json:"api_id"`
	OwnerID   uint            `json:"owner_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an Event with a fresh id. payload is marshaled as-is;
// json.RawMessage and []byte holding JSON are accepted verbatim.
func New(source string, typ store.EventType, apiID, ownerID uint, payload any) (Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Source:    source,
		APIID:     apiID,
		OwnerID:   ownerID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}

func encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if !ev.Type.Valid() {
		return Event{}, fmt.Errorf("decode event: unknown type %q", ev.Type)
	}
	return ev, nil
}
