package events

import (
    "encoding/json"
    "errors"
)

// Message is a workflow lifecycle event (e.g. "task.completed") published by
// engine subsystems. Its payload is opaque to the coordination core.
type Message struct {
    Envelope
    Payload json.RawMessage `json:"payload,omitempty"`
}

func (m *Message) EventType() string { return m.Type }

// NewMessage builds a Message of the given type with payload encoded as JSON.
func NewMessage(eventType string, payload any) (*Message, error) {
    if eventType == "" { return nil, errors.New("events: empty event type") }
    m := &Message{Envelope: Envelope{Type: eventType}}
    if payload != nil {
        b, err := json.Marshal(payload)
        if err != nil { return nil, err }
        m.Payload = b
    }
    return m, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
    if len(m.Payload) == 0 { return errors.New("events: empty payload") }
    return json.Unmarshal(m.Payload, v)
}
