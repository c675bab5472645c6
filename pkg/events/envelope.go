package events

import (
    "context"
    "time"

    "github.com/google/uuid"
)

// Event is anything that can travel through the bus.
type Event interface {
    // EventType is the string discriminator, also the default publish topic.
    EventType() string
    Meta() *Envelope
}

// Envelope carries the fields shared by every event.
type Envelope struct {
    EventID       string            `json:"eventId"`
    Timestamp     time.Time         `json:"timestamp"`
    TenantID      string            `json:"tenantId,omitempty"`
    CorrelationID string            `json:"correlationId,omitempty"`
    Source        string            `json:"source,omitempty"`
    Metadata      map[string]string `json:"metadata,omitempty"`
    Type          string            `json:"eventType"`
}

func (e *Envelope) Meta() *Envelope { return e }

// Stamp fills the envelope fields a publisher left empty: a fresh id, the UTC
// timestamp and the type discriminator.
func Stamp(ev Event) {
    m := ev.Meta()
    if m.EventID == "" { m.EventID = uuid.NewString() }
    if m.Timestamp.IsZero() { m.Timestamp = time.Now().UTC() }
    if m.Type == "" { m.Type = ev.EventType() }
}

// Emitter receives events produced by coordination components.
type Emitter interface {
    Emit(ctx context.Context, ev ClusterEvent)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev ClusterEvent)

func (f EmitterFunc) Emit(ctx context.Context, ev ClusterEvent) { f(ctx, ev) }

// Discard is an Emitter that drops everything.
var Discard Emitter = EmitterFunc(func(context.Context, ClusterEvent) {})
