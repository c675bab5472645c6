package events

import (
    "encoding/json"
    "errors"
    "fmt"
    "sync"
)

var ErrUnknownEventType = errors.New("events: unknown event type")

var (
    regMu    sync.RWMutex
    registry = map[string]func() ClusterEvent{
        TypeNodeJoined:        func() ClusterEvent { return &NodeJoined{} },
        TypeNodeLeft:          func() ClusterEvent { return &NodeLeft{} },
        TypeNodeStatusChanged: func() ClusterEvent { return &NodeStatusChanged{} },
        TypeNodeHeartbeat:     func() ClusterEvent { return &NodeHeartbeat{} },
        TypeLeaderElected:     func() ClusterEvent { return &LeaderElected{} },
        TypeWorkDistributed:   func() ClusterEvent { return &WorkDistributed{} },
        TypeCacheInvalidation: func() ClusterEvent { return &CacheInvalidation{} },
    }
)

// Register makes an application-defined cluster event decodable on receiving
// nodes. Registering an existing type replaces its factory.
func Register(eventType string, factory func() ClusterEvent) {
    regMu.Lock(); defer regMu.Unlock()
    registry[eventType] = factory
}

// Encode stamps ev and renders it as JSON for the wire.
func Encode(ev ClusterEvent) ([]byte, error) {
    if ev == nil { return nil, errors.New("events: nil event") }
    Stamp(ev)
    return json.Marshal(ev)
}

// Decode reads the eventType discriminator and unmarshals into the matching variant.
func Decode(data []byte) (ClusterEvent, error) {
    var head struct {
        Type string `json:"eventType"`
    }
    if err := json.Unmarshal(data, &head); err != nil {
        return nil, fmt.Errorf("events: decode header: %w", err)
    }
    regMu.RLock()
    factory, ok := registry[head.Type]
    regMu.RUnlock()
    if !ok { return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, head.Type) }
    ev := factory()
    if err := json.Unmarshal(data, ev); err != nil {
        return nil, fmt.Errorf("events: decode %s: %w", head.Type, err)
    }
    return ev, nil
}
