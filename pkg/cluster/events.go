package cluster

import (
    "context"
    "sync"

    "github.com/amirimatin/go-flowcluster/pkg/events"
)

// Subscribe streams bus events whose type matches pattern, for example
// "cluster.**" for every cluster event or "cluster.leader.*". The channel is
// buffered and closed when ctx is done. Events are dropped when the consumer
// falls behind so the bus is never held up.
func (c *Cluster) Subscribe(ctx context.Context, pattern string) (<-chan events.Event, error) {
    ch := make(chan events.Event, 64)
    var (
        mu     sync.Mutex
        closed bool
    )
    sub, err := c.bus.SubscribePattern(pattern, func(_ context.Context, ev events.Event) error {
        mu.Lock(); defer mu.Unlock()
        if closed { return nil }
        select {
        case ch <- ev:
        default:
            c.log.WithField("event_type", ev.EventType()).Debug("subscriber behind, event dropped")
        }
        return nil
    })
    if err != nil { return nil, err }
    go func() {
        <-ctx.Done()
        sub.Unsubscribe()
        mu.Lock(); closed = true; close(ch); mu.Unlock()
    }()
    return ch, nil
}
