// Package propagation bridges the local event bus and the cluster
// transport. Local cluster events are tagged with this node's id and
// broadcast; inbound payloads are decoded, de-duplicated and re-published
// on the local bus.
package propagation

import (
    "context"
    "errors"
    "fmt"
    "sync"

    lru "github.com/hashicorp/golang-lru"
    "github.com/sirupsen/logrus"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/events"
    obsmetrics "github.com/amirimatin/go-flowcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-flowcluster/pkg/observability/tracing"
)

// Broadcaster delivers a payload to every other node at least once.
type Broadcaster interface {
    Broadcast(ctx context.Context, payload []byte) error
}

// Publisher is the local bus.
type Publisher interface {
    Publish(ctx context.Context, ev events.Event) error
}

type Options struct {
    // DedupSize bounds the window of remembered event ids. Defaults to 4096.
    DedupSize int
    Logger    logrus.FieldLogger
}

type Propagator struct {
    nodeID string
    bus    Publisher
    log    logrus.FieldLogger
    seen   *lru.Cache

    mu sync.RWMutex
    bc Broadcaster
}

func New(nodeID string, bus Publisher, bc Broadcaster, opts Options) (*Propagator, error) {
    if nodeID == "" || bus == nil { return nil, errors.New("propagation: node id and bus are required") }
    if opts.DedupSize <= 0 { opts.DedupSize = 4096 }
    seen, err := lru.New(opts.DedupSize)
    if err != nil { return nil, fmt.Errorf("propagation: dedup cache: %w", err) }
    return &Propagator{
        nodeID: nodeID,
        bus:    bus,
        bc:     bc,
        seen:   seen,
        log:    logutil.Component(opts.Logger, "propagation").WithField("node", nodeID),
    }, nil
}

// SetBroadcaster binds the transport once it exists; until then events are
// only published locally.
func (p *Propagator) SetBroadcaster(bc Broadcaster) {
    p.mu.Lock(); defer p.mu.Unlock()
    p.bc = bc
}

func (p *Propagator) broadcaster() Broadcaster {
    p.mu.RLock(); defer p.mu.RUnlock()
    return p.bc
}

// PublishEvent stamps ev as originating here, broadcasts it and publishes it
// on the local bus. Local delivery happens even when the broadcast fails;
// the broadcast error is returned.
func (p *Propagator) PublishEvent(ctx context.Context, ev events.ClusterEvent) error {
    if ev == nil { return errors.New("propagation: nil event") }
    events.Stamp(ev)
    ce := ev.Cluster()
    ce.SourceNodeID = p.nodeID
    if ce.Source == "" { ce.Source = p.nodeID }
    p.seen.Add(ce.EventID, struct{}{})

    ctx, end := tracing.StartSpan(ctx, "propagation.publish", "event_type", ev.EventType(), "event_id", ce.EventID)
    defer end()

    var berr error
    if bc := p.broadcaster(); bc != nil {
        payload, err := events.Encode(ev)
        if err == nil { err = bc.Broadcast(ctx, payload) }
        if err != nil {
            obsmetrics.PropagatedOut.WithLabelValues("error").Inc()
            berr = fmt.Errorf("propagation: broadcast %s: %w", ev.EventType(), err)
            p.log.WithError(err).WithField("event_type", ev.EventType()).Warn("broadcast failed")
        } else {
            obsmetrics.PropagatedOut.WithLabelValues("sent").Inc()
        }
    }
    if err := p.bus.Publish(ctx, ev); err != nil { return errors.Join(berr, err) }
    return berr
}

// Emit lets components hand their events to the propagator directly.
func (p *Propagator) Emit(ctx context.Context, ev events.ClusterEvent) {
    if err := p.PublishEvent(ctx, ev); err != nil {
        p.log.WithError(err).Debug("emit")
    }
}

// Deliver handles one inbound payload from the transport. Own events that
// loop back and ids already seen are dropped silently.
func (p *Propagator) Deliver(ctx context.Context, payload []byte) error {
    ev, err := events.Decode(payload)
    if err != nil {
        obsmetrics.PropagatedIn.WithLabelValues("invalid").Inc()
        return fmt.Errorf("propagation: decode: %w", err)
    }
    ce := ev.Cluster()
    if ce.SourceNodeID == p.nodeID {
        obsmetrics.PropagatedIn.WithLabelValues("loopback").Inc()
        return nil
    }
    if ce.EventID != "" {
        if dup, _ := p.seen.ContainsOrAdd(ce.EventID, struct{}{}); dup {
            obsmetrics.PropagatedIn.WithLabelValues("duplicate").Inc()
            return nil
        }
    }
    obsmetrics.PropagatedIn.WithLabelValues("delivered").Inc()
    ctx, end := tracing.StartSpan(ctx, "propagation.deliver", "event_type", ev.EventType(), "source", ce.SourceNodeID)
    defer end()
    return p.bus.Publish(ctx, ev)
}

var _ events.Emitter = (*Propagator)(nil)
