package propagation

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/bus"
    "github.com/amirimatin/go-flowcluster/pkg/events"
)

// loopNet hands every broadcast to all attached propagators, including the
// sender, and delivers each payload twice to mimic an at-least-once transport.
type loopNet struct {
    mu    sync.Mutex
    peers []*Propagator
}

func (n *loopNet) Broadcast(ctx context.Context, payload []byte) error {
    n.mu.Lock()
    peers := append([]*Propagator(nil), n.peers...)
    n.mu.Unlock()
    for _, p := range peers {
        for i := 0; i < 2; i++ {
            if err := p.Deliver(ctx, payload); err != nil { return err }
        }
    }
    return nil
}

type member struct {
    prop *Propagator
    bus  *bus.Bus
    got  atomic.Int32
}

func join(t *testing.T, net *loopNet, id string) *member {
    t.Helper()
    b := bus.New(bus.Options{Logger: logutil.Discard()})
    p, err := New(id, b, net, Options{Logger: logutil.Discard()})
    require.NoError(t, err)
    m := &member{prop: p, bus: b}
    _, err = bus.SubscribeType(b, func(_ context.Context, ev *events.CacheInvalidation) error {
        m.got.Add(1)
        return nil
    })
    require.NoError(t, err)
    net.mu.Lock(); net.peers = append(net.peers, p); net.mu.Unlock()
    return m
}

func TestPublishEvent_ExactlyOncePerNode(t *testing.T) {
    net := &loopNet{}
    a, b, c := join(t, net, "a"), join(t, net, "b"), join(t, net, "c")

    ev := &events.CacheInvalidation{CacheName: "definitions", Keys: []string{"order-process"}}
    require.NoError(t, a.prop.PublishEvent(context.Background(), ev))

    assert.Equal(t, "a", ev.SourceNodeID)
    assert.NotEmpty(t, ev.EventID)
    assert.EqualValues(t, 1, a.got.Load(), "origin sees its own event once")
    assert.EqualValues(t, 1, b.got.Load())
    assert.EqualValues(t, 1, c.got.Load())
}

func TestPublishEvent_RelayedEventIsRestampedLocally(t *testing.T) {
    net := &loopNet{}
    a, b := join(t, net, "a"), join(t, net, "b")

    ev := &events.CacheInvalidation{CacheName: "forms"}
    ev.SourceNodeID = "b"
    ev.Source = "b"
    require.NoError(t, a.prop.PublishEvent(context.Background(), ev))

    assert.Equal(t, "a", ev.SourceNodeID)
    assert.Equal(t, "b", ev.Source, "caller provenance kept")
    assert.EqualValues(t, 1, b.got.Load(), "b is not fooled into a loopback drop")
}

func TestDeliver_DropsLoopbackAndDuplicates(t *testing.T) {
    b := bus.New(bus.Options{Logger: logutil.Discard()})
    var n atomic.Int32
    _, err := b.SubscribePattern("cluster.**", func(context.Context, events.Event) error { n.Add(1); return nil })
    require.NoError(t, err)
    p, err := New("me", b, nil, Options{DedupSize: 2, Logger: logutil.Discard()})
    require.NoError(t, err)
    ctx := context.Background()

    own := &events.NodeLeft{NodeID: "x"}
    own.SourceNodeID = "me"
    payload, err := events.Encode(own)
    require.NoError(t, err)
    require.NoError(t, p.Deliver(ctx, payload))
    assert.EqualValues(t, 0, n.Load())

    remote := &events.NodeLeft{NodeID: "x"}
    remote.SourceNodeID = "other"
    payload, err = events.Encode(remote)
    require.NoError(t, err)
    require.NoError(t, p.Deliver(ctx, payload))
    require.NoError(t, p.Deliver(ctx, payload))
    assert.EqualValues(t, 1, n.Load())

    assert.Error(t, p.Deliver(ctx, []byte(`{"eventType":"nope"}`)))
}

type failingNet struct{}

func (failingNet) Broadcast(context.Context, []byte) error { return errors.New("no route") }

func TestPublishEvent_LocalDeliveryDespiteBroadcastFailure(t *testing.T) {
    b := bus.New(bus.Options{Logger: logutil.Discard()})
    var n atomic.Int32
    _, err := b.SubscribeTopic(events.TypeLeaderElected, func(context.Context, events.Event) error { n.Add(1); return nil })
    require.NoError(t, err)
    p, err := New("a", b, failingNet{}, Options{Logger: logutil.Discard()})
    require.NoError(t, err)

    p.Emit(context.Background(), &events.LeaderElected{LeaderID: "a"})
    assert.EqualValues(t, 1, n.Load())

    err = p.PublishEvent(context.Background(), &events.LeaderElected{LeaderID: "a"})
    assert.ErrorContains(t, err, "no route")
    assert.EqualValues(t, 2, n.Load())
}
