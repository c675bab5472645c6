package bus

import (
    "context"
    "errors"
    "fmt"
    "runtime/debug"
    "sync"
    "sync/atomic"
    "time"

    "github.com/sirupsen/logrus"
    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/events"
    obsmetrics "github.com/amirimatin/go-flowcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-flowcluster/pkg/observability/tracing"
)

// Interceptor runs before fan-out, in registration order.
type Interceptor func(ctx context.Context, ev events.Event, topic string) error

type namedInterceptor struct {
    name string
    fn   Interceptor
}

type Options struct {
    Logger logrus.FieldLogger
    // Directory is queried on every publish for external handlers. Optional.
    Directory HandlerDirectory
}

// Bus is an in-process publish/subscribe hub. Subscribers are kept in an
// immutable set swapped atomically, so publishers never hold a lock while
// handlers run.
type Bus struct {
    log  logrus.FieldLogger
    dir  HandlerDirectory
    mu   sync.Mutex // serialises writers of subs
    subs atomic.Pointer[subscriberSet]
    seq  atomic.Uint64
}

func New(opts Options) *Bus {
    b := &Bus{log: logutil.Component(opts.Logger, "bus"), dir: opts.Directory}
    b.subs.Store(&subscriberSet{byTopic: map[string][]*Subscription{}})
    return b
}

// Use appends an interceptor.
func (b *Bus) Use(name string, fn Interceptor) {
    if fn == nil { return }
    b.mu.Lock(); defer b.mu.Unlock()
    next := b.subs.Load().clone()
    next.interceptors = append(next.interceptors, namedInterceptor{name: name, fn: fn})
    b.subs.Store(next)
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int { return b.subs.Load().count }

func (b *Bus) add(s *Subscription) {
    s.bus = b
    s.id = b.seq.Add(1)
    b.mu.Lock(); defer b.mu.Unlock()
    next := b.subs.Load().clone()
    switch s.kind {
    case KindType:
        next.typed = append(next.typed, s)
    case KindTopic:
        next.byTopic[s.topic] = append(next.byTopic[s.topic], s)
    case KindPattern:
        next.patterns = append(next.patterns, s)
    }
    next.count++
    b.subs.Store(next)
    obsmetrics.BusSubscriptions.Inc()
}

func (b *Bus) remove(s *Subscription) {
    b.mu.Lock(); defer b.mu.Unlock()
    next := b.subs.Load().clone()
    var ok bool
    switch s.kind {
    case KindType:
        next.typed, ok = without(next.typed, s)
    case KindTopic:
        next.byTopic[s.topic], ok = without(next.byTopic[s.topic], s)
        if len(next.byTopic[s.topic]) == 0 { delete(next.byTopic, s.topic) }
    case KindPattern:
        next.patterns, ok = without(next.patterns, s)
    }
    if !ok { return }
    next.count--
    b.subs.Store(next)
    obsmetrics.BusSubscriptions.Dec()
}

// Publish dispatches ev on its own type as topic.
func (b *Bus) Publish(ctx context.Context, ev events.Event) error {
    return b.PublishTopic(ctx, ev, "")
}

// PublishTopic runs interceptors, then invokes every matching subscriber and
// every accepting external handler concurrently. It returns once all of them
// have finished; handler failures are logged, not returned.
func (b *Bus) PublishTopic(ctx context.Context, ev events.Event, topic string) error {
    if ev == nil { return ErrNilEvent }
    events.Stamp(ev)
    if topic == "" { topic = ev.EventType() }
    ctx, end := tracing.StartSpan(ctx, "bus.publish", "topic", topic, "event.id", ev.Meta().EventID)
    defer end()
    start := time.Now()
    obsmetrics.BusPublished.WithLabelValues(ev.EventType()).Inc()

    snap := b.subs.Load()
    for _, ic := range snap.interceptors {
        ic := ic
        b.isolate(ctx, "interceptor", ic.name, ev, func(ctx context.Context) error { return ic.fn(ctx, ev, topic) })
    }

    var g errgroup.Group
    for _, s := range snap.match(ev, topic) {
        s := s
        g.Go(func() error {
            b.isolate(ctx, "subscriber", s.String(), ev, func(ctx context.Context) error { return s.handler(ctx, ev) })
            return nil
        })
    }
    if b.dir != nil {
        g.Go(func() error {
            b.dispatchExternal(ctx, ev, topic)
            return nil
        })
    }
    _ = g.Wait()
    obsmetrics.BusPublishSeconds.Observe(time.Since(start).Seconds())
    return nil
}

func (b *Bus) dispatchExternal(ctx context.Context, ev events.Event, topic string) {
    handlers, err := b.dir.Resolve(ctx)
    if err != nil {
        obsmetrics.BusFaults.WithLabelValues("directory").Inc()
        b.log.WithError(err).WithField("event_id", ev.Meta().EventID).Warn("handler directory resolve failed")
        return
    }
    var g errgroup.Group
    for _, h := range handlers {
        h := h
        g.Go(func() error {
            b.isolate(ctx, "external", h.Name(), ev, func(ctx context.Context) error {
                if !h.Accepts(ev, topic) { return errSkip }
                return h.Handle(ctx, ev)
            })
            return nil
        })
    }
    _ = g.Wait()
}

// errSkip marks an external handler whose predicate declined the event.
var errSkip = errors.New("bus: skipped")

// isolate runs fn, converting panics and errors into log entries.
func (b *Bus) isolate(ctx context.Context, kind, name string, ev events.Event, fn func(context.Context) error) {
    defer func() {
        if r := recover(); r != nil {
            obsmetrics.BusFaults.WithLabelValues(kind).Inc()
            b.log.WithFields(logrus.Fields{
                "kind":     kind,
                "handler":  name,
                "event_id": ev.Meta().EventID,
                "panic":    fmt.Sprint(r),
            }).Errorf("handler panicked\n%s", debug.Stack())
        }
    }()
    err := fn(ctx)
    if err == errSkip { return }
    obsmetrics.BusDeliveries.WithLabelValues(kind).Inc()
    if err != nil {
        obsmetrics.BusFaults.WithLabelValues(kind).Inc()
        b.log.WithFields(logrus.Fields{
            "kind":     kind,
            "handler":  name,
            "event_id": ev.Meta().EventID,
        }).WithError(err).Warn("handler failed")
    }
}
