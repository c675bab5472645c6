package bus

import (
    "context"
    "sort"
    "sync"

    "github.com/amirimatin/go-flowcluster/pkg/events"
)

// ExternalHandler is a handler owned by the hosting application and looked up
// at publish time instead of subscribing up front.
type ExternalHandler interface {
    Name() string
    Accepts(ev events.Event, topic string) bool
    Handle(ctx context.Context, ev events.Event) error
}

// HandlerDirectory yields the external handlers current at publish time.
type HandlerDirectory interface {
    Resolve(ctx context.Context) ([]ExternalHandler, error)
}

// HandlerFunc is an ExternalHandler built from functions. A nil Match accepts everything.
type HandlerFunc struct {
    Label string
    Match func(ev events.Event, topic string) bool
    Fn    func(ctx context.Context, ev events.Event) error
}

func (h HandlerFunc) Name() string { return h.Label }

func (h HandlerFunc) Accepts(ev events.Event, topic string) bool {
    return h.Match == nil || h.Match(ev, topic)
}

func (h HandlerFunc) Handle(ctx context.Context, ev events.Event) error { return h.Fn(ctx, ev) }

// Directory is an in-memory HandlerDirectory.
type Directory struct {
    mu       sync.RWMutex
    seq      uint64
    handlers map[uint64]ExternalHandler
}

func NewDirectory() *Directory { return &Directory{handlers: make(map[uint64]ExternalHandler)} }

// Register adds h and returns a function removing it again.
func (d *Directory) Register(h ExternalHandler) (unregister func()) {
    d.mu.Lock()
    d.seq++
    id := d.seq
    d.handlers[id] = h
    d.mu.Unlock()
    var once sync.Once
    return func() {
        once.Do(func() {
            d.mu.Lock(); defer d.mu.Unlock()
            delete(d.handlers, id)
        })
    }
}

// Resolve returns handlers in registration order.
func (d *Directory) Resolve(context.Context) ([]ExternalHandler, error) {
    d.mu.RLock(); defer d.mu.RUnlock()
    ids := make([]uint64, 0, len(d.handlers))
    for id := range d.handlers { ids = append(ids, id) }
    sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
    out := make([]ExternalHandler, 0, len(ids))
    for _, id := range ids { out = append(out, d.handlers[id]) }
    return out, nil
}

var _ HandlerDirectory = (*Directory)(nil)
