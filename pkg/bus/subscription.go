package bus

import (
    "context"
    "fmt"
    "reflect"
    "sync"

    "github.com/amirimatin/go-flowcluster/pkg/events"
)

// Handler processes one event. Returned errors and panics are logged and
// never reach the publisher.
type Handler func(ctx context.Context, ev events.Event) error

type Kind int

const (
    KindType Kind = iota
    KindTopic
    KindPattern
)

func (k Kind) String() string {
    switch k {
    case KindType:
        return "type"
    case KindTopic:
        return "topic"
    default:
        return "pattern"
    }
}

// Subscription is a handle to one registration on a Bus.
type Subscription struct {
    id      uint64
    kind    Kind
    typ     reflect.Type
    topic   string
    matcher *Matcher
    handler Handler
    bus     *Bus
    once    sync.Once
}

// Unsubscribe removes exactly this registration. Calling it again is a no-op,
// and it is safe while a publish that already snapshotted it is in flight.
func (s *Subscription) Unsubscribe() {
    s.once.Do(func() { s.bus.remove(s) })
}

func (s *Subscription) Kind() Kind { return s.kind }

func (s *Subscription) String() string {
    switch s.kind {
    case KindType:
        return fmt.Sprintf("type:%s#%d", s.typ, s.id)
    case KindTopic:
        return fmt.Sprintf("topic:%s#%d", s.topic, s.id)
    default:
        return fmt.Sprintf("pattern:%s#%d", s.matcher, s.id)
    }
}

func (s *Subscription) matchesType(t reflect.Type) bool {
    if s.typ == t { return true }
    return s.typ.Kind() == reflect.Interface && t.Implements(s.typ)
}

// SubscribeType registers fn for every event whose dynamic type is T. When T
// is an interface, every event implementing it matches.
func SubscribeType[T events.Event](b *Bus, fn func(ctx context.Context, ev T) error) (*Subscription, error) {
    if fn == nil { return nil, ErrNilHandler }
    s := &Subscription{kind: KindType, typ: reflect.TypeFor[T]()}
    s.handler = func(ctx context.Context, ev events.Event) error {
        v, ok := ev.(T)
        if !ok { return nil }
        return fn(ctx, v)
    }
    b.add(s)
    return s, nil
}

// SubscribeTopic registers h for publishes whose topic equals topic exactly.
func (b *Bus) SubscribeTopic(topic string, h Handler) (*Subscription, error) {
    if topic == "" { return nil, ErrEmptyTopic }
    if h == nil { return nil, ErrNilHandler }
    s := &Subscription{kind: KindTopic, topic: topic, handler: h}
    b.add(s)
    return s, nil
}

// SubscribePattern registers h for topics matching a glob where '*' stays
// within one '.'-separated segment and '**' spans segments.
func (b *Bus) SubscribePattern(pattern string, h Handler) (*Subscription, error) {
    if h == nil { return nil, ErrNilHandler }
    m, err := CompilePattern(pattern)
    if err != nil { return nil, err }
    s := &Subscription{kind: KindPattern, matcher: m, handler: h}
    b.add(s)
    return s, nil
}

// subscriberSet is immutable once published through Bus.subs.
type subscriberSet struct {
    byTopic      map[string][]*Subscription
    typed        []*Subscription
    patterns     []*Subscription
    interceptors []namedInterceptor
    count        int
}

func (ss *subscriberSet) clone() *subscriberSet {
    out := &subscriberSet{
        byTopic:      make(map[string][]*Subscription, len(ss.byTopic)),
        typed:        append([]*Subscription(nil), ss.typed...),
        patterns:     append([]*Subscription(nil), ss.patterns...),
        interceptors: append([]namedInterceptor(nil), ss.interceptors...),
        count:        ss.count,
    }
    for k, v := range ss.byTopic {
        out.byTopic[k] = append([]*Subscription(nil), v...)
    }
    return out
}

func (ss *subscriberSet) match(ev events.Event, topic string) []*Subscription {
    t := reflect.TypeOf(ev)
    out := make([]*Subscription, 0, 4)
    for _, s := range ss.typed {
        if s.matchesType(t) { out = append(out, s) }
    }
    out = append(out, ss.byTopic[topic]...)
    for _, s := range ss.patterns {
        if s.matcher.Match(topic) { out = append(out, s) }
    }
    return out
}

func without(list []*Subscription, s *Subscription) ([]*Subscription, bool) {
    for i, v := range list {
        if v == s {
            return append(list[:i:i], list[i+1:]...), true
        }
    }
    return list, false
}
