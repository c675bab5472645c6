// Package memberlist implements membership and event broadcast on top of
// HashiCorp memberlist (SWIM gossip).
package memberlist

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net"
    "strconv"
    "sync"
    "sync/atomic"
    "time"

    "github.com/hashicorp/memberlist"
    "github.com/sirupsen/logrus"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    base "github.com/amirimatin/go-flowcluster/pkg/membership"
    obsmetrics "github.com/amirimatin/go-flowcluster/pkg/observability/metrics"
)

var ErrNotStarted = errors.New("memberlist: not started")

// MessageHandler consumes one inbound user message.
type MessageHandler func(ctx context.Context, payload []byte) error

// Options configures the memberlist-based membership implementation.
type Options struct {
    NodeID string
    // Bind is host:port; port 0 picks a free one.
    Bind string
    // Advertise is the host:port peers use; derived from Bind when empty.
    Advertise string
    Meta      map[string]string
    Logger    logrus.FieldLogger

    // Tuning parameters. Zero means memberlist's LAN defaults.
    ProbeInterval  time.Duration
    ProbeTimeout   time.Duration
    SuspicionMult  int
    RetransmitMult int

    // MaxQueuedSize is the largest payload sent through the gossip queue;
    // bigger ones go to each peer over a reliable stream. Defaults to 1200.
    MaxQueuedSize int
    // InboxSize bounds inbound messages awaiting the handler. Defaults to 256.
    InboxSize int
}

// Gossip is a memberlist-backed Membership that can also broadcast event
// payloads to every member.
type Gossip struct {
    opts Options
    log  logrus.FieldLogger

    mu      sync.Mutex
    started bool
    closed  bool
    ml      atomic.Pointer[memberlist.Memberlist]
    queue   *memberlist.TransmitLimitedQueue

    evMu     sync.Mutex
    evts     chan base.Event
    evClosed bool

    handler MessageHandler
    inbox   chan []byte
    done    chan struct{}
}

func New(opts Options) (*Gossip, error) {
    if opts.NodeID == "" { return nil, errors.New("memberlist: empty NodeID") }
    if opts.Bind == "" { return nil, errors.New("memberlist: empty Bind address") }
    if opts.MaxQueuedSize <= 0 { opts.MaxQueuedSize = 1200 }
    if opts.InboxSize <= 0 { opts.InboxSize = 256 }
    g := &Gossip{
        opts:  opts,
        log:   logutil.Component(opts.Logger, "gossip").WithField("node", opts.NodeID),
        evts:  make(chan base.Event, 64),
        inbox: make(chan []byte, opts.InboxSize),
        done:  make(chan struct{}),
    }
    g.queue = &memberlist.TransmitLimitedQueue{NumNodes: g.numNodes, RetransmitMult: 4}
    return g, nil
}

func (g *Gossip) numNodes() int {
    if ml := g.ml.Load(); ml != nil { return ml.NumMembers() }
    return 1
}

// OnMessage sets the consumer of broadcast payloads. Call before Start.
func (g *Gossip) OnMessage(h MessageHandler) { g.handler = h }

func splitHostPort(addr string) (string, int, error) {
    host, ps, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, fmt.Errorf("memberlist: invalid address %q: %w", addr, err) }
    port, err := strconv.Atoi(ps)
    if err != nil || port < 0 || port > 65535 { return "", 0, fmt.Errorf("memberlist: invalid port %q", ps) }
    return host, port, nil
}

// Start creates the memberlist instance and the inbound dispatch loop.
func (g *Gossip) Start(ctx context.Context) error {
    g.mu.Lock(); defer g.mu.Unlock()
    if g.started { return nil }
    if g.closed { return errors.New("memberlist: stopped") }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = g.opts.NodeID
    host, port, err := splitHostPort(g.opts.Bind)
    if err != nil { return err }
    cfg.BindAddr, cfg.BindPort = host, port
    if g.opts.Advertise != "" {
        ah, ap, err := splitHostPort(g.opts.Advertise)
        if err != nil { return err }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ah, ap
    }
    if g.opts.ProbeInterval > 0 { cfg.ProbeInterval = g.opts.ProbeInterval }
    if g.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = g.opts.ProbeTimeout }
    if g.opts.SuspicionMult > 0 { cfg.SuspicionMult = g.opts.SuspicionMult }
    if g.opts.RetransmitMult > 0 { cfg.RetransmitMult = g.opts.RetransmitMult }
    g.queue.RetransmitMult = cfg.RetransmitMult
    cfg.LogOutput = logutil.Writer(g.log)

    meta, err := json.Marshal(g.opts.Meta)
    if err != nil { return fmt.Errorf("memberlist: meta: %w", err) }
    if len(meta) > memberlist.MetaMaxSize { return fmt.Errorf("memberlist: meta exceeds %d bytes", memberlist.MetaMaxSize) }

    cfg.Events = &eventDelegate{g: g}
    cfg.Delegate = &delegate{g: g, meta: meta}

    ml, err := memberlist.Create(cfg)
    if err != nil { return err }
    g.ml.Store(ml)
    g.started = true
    obsmetrics.GossipMembers.Set(float64(ml.NumMembers()))

    go g.dispatch(ctx)
    go func() {
        select {
        case <-ctx.Done():
            _ = g.Stop()
        case <-g.done:
        }
    }()
    return nil
}

func (g *Gossip) list() *memberlist.Memberlist { return g.ml.Load() }

// dispatch hands inbound payloads to the handler one at a time so the
// gossip goroutines never block on event processing.
func (g *Gossip) dispatch(ctx context.Context) {
    for {
        select {
        case <-g.done:
            return
        case p := <-g.inbox:
            if g.handler == nil { continue }
            if err := g.handler(ctx, p); err != nil {
                g.log.WithError(err).Debug("inbound message rejected")
            }
        }
    }
}

func (g *Gossip) Join(seeds []string) (int, error) {
    ml := g.list()
    if ml == nil { return 0, ErrNotStarted }
    if len(seeds) == 0 { return 0, nil }
    return ml.Join(seeds)
}

func toInfo(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

func (g *Gossip) Local() base.MemberInfo {
    ml := g.list()
    if ml == nil { return base.MemberInfo{ID: g.opts.NodeID, Meta: g.opts.Meta} }
    return toInfo(ml.LocalNode())
}

func (g *Gossip) Members() []base.MemberInfo {
    ml := g.list()
    if ml == nil { return nil }
    nodes := ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    for _, n := range nodes { out = append(out, toInfo(n)) }
    return out
}

func (g *Gossip) Events() <-chan base.Event { return g.evts }

// Broadcast queues payload for gossip, or streams it to every peer when it
// does not fit a gossip packet.
func (g *Gossip) Broadcast(ctx context.Context, payload []byte) error {
    ml := g.list()
    if ml == nil { return ErrNotStarted }
    if len(payload) <= g.opts.MaxQueuedSize {
        g.queue.QueueBroadcast(&broadcast{msg: append([]byte(nil), payload...)})
        return nil
    }
    var errs []error
    for _, n := range ml.Members() {
        if n.Name == g.opts.NodeID { continue }
        if ctx.Err() != nil { return ctx.Err() }
        if err := ml.SendReliable(n, payload); err != nil {
            errs = append(errs, fmt.Errorf("%s: %w", n.Name, err))
        }
    }
    return errors.Join(errs...)
}

// Pending reports queued broadcasts not yet fully retransmitted.
func (g *Gossip) Pending() int { return g.queue.NumQueued() }

func (g *Gossip) Leave(timeout time.Duration) error {
    ml := g.list()
    if ml == nil { return nil }
    return ml.Leave(timeout)
}

func (g *Gossip) Stop() error {
    g.mu.Lock()
    if g.closed { g.mu.Unlock(); return nil }
    g.closed = true
    ml := g.ml.Swap(nil)
    g.mu.Unlock()

    var err error
    if ml != nil { err = ml.Shutdown() }
    close(g.done)
    g.evMu.Lock()
    g.evClosed = true
    close(g.evts)
    g.evMu.Unlock()
    return err
}

// HealthScore exposes memberlist's awareness score.
func (g *Gossip) HealthScore() int {
    ml := g.list()
    if ml == nil { return -1 }
    return ml.GetHealthScore()
}

func (g *Gossip) emit(t base.EventType, n *memberlist.Node) {
    if n == nil { return }
    if ml := g.list(); ml != nil { obsmetrics.GossipMembers.Set(float64(ml.NumMembers())) }
    g.evMu.Lock(); defer g.evMu.Unlock()
    if g.evClosed { return }
    select {
    case g.evts <- base.Event{Type: t, Member: toInfo(n), At: time.Now()}:
    default:
        g.log.WithField("type", t).Warn("dropping membership event: channel full")
    }
}

func (g *Gossip) receive(msg []byte) {
    // memberlist reuses the buffer after NotifyMsg returns
    p := append([]byte(nil), msg...)
    select {
    case g.inbox <- p:
    default:
        obsmetrics.GossipDropped.Inc()
    }
}

type eventDelegate struct{ g *Gossip }

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.g.emit(base.EventJoin, n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { d.g.emit(base.EventLeave, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.g.emit(base.EventUpdate, n) }

// delegate gossips node metadata and carries user broadcasts.
type delegate struct {
    g    *Gossip
    meta []byte
}

func (d *delegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    return nil
}

func (d *delegate) NotifyMsg(b []byte) { if len(b) > 0 { d.g.receive(b) } }

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
    return d.g.queue.GetBroadcasts(overhead, limit)
}

func (d *delegate) LocalState(bool) []byte        { return nil }
func (d *delegate) MergeRemoteState([]byte, bool) {}

type broadcast struct{ msg []byte }

func (b *broadcast) Invalidates(memberlist.Broadcast) bool { return false }
func (b *broadcast) Message() []byte                       { return b.msg }
func (b *broadcast) Finished()                             {}

var _ base.Membership = (*Gossip)(nil)
var _ base.HealthReporter = (*Gossip)(nil)
