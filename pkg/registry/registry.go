// Package registry keeps this node's view of cluster membership: who is
// registered, when each node last heartbeated, and the health state machine
//
//	Starting -> Active <-> Unhealthy -> Offline
//	Active -> Draining
//
// driven by heartbeats, explicit calls and a periodic sweep. The view is a
// local cache; remote changes arrive through Apply.
package registry

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
    "github.com/sirupsen/logrus"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/events"
    "github.com/amirimatin/go-flowcluster/pkg/node"
    obsmetrics "github.com/amirimatin/go-flowcluster/pkg/observability/metrics"
)

var (
    ErrUnknownNode         = errors.New("registry: unknown node")
    ErrNodeOffline         = errors.New("registry: node is offline")
    ErrInvalidRegistration = errors.New("registry: invalid registration")
    ErrAlreadyRegistered   = errors.New("registry: node already registered")
)

// Options configure a Registry. Zero durations take the defaults below.
type Options struct {
    NodeTimeout    time.Duration // 30s
    OfflineTimeout time.Duration // 2 x NodeTimeout
    SweepInterval  time.Duration // 5s
    // RequireHighAvailability reports a lone Active node as Unhealthy.
    RequireHighAvailability bool

    Now     func() time.Time
    Logger  logrus.FieldLogger
    Emitter events.Emitter
}

func (o *Options) setDefaults() {
    if o.NodeTimeout <= 0 { o.NodeTimeout = 30 * time.Second }
    if o.OfflineTimeout <= 0 { o.OfflineTimeout = 2 * o.NodeTimeout }
    if o.SweepInterval <= 0 { o.SweepInterval = 5 * time.Second }
    if o.Now == nil { o.Now = time.Now }
    if o.Emitter == nil { o.Emitter = events.Discard }
}

// Registry is safe for concurrent use. Every per-node mutation happens under
// one mutex so a sweep never observes a half-applied heartbeat.
type Registry struct {
    opts Options
    log  logrus.FieldLogger

    mu       sync.RWMutex
    nodes    map[string]*node.ClusterNode
    leaderID string
}

func New(opts Options) *Registry {
    opts.setDefaults()
    return &Registry{
        opts:  opts,
        log:   logutil.Component(opts.Logger, "registry"),
        nodes: make(map[string]*node.ClusterNode),
    }
}

// Register adds a node. An empty request ID gets a fresh one. A live node's
// id cannot be taken over; only an Offline entry is replaced.
func (r *Registry) Register(ctx context.Context, req node.RegistrationRequest) (node.ClusterNode, error) {
    if err := req.Validate(); err != nil {
        return node.ClusterNode{}, fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
    }
    id := req.ID
    if id == "" { id = uuid.NewString() }
    now := r.opts.Now()
    n := node.ClusterNode{
        ID:            id,
        Name:          req.Name,
        HostName:      req.HostName,
        IPAddress:     req.IPAddress,
        Port:          req.Port,
        Status:        node.StatusStarting,
        Role:          node.RoleWorker,
        Capabilities:  req.Capabilities,
        RegisteredAt:  now,
        LastHeartbeat: now,
        Version:       req.Version,
        Tags:          req.Tags,
    }
    n = n.Clone()

    r.mu.Lock()
    if cur, ok := r.nodes[id]; ok && cur.Status != node.StatusOffline {
        r.mu.Unlock()
        return node.ClusterNode{}, fmt.Errorf("%w: %s is %s", ErrAlreadyRegistered, id, cur.Status)
    }
    r.nodes[id] = &n
    if r.leaderID == id { r.leaderID = "" }
    r.observeLocked()
    out := n.Clone()
    r.mu.Unlock()

    r.log.WithFields(logrus.Fields{"node": id, "host": req.HostName}).Info("node registered")
    r.opts.Emitter.Emit(ctx, &events.NodeJoined{Node: out.Clone()})
    return out, nil
}

// Heartbeat refreshes a node's liveness. Starting and Unhealthy nodes become
// Active and a NodeStatusChanged is emitted.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
    return r.heartbeat(ctx, id, nil)
}

// HeartbeatWithMetrics is Heartbeat plus a load report.
func (r *Registry) HeartbeatWithMetrics(ctx context.Context, id string, m node.Metrics) error {
    return r.heartbeat(ctx, id, &m)
}

func (r *Registry) heartbeat(ctx context.Context, id string, m *node.Metrics) error {
    r.mu.Lock()
    n, ok := r.nodes[id]
    if !ok {
        r.mu.Unlock()
        return fmt.Errorf("%w: %s", ErrUnknownNode, id)
    }
    if n.Status == node.StatusOffline {
        r.mu.Unlock()
        return fmt.Errorf("%w: %s", ErrNodeOffline, id)
    }
    n.LastHeartbeat = r.opts.Now()
    if m != nil { n.Metrics = *m }
    var ev events.ClusterEvent
    if n.Status == node.StatusUnhealthy || n.Status == node.StatusStarting {
        ev = r.transitionLocked(n, node.StatusActive)
    }
    r.observeLocked()
    r.mu.Unlock()

    if ev != nil { r.opts.Emitter.Emit(ctx, ev) }
    return nil
}

// UpdateMetrics records a load report without touching liveness.
func (r *Registry) UpdateMetrics(id string, m node.Metrics) error {
    r.mu.Lock(); defer r.mu.Unlock()
    n, ok := r.nodes[id]
    if !ok { return fmt.Errorf("%w: %s", ErrUnknownNode, id) }
    n.Metrics = m
    r.observeLocked()
    return nil
}

// Deregister marks a node Offline. Deregistering an Offline node is a no-op.
func (r *Registry) Deregister(ctx context.Context, id string) error {
    r.mu.Lock()
    n, ok := r.nodes[id]
    if !ok {
        r.mu.Unlock()
        return fmt.Errorf("%w: %s", ErrUnknownNode, id)
    }
    if n.Status == node.StatusOffline {
        r.mu.Unlock()
        return nil
    }
    r.transitionLocked(n, node.StatusOffline)
    r.observeLocked()
    r.mu.Unlock()

    r.log.WithField("node", id).Info("node deregistered")
    r.opts.Emitter.Emit(ctx, &events.NodeLeft{NodeID: id, Reason: "deregistered"})
    return nil
}

// Drain stops new work from being routed to an Active node.
func (r *Registry) Drain(ctx context.Context, id string) error {
    r.mu.Lock()
    n, ok := r.nodes[id]
    if !ok {
        r.mu.Unlock()
        return fmt.Errorf("%w: %s", ErrUnknownNode, id)
    }
    if n.Status != node.StatusActive {
        r.mu.Unlock()
        return fmt.Errorf("registry: cannot drain node %s in status %s", id, n.Status)
    }
    ev := r.transitionLocked(n, node.StatusDraining)
    r.observeLocked()
    r.mu.Unlock()

    r.opts.Emitter.Emit(ctx, ev)
    return nil
}

// SetRole records a node's role. Promoting a node to Leader demotes any
// other Leader to Worker.
func (r *Registry) SetRole(id string, role node.Role) error {
    r.mu.Lock(); defer r.mu.Unlock()
    n, ok := r.nodes[id]
    if !ok { return fmt.Errorf("%w: %s", ErrUnknownNode, id) }
    r.setRoleLocked(n, role)
    return nil
}

func (r *Registry) setRoleLocked(n *node.ClusterNode, role node.Role) {
    if role == node.RoleLeader {
        for _, other := range r.nodes {
            if other.ID != n.ID && other.Role == node.RoleLeader { other.Role = node.RoleWorker }
        }
        r.leaderID = n.ID
    } else if r.leaderID == n.ID {
        r.leaderID = ""
    }
    n.Role = role
}

// LeaderID is the leader this registry last learned about, or "".
func (r *Registry) LeaderID() string {
    r.mu.RLock(); defer r.mu.RUnlock()
    return r.leaderID
}

// Sweep applies timeout transitions at the current time. It returns the
// number of nodes that changed status.
func (r *Registry) Sweep(ctx context.Context) int {
    now := r.opts.Now()
    var out []events.ClusterEvent

    r.mu.Lock()
    for _, n := range r.nodes {
        gap := now.Sub(n.LastHeartbeat)
        switch n.Status {
        case node.StatusStarting, node.StatusActive, node.StatusDraining:
            if gap > r.opts.NodeTimeout {
                out = append(out, r.transitionLocked(n, node.StatusUnhealthy))
            }
        case node.StatusUnhealthy:
            if gap > r.opts.OfflineTimeout {
                r.transitionLocked(n, node.StatusOffline)
                out = append(out, &events.NodeLeft{NodeID: n.ID, Reason: "heartbeat timeout"})
            }
        }
    }
    r.observeLocked()
    r.mu.Unlock()

    for _, ev := range out {
        if nl, ok := ev.(*events.NodeLeft); ok {
            logutil.Warnf(r.log, "node %s offline after %s without heartbeat", nl.NodeID, r.opts.OfflineTimeout)
        }
        r.opts.Emitter.Emit(ctx, ev)
    }
    return len(out)
}

// Run sweeps every SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
    t := time.NewTicker(r.opts.SweepInterval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return nil
        case <-t.C:
            r.Sweep(ctx)
        }
    }
}

// transitionLocked sets the status and returns the matching NodeStatusChanged.
func (r *Registry) transitionLocked(n *node.ClusterNode, to node.Status) events.ClusterEvent {
    prev := n.Status
    n.Status = to
    obsmetrics.NodeTransitions.WithLabelValues(string(to)).Inc()
    if to == node.StatusOffline && r.leaderID == n.ID {
        r.leaderID = ""
        n.Role = node.RoleWorker
    }
    r.log.WithFields(logrus.Fields{"node": n.ID, "from": prev, "to": to}).Debug("node status changed")
    return &events.NodeStatusChanged{NodeID: n.ID, Previous: prev, Current: to}
}

func (r *Registry) observeLocked() {
    counts := map[node.Status]int{}
    nodes := make([]node.ClusterNode, 0, len(r.nodes))
    for _, n := range r.nodes {
        counts[n.Status]++
        nodes = append(nodes, *n)
    }
    for _, s := range []node.Status{node.StatusStarting, node.StatusActive, node.StatusDraining, node.StatusUnhealthy, node.StatusOffline} {
        obsmetrics.NodesByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
    }
    obsmetrics.ClusterLoadPercent.Set(node.Summarize(nodes, r.leaderID, false).LoadPercent)
}

// Get returns a copy of one node.
func (r *Registry) Get(id string) (node.ClusterNode, bool) {
    r.mu.RLock(); defer r.mu.RUnlock()
    n, ok := r.nodes[id]
    if !ok { return node.ClusterNode{}, false }
    return n.Clone(), true
}

// List returns copies of every known node, Offline included, ordered by id.
func (r *Registry) List() []node.ClusterNode {
    r.mu.RLock(); defer r.mu.RUnlock()
    out := make([]node.ClusterNode, 0, len(r.nodes))
    for _, n := range r.nodes { out = append(out, n.Clone()) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

// ActiveNodes returns the Active nodes ordered by id.
func (r *Registry) ActiveNodes() []node.ClusterNode {
    all := r.List()
    out := all[:0]
    for _, n := range all {
        if n.Status == node.StatusActive { out = append(out, n) }
    }
    return out
}

// ClusterState summarises the registry.
func (r *Registry) ClusterState() node.ClusterState {
    r.mu.RLock()
    nodes := make([]node.ClusterNode, 0, len(r.nodes))
    for _, n := range r.nodes { nodes = append(nodes, *n) }
    leader := r.leaderID
    r.mu.RUnlock()
    return node.Summarize(nodes, leader, r.opts.RequireHighAvailability)
}
