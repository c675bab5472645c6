// Package cluster assembles the coordination core into a running node: the
// registry, lock manager, leader election, job routing, the event bus and
// cluster event propagation, together with the optional gossip membership,
// management RPC and replicated lock store around them.
package cluster

import (
    "context"
    "errors"
    "fmt"
    "os"
    "sync"
    "sync/atomic"
    "time"

    "github.com/google/uuid"
    "github.com/sirupsen/logrus"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/bus"
    "github.com/amirimatin/go-flowcluster/pkg/election"
    "github.com/amirimatin/go-flowcluster/pkg/events"
    "github.com/amirimatin/go-flowcluster/pkg/lock"
    "github.com/amirimatin/go-flowcluster/pkg/membership"
    "github.com/amirimatin/go-flowcluster/pkg/node"
    obsmetrics "github.com/amirimatin/go-flowcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-flowcluster/pkg/observability/tracing"
    "github.com/amirimatin/go-flowcluster/pkg/propagation"
    "github.com/amirimatin/go-flowcluster/pkg/registry"
    "github.com/amirimatin/go-flowcluster/pkg/routing"
)

// Facade is the node lifecycle as seen by embedding applications.
type Facade interface {
    Start(ctx context.Context) error
    Status(ctx context.Context) (*ClusterStatus, error)
    Stop(ctx context.Context) error
}

// Cluster is one coordination node.
type Cluster struct {
    opts Options
    id   string
    log  logrus.FieldLogger

    bus   *bus.Bus
    prop  *propagation.Propagator
    reg   *registry.Registry
    locks *lock.Manager
    elect *election.Elector
    route *routing.Router

    load atomic.Pointer[node.Metrics]

    mu  sync.Mutex
    run struct {
        started bool
        closed  bool
    }
    sub    *bus.Subscription
    cancel context.CancelFunc
    wg     sync.WaitGroup

    fmu   sync.Mutex
    fault error
}

// New wires the components without any network activity; call Start to
// launch the node.
func New(opts Options) (*Cluster, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Node.ID == "" { opts.Node.ID = uuid.NewString() }
    id := opts.Node.ID
    co := opts.Coordination
    c := &Cluster{opts: opts, id: id, log: logutil.Component(opts.Logger, "cluster").WithField("node", id)}

    c.bus = bus.New(bus.Options{Logger: opts.Logger, Directory: opts.Directory})
    prop, err := propagation.New(id, c.bus, opts.Broadcaster, propagation.Options{DedupSize: opts.DedupSize, Logger: opts.Logger})
    if err != nil { return nil, err }
    c.prop = prop

    c.reg = registry.New(registry.Options{
        NodeTimeout:             co.NodeTimeout,
        OfflineTimeout:          co.OfflineTimeout,
        SweepInterval:           co.SweepInterval,
        RequireHighAvailability: co.RequireHighAvailability,
        Logger:                  opts.Logger,
        Emitter:                 prop,
    })

    retries := co.MaxLockRetries
    if retries == 0 { retries = lock.NoRetry }
    c.locks, err = lock.NewManager(opts.Store, lock.Options{
        NodeID:        id,
        MaxRetries:    retries,
        RetryDelay:    co.LockRetryDelay,
        MaxRetryDelay: co.MaxLockRetryDelay,
        Logger:        opts.Logger,
    })
    if err != nil { return nil, err }

    c.elect, err = election.New(c.locks, c.reg, election.Options{
        NodeID:              id,
        LeaseDuration:       co.LeaderElectionTimeout,
        AutoRecovery:        co.EnableAutoRecovery,
        MaxRecoveryAttempts: co.MaxRecoveryAttempts,
        Logger:              opts.Logger,
        Emitter:             prop,
    })
    if err != nil { return nil, err }

    c.route, err = routing.New(c.reg, routing.Options{Logger: opts.Logger, Emitter: prop})
    if err != nil { return nil, err }
    return c, nil
}

func (c *Cluster) NodeID() string                      { return c.id }
func (c *Cluster) Registry() *registry.Registry        { return c.reg }
func (c *Cluster) Locks() *lock.Manager                { return c.locks }
func (c *Cluster) Elector() *election.Elector          { return c.elect }
func (c *Cluster) Router() *routing.Router             { return c.route }
func (c *Cluster) Bus() *bus.Bus                       { return c.bus }
func (c *Cluster) Propagator() *propagation.Propagator { return c.prop }

// Membership is the gossip layer, nil when the node runs without one.
func (c *Cluster) Membership() membership.Membership { return c.opts.Membership }

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error { return c.Stop(context.Background()) }

// Start launches the lock store, the management endpoint and membership,
// registers this node and starts the heartbeat, sweep and campaign loops.
// ctx bounds the lifetime of the node.
func (c *Cluster) Start(ctx context.Context) (err error) {
    c.mu.Lock(); defer c.mu.Unlock()
    if c.run.closed { return errors.New("cluster: already stopped") }
    if c.run.started { return nil }
    obsmetrics.Register()

    ctx, end := tracing.StartSpan(ctx, "cluster.start", "node", c.id)
    defer end()

    // undo tears down, in reverse, whatever started before a failure
    var undo []func()
    defer func() {
        if err == nil { return }
        for i := len(undo) - 1; i >= 0; i-- { undo[i]() }
    }()

    sub, err := c.bus.SubscribePattern("cluster.**", c.applyRemote)
    if err != nil { return err }
    c.sub = sub
    undo = append(undo, func() { sub.Unsubscribe(); c.sub = nil })

    if ln := c.opts.LockNode; ln != nil {
        if err := ln.Start(ctx); err != nil { return fmt.Errorf("cluster: lock store: %w", err) }
        undo = append(undo, func() { _ = ln.Stop() })
    }
    if s := c.opts.RPCServer; s != nil {
        if err := s.Start(ctx, c.handlers()); err != nil { return fmt.Errorf("cluster: rpc: %w", err) }
        undo = append(undo, func() { _ = s.Stop(context.Background()) })
        logutil.Infof(c.log, "management endpoint listening at %s (status/state/route/metrics/healthz)", s.Addr())
    }
    if m := c.opts.Membership; m != nil {
        if err := m.Start(ctx); err != nil { return fmt.Errorf("cluster: membership: %w", err) }
        undo = append(undo, func() { _ = m.Stop() })
        c.joinSeeds(ctx)
    }

    if _, err := c.reg.Register(ctx, c.registration()); err != nil { return err }
    c.heartbeat(ctx)

    runCtx, cancel := context.WithCancel(ctx)
    c.cancel = cancel
    c.run.started = true
    c.spawn(func() { _ = c.reg.Run(runCtx) })
    c.spawn(func() { c.heartbeatLoop(runCtx) })
    c.spawn(func() { c.campaign(runCtx) })
    c.spawn(func() { c.watchLeader(runCtx) })
    if c.opts.Membership != nil { c.spawn(func() { c.membershipEventsLoop(runCtx) }) }
    if c.opts.LockNode != nil { c.spawn(func() { c.joinLockStore(runCtx) }) }
    logutil.Infof(c.log, "node started")
    return nil
}

func (c *Cluster) spawn(fn func()) {
    c.wg.Add(1)
    go func() { defer c.wg.Done(); fn() }()
}

// Stop resigns leadership, announces the departure and shuts the node down.
// It is safe to call more than once.
func (c *Cluster) Stop(ctx context.Context) error {
    c.mu.Lock()
    if c.run.closed || !c.run.started {
        c.run.closed = true
        c.mu.Unlock()
        return nil
    }
    c.run.closed = true
    cancel := c.cancel
    c.mu.Unlock()

    cancel()
    c.wg.Wait()

    var errs []error
    if err := c.elect.Resign(ctx); err != nil { errs = append(errs, fmt.Errorf("resign: %w", err)) }
    if err := c.reg.Deregister(ctx, c.id); err != nil { errs = append(errs, fmt.Errorf("deregister: %w", err)) }
    c.sub.Unsubscribe()

    if m := c.opts.Membership; m != nil {
        if err := m.Leave(2 * time.Second); err != nil { c.log.WithError(err).Debug("gossip leave") }
        if err := m.Stop(); err != nil { errs = append(errs, fmt.Errorf("membership: %w", err)) }
    }
    if s := c.opts.RPCServer; s != nil {
        if err := s.Stop(ctx); err != nil { errs = append(errs, fmt.Errorf("rpc: %w", err)) }
    }
    if ln := c.opts.LockNode; ln != nil {
        if err := ln.Stop(); err != nil { errs = append(errs, fmt.Errorf("lock store: %w", err)) }
    }
    if cl, ok := c.opts.RPCClient.(interface{ Close() }); ok { cl.Close() }
    for _, cl := range c.opts.Closers {
        if err := cl.Close(); err != nil { errs = append(errs, err) }
    }

    if len(errs) > 0 { return fmt.Errorf("cluster: stop: %w", errors.Join(errs...)) }
    logutil.Infof(c.log, "node stopped")
    return nil
}

// Status reports this node's view of the cluster.
func (c *Cluster) Status(ctx context.Context) (*ClusterStatus, error) {
    c.mu.Lock()
    started := c.run.started && !c.run.closed
    c.mu.Unlock()
    if !started { return nil, ErrNotStarted }

    st := &ClusterStatus{NodeID: c.id, IsLeader: c.elect.IsLeader(), State: c.reg.ClusterState()}
    leader, err := c.elect.GetLeader(ctx)
    switch {
    case err == nil:
        st.LeaderID = leader
    case errors.Is(err, election.ErrStaleLeadership):
        st.LeaderID = leader
        st.Warnings = append(st.Warnings, err.Error())
    default:
        st.Warnings = append(st.Warnings, err.Error())
    }
    if ln := c.opts.LockNode; ln != nil {
        if id, _, ok := ln.Leader(); ok {
            st.LockLeaderID = id
        } else {
            st.Warnings = append(st.Warnings, "lock store has no leader")
        }
    }
    if m := c.opts.Membership; m != nil {
        st.Members = m.Members()
        if hr, ok := m.(membership.HealthReporter); ok { st.GossipHealth = hr.HealthScore() }
    }
    if f := c.campaignFault(); f != nil { st.Warnings = append(st.Warnings, f.Error()) }
    self, ok := c.reg.Get(c.id)
    st.Healthy = err == nil && ok && self.Status == node.StatusActive
    return st, nil
}

// SetLoad records the load reported with the next heartbeats. An Options.Load
// callback takes precedence.
func (c *Cluster) SetLoad(m node.Metrics) { c.load.Store(&m) }

func (c *Cluster) currentLoad() node.Metrics {
    if c.opts.Load != nil { return c.opts.Load() }
    if m := c.load.Load(); m != nil { return *m }
    return node.Metrics{}
}

// RouteJob places a job using this node's registry view.
func (c *Cluster) RouteJob(ctx context.Context, req routing.JobRoutingRequest) (routing.Decision, error) {
    return c.route.RouteJob(ctx, req)
}

// PublishEvent publishes a cluster event locally and on every other node.
func (c *Cluster) PublishEvent(ctx context.Context, ev events.ClusterEvent) error {
    return c.prop.PublishEvent(ctx, ev)
}

// Deliver accepts an event payload received from another node.
func (c *Cluster) Deliver(ctx context.Context, payload []byte) error {
    return c.prop.Deliver(ctx, payload)
}

// Drain stops new work from being routed to this node.
func (c *Cluster) Drain(ctx context.Context) error { return c.reg.Drain(ctx, c.id) }

func (c *Cluster) registration() node.RegistrationRequest {
    n := c.opts.Node
    host := n.Host
    if host == "" { host, _ = os.Hostname() }
    if host == "" { host = "localhost" }
    return node.RegistrationRequest{
        ID:       c.id,
        Name:     n.Name,
        HostName: host,
        Port:     n.Port,
        Capabilities: node.Capabilities{
            MaxConcurrentJobs:   n.MaxConcurrentJobs,
            MaxConcurrentTimers: n.MaxConcurrentTimers,
            SupportedJobTypes:   n.JobTypes,
        },
        Version: n.Version,
        Tags:    n.Tags,
    }
}

// heartbeat refreshes this node in the local registry and announces it.
// A node the sweep already took Offline registers again.
func (c *Cluster) heartbeat(ctx context.Context) {
    m := c.currentLoad()
    err := c.reg.HeartbeatWithMetrics(ctx, c.id, m)
    if errors.Is(err, registry.ErrNodeOffline) || errors.Is(err, registry.ErrUnknownNode) {
        logutil.Warnf(c.log, "local node missing or offline in registry, registering again")
        if _, err = c.reg.Register(ctx, c.registration()); err == nil {
            err = c.reg.HeartbeatWithMetrics(ctx, c.id, m)
        }
        if err == nil && c.elect.IsLeader() { _ = c.reg.SetRole(c.id, node.RoleLeader) }
    }
    if err != nil {
        c.log.WithError(err).Warn("heartbeat failed")
        return
    }
    self, ok := c.reg.Get(c.id)
    if !ok { return }
    hb := &events.NodeHeartbeat{NodeID: c.id, Status: self.Status, Metrics: m, Node: &self}
    if err := c.prop.PublishEvent(ctx, hb); err != nil { c.log.WithError(err).Debug("heartbeat broadcast") }
}

func (c *Cluster) heartbeatLoop(ctx context.Context) {
    t := time.NewTicker(c.opts.Coordination.HeartbeatInterval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            c.heartbeat(ctx)
        }
    }
}

// applyRemote folds events from other nodes into the registry. Events about
// this node are ignored; its own status is decided locally.
func (c *Cluster) applyRemote(_ context.Context, ev events.Event) error {
    ce, ok := ev.(events.ClusterEvent)
    if !ok || ce.Cluster().SourceNodeID == c.id || subject(ev) == c.id { return nil }
    c.reg.Apply(ev)
    return nil
}

func subject(ev events.Event) string {
    switch e := ev.(type) {
    case *events.NodeJoined:
        return e.Node.ID
    case *events.NodeLeft:
        return e.NodeID
    case *events.NodeStatusChanged:
        return e.NodeID
    case *events.NodeHeartbeat:
        return e.NodeID
    }
    return ""
}

// campaign runs leader election once the lock store can take writes.
func (c *Cluster) campaign(ctx context.Context) {
    if !c.awaitLockStore(ctx) { return }
    if err := c.elect.Run(ctx); err != nil {
        c.fmu.Lock(); c.fault = err; c.fmu.Unlock()
        logutil.Errorf(c.log, "leader election stopped: %v", err)
    }
}

func (c *Cluster) campaignFault() error {
    c.fmu.Lock(); defer c.fmu.Unlock()
    return c.fault
}

func (c *Cluster) awaitLockStore(ctx context.Context) bool {
    ln := c.opts.LockNode
    if ln == nil { return true }
    t := time.NewTicker(200 * time.Millisecond)
    defer t.Stop()
    for {
        if _, _, ok := ln.Leader(); ok { return true }
        select {
        case <-ctx.Done():
            return false
        case <-t.C:
        }
    }
}

func (c *Cluster) watchLeader(ctx context.Context) {
    for {
        select {
        case <-ctx.Done():
            return
        case v := <-c.elect.LeaderCh():
            if v {
                logutil.Infof(c.log, "this node is now cluster leader")
            } else {
                logutil.Infof(c.log, "this node is no longer cluster leader")
            }
            if c.opts.OnLeaderChange != nil { c.opts.OnLeaderChange(v) }
        }
    }
}

func (c *Cluster) joinSeeds(ctx context.Context) {
    if c.opts.Discovery == nil { return }
    self := c.opts.Membership.Local().Addr
    seeds := c.opts.Discovery.Seeds(ctx)
    var others []string
    for _, s := range seeds {
        if s != self { others = append(others, s) }
    }
    if len(others) == 0 { return }
    logutil.Infof(c.log, "joining membership seeds: %v", others)
    if n, err := c.opts.Membership.Join(others); err != nil {
        logutil.Warnf(c.log, "joined %d of %d seeds: %v", n, len(others), err)
    }
}

// membershipEventsLoop turns gossip departures into local NodeLeft updates
// and, on the lock store leader, voter removals.
func (c *Cluster) membershipEventsLoop(ctx context.Context) {
    evch := c.opts.Membership.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evch:
            if !ok { return }
            if e.Member.ID == c.id { continue }
            switch e.Type {
            case membership.EventJoin:
                logutil.Debugf(c.log, "member joined: %s (%s)", e.Member.ID, e.Member.Addr)
            case membership.EventLeave:
                logutil.Infof(c.log, "member left: %s", e.Member.ID)
                c.reg.Apply(&events.NodeLeft{NodeID: e.Member.ID, Reason: "left gossip"})
                c.removeVoter(e.Member.ID)
            }
        }
    }
}
