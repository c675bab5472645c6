package registry

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/events"
    "github.com/amirimatin/go-flowcluster/pkg/node"
)

type clock struct {
    mu  sync.Mutex
    now time.Time
}

func (c *clock) Now() time.Time { c.mu.Lock(); defer c.mu.Unlock(); return c.now }
func (c *clock) Advance(d time.Duration) { c.mu.Lock(); c.now = c.now.Add(d); c.mu.Unlock() }

type recorder struct {
    mu  sync.Mutex
    evs []events.ClusterEvent
}

func (r *recorder) Emit(_ context.Context, ev events.ClusterEvent) {
    r.mu.Lock(); defer r.mu.Unlock()
    r.evs = append(r.evs, ev)
}

func (r *recorder) take() []events.ClusterEvent {
    r.mu.Lock(); defer r.mu.Unlock()
    out := r.evs
    r.evs = nil
    return out
}

func newRegistry(t *testing.T) (*Registry, *clock, *recorder) {
    t.Helper()
    c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
    rec := &recorder{}
    r := New(Options{NodeTimeout: 30 * time.Second, Now: c.Now, Logger: logutil.Discard(), Emitter: rec})
    return r, c, rec
}

func reg(t *testing.T, r *Registry, id string, max int) node.ClusterNode {
    t.Helper()
    n, err := r.Register(context.Background(), node.RegistrationRequest{ID: id, HostName: id + ".local", Port: 7000, Capabilities: node.Capabilities{MaxConcurrentJobs: max}})
    require.NoError(t, err)
    return n
}

func TestRegister_AssignsIDAndStarting(t *testing.T) {
    r, c, rec := newRegistry(t)
    n, err := r.Register(context.Background(), node.RegistrationRequest{HostName: "h1", Port: 1})
    require.NoError(t, err)
    assert.NotEmpty(t, n.ID)
    assert.Equal(t, node.StatusStarting, n.Status)
    assert.Equal(t, c.Now(), n.RegisteredAt)
    assert.Equal(t, n.RegisteredAt, n.LastHeartbeat)

    evs := rec.take()
    require.Len(t, evs, 1)
    joined, ok := evs[0].(*events.NodeJoined)
    require.True(t, ok)
    assert.Equal(t, n.ID, joined.Node.ID)

    _, err = r.Register(context.Background(), node.RegistrationRequest{Port: 1})
    assert.ErrorIs(t, err, ErrInvalidRegistration)
}

func TestHeartbeat_Transitions(t *testing.T) {
    r, c, rec := newRegistry(t)
    ctx := context.Background()
    reg(t, r, "a", 10)
    rec.take()

    require.NoError(t, r.Heartbeat(ctx, "a"))
    evs := rec.take()
    require.Len(t, evs, 1)
    assert.Equal(t, &events.NodeStatusChanged{NodeID: "a", Previous: node.StatusStarting, Current: node.StatusActive}, evs[0])

    require.NoError(t, r.Heartbeat(ctx, "a"))
    assert.Empty(t, rec.take(), "active heartbeat emits nothing")

    c.Advance(31 * time.Second)
    assert.Equal(t, 1, r.Sweep(ctx))
    n, _ := r.Get("a")
    assert.Equal(t, node.StatusUnhealthy, n.Status)
    rec.take()

    require.NoError(t, r.Heartbeat(ctx, "a"))
    evs = rec.take()
    require.Len(t, evs, 1)
    assert.Equal(t, node.StatusActive, evs[0].(*events.NodeStatusChanged).Current)

    assert.ErrorIs(t, r.Heartbeat(ctx, "ghost"), ErrUnknownNode)
    require.NoError(t, r.Deregister(ctx, "a"))
    assert.ErrorIs(t, r.Heartbeat(ctx, "a"), ErrNodeOffline)
}

// Three nodes register; a and b heartbeat every 5s while c goes silent.
func TestSweep_SilentNodeTimeline(t *testing.T) {
    r, c, rec := newRegistry(t)
    ctx := context.Background()
    for _, id := range []string{"a", "b", "c"} {
        reg(t, r, id, 10)
        require.NoError(t, r.Heartbeat(ctx, id))
    }
    rec.take()

    var unhealthyAt, offlineAt time.Duration
    for elapsed := 5 * time.Second; elapsed <= 90*time.Second; elapsed += 5 * time.Second {
        c.Advance(5 * time.Second)
        require.NoError(t, r.Heartbeat(ctx, "a"))
        require.NoError(t, r.Heartbeat(ctx, "b"))
        r.Sweep(ctx)
        for _, ev := range rec.take() {
            switch e := ev.(type) {
            case *events.NodeStatusChanged:
                require.Equal(t, "c", e.NodeID)
                assert.Equal(t, node.StatusActive, e.Previous)
                assert.Equal(t, node.StatusUnhealthy, e.Current)
                unhealthyAt = elapsed
            case *events.NodeLeft:
                require.Equal(t, "c", e.NodeID)
                offlineAt = elapsed
            default:
                t.Fatalf("unexpected event %T", ev)
            }
        }
        if n, _ := r.Get("c"); n.Status == node.StatusActive {
            assert.LessOrEqual(t, elapsed, 30*time.Second)
        }
    }
    assert.Equal(t, 35*time.Second, unhealthyAt)
    assert.Equal(t, 65*time.Second, offlineAt)

    ids := []string{}
    for _, n := range r.ActiveNodes() { ids = append(ids, n.ID) }
    assert.Equal(t, []string{"a", "b"}, ids)
}

func TestSweep_NeverActiveToOffline(t *testing.T) {
    r, c, _ := newRegistry(t)
    ctx := context.Background()
    reg(t, r, "a", 1)
    require.NoError(t, r.Heartbeat(ctx, "a"))

    c.Advance(10 * time.Minute)
    r.Sweep(ctx)
    n, _ := r.Get("a")
    assert.Equal(t, node.StatusUnhealthy, n.Status)
    r.Sweep(ctx)
    n, _ = r.Get("a")
    assert.Equal(t, node.StatusOffline, n.Status)
}

func TestClusterState_Health(t *testing.T) {
    r, _, _ := newRegistry(t)
    ctx := context.Background()
    assert.Equal(t, node.HealthCritical, r.ClusterState().Health)

    reg(t, r, "a", 10)
    reg(t, r, "b", 10)
    require.NoError(t, r.HeartbeatWithMetrics(ctx, "a", node.Metrics{ActiveJobs: 9}))
    require.NoError(t, r.HeartbeatWithMetrics(ctx, "b", node.Metrics{ActiveJobs: 9}))

    st := r.ClusterState()
    assert.Equal(t, 2, st.ActiveNodeCount)
    assert.Equal(t, 20, st.TotalCapacity)
    assert.InDelta(t, 90.0, st.LoadPercent, 0.001)
    assert.Equal(t, node.HealthDegraded, st.Health)

    require.NoError(t, r.Drain(ctx, "b"))
    st = r.ClusterState()
    assert.Equal(t, 1, st.ActiveNodeCount)
    assert.Equal(t, node.HealthDegraded, st.Health)
}

func TestRegister_LiveIDCannotBeTakenOver(t *testing.T) {
    r, c, rec := newRegistry(t)
    ctx := context.Background()
    reg(t, r, "a", 1)
    require.NoError(t, r.Heartbeat(ctx, "a"))
    rec.take()

    c.Advance(time.Second)
    _, err := r.Register(ctx, node.RegistrationRequest{ID: "a", HostName: "impostor.local", Port: 1})
    assert.ErrorIs(t, err, ErrAlreadyRegistered)
    a, _ := r.Get("a")
    assert.Equal(t, node.StatusActive, a.Status)
    assert.Equal(t, "a.local", a.HostName)
    assert.Empty(t, rec.take())

    require.NoError(t, r.Deregister(ctx, "a"))
    n, err := r.Register(ctx, node.RegistrationRequest{ID: "a", HostName: "a2.local", Port: 1})
    require.NoError(t, err)
    assert.Equal(t, node.StatusStarting, n.Status)
    assert.Equal(t, "a2.local", n.HostName)
}

func TestApply_LateJoinDoesNotRewindLiveNode(t *testing.T) {
    r, _, _ := newRegistry(t)
    ctx := context.Background()
    reg(t, r, "a", 1)
    require.NoError(t, r.Heartbeat(ctx, "a"))

    stale := node.ClusterNode{ID: "a", HostName: "a.local", Status: node.StatusStarting}
    assert.False(t, r.Apply(&events.NodeJoined{Node: stale}))
    a, _ := r.Get("a")
    assert.Equal(t, node.StatusActive, a.Status)

    require.NoError(t, r.Deregister(ctx, "a"))
    assert.True(t, r.Apply(&events.NodeJoined{Node: stale}))
    a, _ = r.Get("a")
    assert.Equal(t, node.StatusStarting, a.Status)
}

func TestSetRoleAndApply(t *testing.T) {
    r, c, rec := newRegistry(t)
    reg(t, r, "a", 1)
    reg(t, r, "b", 1)
    rec.take()

    require.NoError(t, r.SetRole("a", node.RoleLeader))
    assert.Equal(t, "a", r.LeaderID())

    assert.True(t, r.Apply(&events.LeaderElected{LeaderID: "b", PreviousLeaderID: "a"}))
    assert.Equal(t, "b", r.LeaderID())
    a, _ := r.Get("a")
    assert.Equal(t, node.RoleWorker, a.Role)

    remote := node.ClusterNode{ID: "z", HostName: "z.local", Status: node.StatusActive, Capabilities: node.Capabilities{MaxConcurrentJobs: 4}}
    assert.False(t, r.Apply(&events.NodeHeartbeat{NodeID: "z", Status: node.StatusActive}))
    assert.True(t, r.Apply(&events.NodeHeartbeat{NodeID: "z", Status: node.StatusActive, Node: &remote, Metrics: node.Metrics{ActiveJobs: 2}}))
    z, ok := r.Get("z")
    require.True(t, ok)
    assert.Equal(t, 2, z.Metrics.ActiveJobs)
    assert.Equal(t, c.Now(), z.LastHeartbeat)

    leader := remote
    leader.Role = node.RoleLeader
    assert.True(t, r.Apply(&events.NodeHeartbeat{NodeID: "z", Status: node.StatusActive, Node: &leader}))
    assert.Equal(t, "z", r.LeaderID())

    assert.True(t, r.Apply(&events.NodeLeft{NodeID: "z"}))
    z, _ = r.Get("z")
    assert.Equal(t, node.StatusOffline, z.Status)
    assert.Empty(t, rec.take(), "applied remote events are not re-emitted")
}

func TestSnapshotRestore(t *testing.T) {
    r, _, _ := newRegistry(t)
    reg(t, r, "a", 3)
    require.NoError(t, r.SetRole("a", node.RoleLeader))
    buf, err := r.Snapshot()
    require.NoError(t, err)

    cp, _, _ := newRegistry(t)
    require.NoError(t, cp.Restore(buf))
    assert.Equal(t, "a", cp.LeaderID())
    assert.Equal(t, r.List(), cp.List())
}

func TestConcurrentHeartbeatAndSweep(t *testing.T) {
    r, c, _ := newRegistry(t)
    ctx := context.Background()
    for _, id := range []string{"a", "b", "c", "d"} { reg(t, r, id, 5) }

    var wg sync.WaitGroup
    for i := 0; i < 4; i++ {
        wg.Add(1)
        go func(id string) {
            defer wg.Done()
            for j := 0; j < 200; j++ {
                _ = r.HeartbeatWithMetrics(ctx, id, node.Metrics{ActiveJobs: j % 5})
                c.Advance(time.Millisecond)
            }
        }(string(rune('a' + i)))
    }
    wg.Add(1)
    go func() {
        defer wg.Done()
        for j := 0; j < 200; j++ {
            r.Sweep(ctx)
            _ = r.ClusterState()
        }
    }()
    wg.Wait()
    for _, n := range r.List() { assert.Equal(t, node.StatusActive, n.Status) }
}
