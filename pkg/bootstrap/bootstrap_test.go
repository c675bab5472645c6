package bootstrap

import (
    "context"
    "net"
    "strconv"
    "testing"
    "time"

    "github.com/alicebob/miniredis/v2"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/cluster"
    "github.com/amirimatin/go-flowcluster/pkg/config"
    "github.com/amirimatin/go-flowcluster/pkg/events"
    "github.com/amirimatin/go-flowcluster/pkg/lock"
    "github.com/amirimatin/go-flowcluster/pkg/membership"
)

func freeAddr(t *testing.T) string {
    t.Helper()
    l, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    defer l.Close()
    return l.Addr().String()
}

func testConfig(t *testing.T, id string) Config {
    c := config.Default()
    c.Node = config.Node{ID: id, Host: "127.0.0.1", MaxConcurrentJobs: 4, JobTypes: []string{"email"}}
    co := &c.Coordination
    co.HeartbeatInterval = 100 * time.Millisecond
    co.NodeTimeout = time.Second
    co.OfflineTimeout = 2 * time.Second
    co.SweepInterval = 100 * time.Millisecond
    co.LeaderElectionTimeout = 600 * time.Millisecond
    c.Gossip.Bind = "127.0.0.1:0"
    c.RPC.Addr = freeAddr(t)
    c.RPC.Timeout = time.Second
    return Config{Config: c, Logger: logutil.Discard()}
}

func run(t *testing.T, cfg Config) *cluster.Cluster {
    t.Helper()
    cl, err := Run(context.Background(), cfg)
    require.NoError(t, err)
    t.Cleanup(func() { _ = cl.Stop(context.Background()) })
    return cl
}

func TestBuild_RejectsInvalidConfig(t *testing.T) {
    cfg := testConfig(t, "x")
    cfg.Locks.Store = "etcd"
    _, err := Build(cfg)
    assert.Error(t, err)
}

func TestRun_MemoryStoreOverHTTP(t *testing.T) {
    cfg := testConfig(t, "solo")
    cl := run(t, cfg)
    require.Eventually(t, cl.Elector().IsLeader, 5*time.Second, 20*time.Millisecond)

    local := cl.Membership().Local()
    assert.Equal(t, cfg.RPC.Addr, local.Meta[membership.MetaRPCAddr])
    st, err := cl.Status(context.Background())
    require.NoError(t, err)
    assert.True(t, st.Healthy)
    assert.Len(t, st.Members, 1)
}

func TestRun_RedisStoreGRPCAndRPCEvents(t *testing.T) {
    mr := miniredis.RunT(t)
    mk := func(id string, seeds ...string) Config {
        cfg := testConfig(t, id)
        cfg.Locks.Store = config.StoreRedis
        cfg.Locks.Redis.Addr = mr.Addr()
        cfg.Locks.Redis.Prefix = "test:"
        cfg.RPC.Proto = config.ProtoGRPC
        cfg.Events.Transport = config.EventsRPC
        cfg.Gossip.Seeds = seeds
        return cfg
    }
    a := run(t, mk("a"))
    b := run(t, mk("b", a.Membership().Local().Addr))

    for _, c := range []*cluster.Cluster{a, b} {
        c := c
        require.Eventually(t, func() bool { return len(c.Registry().ActiveNodes()) == 2 }, 5*time.Second, 50*time.Millisecond,
            "%s sees both nodes", c.NodeID())
    }
    require.Eventually(t, func() bool { return a.Elector().IsLeader() != b.Elector().IsLeader() }, 5*time.Second, 50*time.Millisecond)

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    ch, err := b.Subscribe(ctx, "cluster.cache.*")
    require.NoError(t, err)
    require.NoError(t, a.PublishEvent(ctx, &events.CacheInvalidation{CacheName: "forms"}))
    select {
    case ev := <-ch:
        assert.Equal(t, events.TypeCacheInvalidation, ev.EventType())
    case <-time.After(5 * time.Second):
        t.Fatal("event not delivered over rpc")
    }

    l, err := a.Locks().Acquire(ctx, lock.AcquireRequest{ResourceID: "pi-1", ResourceType: "process", OwnerID: "a", Duration: time.Minute, Mode: lock.Exclusive})
    require.NoError(t, err)
    hs, err := b.Locks().Holders(ctx, "pi-1", "process")
    require.NoError(t, err)
    require.Len(t, hs, 1)
    assert.Equal(t, l.ID, hs[0].ID)
}

func TestRun_RaftStoreSingleNode(t *testing.T) {
    cfg := testConfig(t, "r1")
    cfg.Locks.Store = config.StoreRaft
    cfg.Locks.Raft.Bind = freeAddr(t)
    cfg.Locks.Raft.Bootstrap = true
    cl := run(t, cfg)

    require.Eventually(t, cl.Elector().IsLeader, 10*time.Second, 50*time.Millisecond)
    st, err := cl.Status(context.Background())
    require.NoError(t, err)
    assert.Equal(t, "r1", st.LockLeaderID)
    assert.Equal(t, cfg.Locks.Raft.Bind, cl.Membership().Local().Meta[membership.MetaRaftAddr])
}

func TestAdvertise(t *testing.T) {
    assert.Equal(t, "10.0.0.1:17946", advertise(":17946", "10.0.0.1"))
    assert.Equal(t, "10.0.0.1:17946", advertise("0.0.0.0:17946", "10.0.0.1"))
    assert.Equal(t, "127.0.0.1:1", advertise("127.0.0.1:1", "10.0.0.1"))
    assert.Equal(t, "bad", advertise("bad", "h"))
    assert.Equal(t, "10.0.0.2", hostOf(net.JoinHostPort("10.0.0.2", strconv.Itoa(7946))))
}
