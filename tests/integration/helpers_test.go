//go:build integration

package integration

import (
    "context"
    "encoding/json"
    "errors"
    "net"
    "testing"
    "time"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/bootstrap"
    "github.com/amirimatin/go-flowcluster/pkg/cluster"
    "github.com/amirimatin/go-flowcluster/pkg/config"
    "github.com/amirimatin/go-flowcluster/pkg/transport"
)

var errNotYet = errors.New("not yet")

type addrs struct{ gossip, rpc, raft string }

func freeAddr(t *testing.T) string {
    t.Helper()
    l, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    defer l.Close()
    return l.Addr().String()
}

func newAddrs(t *testing.T) addrs {
    return addrs{gossip: freeAddr(t), rpc: freeAddr(t), raft: freeAddr(t)}
}

// raftConfig is a raft-backed node with timings short enough for tests.
func raftConfig(id string, a addrs, bootstrapQuorum bool, seeds ...string) bootstrap.Config {
    c := config.Default()
    c.Node = config.Node{ID: id, Host: "127.0.0.1", MaxConcurrentJobs: 8, JobTypes: []string{"email", "http"}}
    co := &c.Coordination
    co.HeartbeatInterval = 200 * time.Millisecond
    co.NodeTimeout = 2 * time.Second
    co.OfflineTimeout = 4 * time.Second
    co.SweepInterval = 200 * time.Millisecond
    co.LeaderElectionTimeout = 2 * time.Second
    c.Gossip.Bind = a.gossip
    c.Gossip.Seeds = seeds
    c.RPC.Addr = a.rpc
    c.Locks.Store = config.StoreRaft
    c.Locks.Raft.Bind = a.raft
    c.Locks.Raft.Bootstrap = bootstrapQuorum
    return bootstrap.Config{Config: c, Logger: logutil.Discard()}
}

func mustRun(t *testing.T, ctx context.Context, cfg bootstrap.Config) *cluster.Cluster {
    t.Helper()
    cl, err := bootstrap.Run(ctx, cfg)
    if err != nil { t.Fatalf("%s: %v", cfg.Node.ID, err) }
    t.Cleanup(func() { _ = cl.Stop(context.Background()) })
    return cl
}

// mustStartThreeNodes starts a bootstrapped raft node and two nodes that
// join it through gossip and the management API.
func mustStartThreeNodes(t *testing.T, ctx context.Context) ([3]*cluster.Cluster, [3]addrs) {
    t.Helper()
    var as [3]addrs
    for i := range as { as[i] = newAddrs(t) }
    var ns [3]*cluster.Cluster
    ns[0] = mustRun(t, ctx, raftConfig("n1", as[0], true))
    ns[1] = mustRun(t, ctx, raftConfig("n2", as[1], false, as[0].gossip))
    ns[2] = mustRun(t, ctx, raftConfig("n3", as[2], false, as[0].gossip))
    return ns, as
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    var last error
    for time.Now().Before(deadline) {
        if last = fn(); last == nil { return }
        time.Sleep(200 * time.Millisecond)
    }
    t.Fatalf("timeout waiting for condition: %v", last)
}

func fetchStatus(ctx context.Context, cli transport.RPCClient, addr string) (cluster.ClusterStatus, error) {
    var s cluster.ClusterStatus
    b, err := cli.GetStatus(ctx, addr)
    if err != nil { return s, err }
    err = json.Unmarshal(b, &s)
    return s, err
}
