// Package bootstrap assembles a cluster node from configuration: it picks
// the lock store, the management protocol and the event transport, wires
// seed discovery into gossip and hands everything to cluster.New.
package bootstrap

import (
    "context"
    "crypto/tls"
    "fmt"
    "io"
    "net"
    "os"
    "time"

    "github.com/google/uuid"
    "github.com/redis/go-redis/v9"
    "github.com/sirupsen/logrus"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/bus"
    "github.com/amirimatin/go-flowcluster/pkg/cluster"
    "github.com/amirimatin/go-flowcluster/pkg/config"
    "github.com/amirimatin/go-flowcluster/pkg/discovery"
    "github.com/amirimatin/go-flowcluster/pkg/lock"
    "github.com/amirimatin/go-flowcluster/pkg/lock/memstore"
    "github.com/amirimatin/go-flowcluster/pkg/lock/raftstore"
    "github.com/amirimatin/go-flowcluster/pkg/lock/redisstore"
    "github.com/amirimatin/go-flowcluster/pkg/membership"
    ml "github.com/amirimatin/go-flowcluster/pkg/membership/memberlist"
    "github.com/amirimatin/go-flowcluster/pkg/node"
    "github.com/amirimatin/go-flowcluster/pkg/propagation"
    "github.com/amirimatin/go-flowcluster/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-flowcluster/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-flowcluster/pkg/transport/httpjson"
)

// Config is the node configuration plus the runtime hooks an embedding
// application supplies.
type Config struct {
    config.Config

    // Logger is optional; a logger honouring Observability settings is
    // created when nil.
    Logger logrus.FieldLogger
    // Directory supplies externally registered bus handlers.
    Directory bus.HandlerDirectory
    // Load reports this node's load with each heartbeat.
    Load           func() node.Metrics
    OnLeaderChange func(isLeader bool)
}

// Build assembles a cluster.Cluster from cfg without starting it.
func Build(cfg Config) (*cluster.Cluster, error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    log := cfg.Logger
    if log == nil { log = newLogger(cfg.Observability) }
    if cfg.Node.ID == "" { cfg.Node.ID = uuid.NewString() }
    id := cfg.Node.ID

    srvTLS, err := cfg.TLS.Server()
    if err != nil { return nil, err }
    cliTLS, err := cfg.TLS.Client()
    if err != nil { return nil, err }
    srv, cli := rpcPair(cfg.RPC, log, srvTLS, cliTLS)

    host := cfg.Node.Host
    if host == "" { host = hostOf(cfg.Gossip.Advertise) }
    if host == "" { host, _ = os.Hostname() }
    meta := map[string]string{membership.MetaRPCAddr: advertise(cfg.RPC.Addr, host)}
    if cfg.Node.Version != "" { meta[membership.MetaVersion] = cfg.Node.Version }

    // gossip is assigned below; forwarding only runs after Start.
    var gossip *ml.Gossip
    forward := func(ctx context.Context, leaderID string, cmd []byte) ([]byte, error) {
        addr := membership.MetaOf(gossip, leaderID, membership.MetaRPCAddr)
        if addr == "" { return nil, fmt.Errorf("bootstrap: no management address for lock store leader %q", leaderID) }
        return cli.PostApply(ctx, addr, transport.ApplyRequest{Command: cmd})
    }

    var (
        store   lock.Store
        lnode   cluster.LockNode
        closers []io.Closer
    )
    switch cfg.Locks.Store {
    case config.StoreRaft:
        r := cfg.Locks.Raft
        rs, err := raftstore.New(raftstore.Options{
            NodeID:    id,
            Logger:    log,
            LogOutput: logutil.Writer(log),
            Bootstrap: r.Bootstrap,
            BindAddr:  r.Bind,
            DataDir:   r.DataDir,
            Forward:   forward,
        })
        if err != nil { return nil, err }
        meta[membership.MetaRaftAddr] = r.Bind
        store, lnode = rs, rs
    case config.StoreRedis:
        r := cfg.Locks.Redis
        rc := redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
        var opts []redisstore.Option
        if r.Prefix != "" { opts = append(opts, redisstore.WithPrefix(r.Prefix)) }
        store = redisstore.New(rc, opts...)
        closers = append(closers, rc)
    default:
        store = memstore.New()
    }

    gossip, err = ml.New(ml.Options{
        NodeID:    id,
        Bind:      cfg.Gossip.Bind,
        Advertise: cfg.Gossip.Advertise,
        Meta:      meta,
        Logger:    log,
    })
    if err != nil { return nil, err }

    var bc propagation.Broadcaster = gossip
    if cfg.Events.Transport == config.EventsRPC {
        bc = &transport.PeerBroadcaster{
            Client: cli,
            Peers:  func() []string { return membership.PeerAddrs(gossip, membership.MetaRPCAddr) },
            Fanout: 16,
        }
    }

    cl, err := cluster.New(cluster.Options{
        Node:           cfg.Node,
        Coordination:   cfg.Coordination,
        Logger:         log,
        Store:          store,
        LockNode:       lnode,
        Membership:     gossip,
        Discovery:      seeds(cfg.Gossip, log),
        Broadcaster:    bc,
        DedupSize:      cfg.Events.DedupSize,
        RPCServer:      srv,
        RPCClient:      cli,
        Directory:      cfg.Directory,
        Load:           cfg.Load,
        OnLeaderChange: cfg.OnLeaderChange,
        Closers:        closers,
    })
    if err != nil { return nil, err }
    gossip.OnMessage(cl.Deliver)
    return cl, nil
}

// Run builds and starts the node. The caller owns the returned cluster and
// must Stop it.
func Run(ctx context.Context, cfg Config) (*cluster.Cluster, error) {
    cl, err := Build(cfg)
    if err != nil { return nil, err }
    if err := cl.Start(ctx); err != nil {
        _ = cl.Stop(context.Background())
        return nil, err
    }
    return cl, nil
}

func newLogger(o config.Observability) logrus.FieldLogger {
    if o.LogJSON { logutil.SetJSON(true) }
    l := logutil.New()
    if lvl, err := logrus.ParseLevel(o.LogLevel); err == nil { l.SetLevel(lvl) }
    return l
}

func rpcPair(c config.RPC, log logrus.FieldLogger, srvTLS, cliTLS *tls.Config) (transport.RPCServer, transport.RPCClient) {
    timeout := c.Timeout
    if timeout <= 0 { timeout = 3 * time.Second }
    if c.Proto == config.ProtoGRPC {
        s := mgmtgrpc.NewServer(c.Addr, log)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        cl := mgmtgrpc.NewClient(timeout)
        if cliTLS != nil { cl.UseTLS(cliTLS) }
        return s, cl
    }
    s := httpjson.NewServer(c.Addr, log)
    if srvTLS != nil { s.UseTLS(srvTLS) }
    cl := httpjson.NewClient(timeout)
    if cliTLS != nil { cl.UseTLS(cliTLS) }
    return s, cl
}

// seeds merges static, file and DNS seed sources.
func seeds(g config.Gossip, log logrus.FieldLogger) discovery.Discovery {
    srcs := []discovery.Discovery{discovery.Static(g.Seeds...)}
    if g.SeedsFile != "" { srcs = append(srcs, discovery.File(discovery.FileOptions{Path: g.SeedsFile})) }
    if len(g.SeedsDNS) > 0 {
        srcs = append(srcs, discovery.DNS(discovery.DNSOptions{Names: g.SeedsDNS, Port: g.SeedsPort, Logger: log}))
    }
    return discovery.Merge(srcs...)
}

// advertise fills an empty or unspecified host in addr with host.
func advertise(addr, host string) string {
    h, p, err := net.SplitHostPort(addr)
    if err != nil || host == "" { return addr }
    if h == "" || h == "0.0.0.0" || h == "::" { return net.JoinHostPort(host, p) }
    return addr
}

func hostOf(addr string) string {
    h, _, err := net.SplitHostPort(addr)
    if err != nil { return "" }
    return h
}
