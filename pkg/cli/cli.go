// Package cli provides the flowctl commands so services can embed them in
// their own cobra trees.
package cli

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/pflag"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/bootstrap"
    "github.com/amirimatin/go-flowcluster/pkg/config"
    "github.com/amirimatin/go-flowcluster/pkg/observability/tracing"
    "github.com/amirimatin/go-flowcluster/pkg/routing"
    "github.com/amirimatin/go-flowcluster/pkg/security/tlsconfig"
    "github.com/amirimatin/go-flowcluster/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-flowcluster/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-flowcluster/pkg/transport/httpjson"
)

// AddAll attaches run/status/state/route/join/leave to root.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd(), NewStatusCmd(), NewStateCmd(), NewRouteCmd(), NewJoinCmd(), NewLeaveCmd())
}

// NewClusterCommand returns a "cluster" parent holding every subcommand.
func NewClusterCommand() *cobra.Command {
    parent := &cobra.Command{Use: "cluster", Short: "cluster coordination commands"}
    AddAll(parent)
    return parent
}

// NewRunCmd starts a node. Settings come from --config, then FLOWCLUSTER_*
// variables, then any flag given explicitly.
func NewRunCmd() *cobra.Command {
    var (
        path, id, host, jobTypes, gossipBind, gossipAdv, seeds, seedsFile, seedsDNS string
        rpcAddr, rpcProto, store, raftBind, raftData, redisAddr, eventsVia, level   string
        maxJobs                                                                     int
        bootstrapRaft, trace, logJSON                                               bool
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a coordination node",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg, err := config.Load(path)
            if err != nil { return err }
            fl := cmd.Flags()
            set := func(name string, apply func()) {
                if fl.Changed(name) { apply() }
            }
            set("id", func() { cfg.Node.ID = id })
            set("host", func() { cfg.Node.Host = host })
            set("max-jobs", func() { cfg.Node.MaxConcurrentJobs = maxJobs })
            set("job-types", func() { cfg.Node.JobTypes = split(jobTypes) })
            set("gossip-bind", func() { cfg.Gossip.Bind = gossipBind })
            set("gossip-adv", func() { cfg.Gossip.Advertise = gossipAdv })
            set("join", func() { cfg.Gossip.Seeds = split(seeds) })
            set("seeds-file", func() { cfg.Gossip.SeedsFile = seedsFile })
            set("seeds-dns", func() { cfg.Gossip.SeedsDNS = split(seedsDNS) })
            set("rpc-addr", func() { cfg.RPC.Addr = rpcAddr })
            set("rpc-proto", func() { cfg.RPC.Proto = rpcProto })
            set("lock-store", func() { cfg.Locks.Store = store })
            set("raft-bind", func() { cfg.Locks.Raft.Bind = raftBind })
            set("raft-data", func() { cfg.Locks.Raft.DataDir = raftData })
            set("bootstrap", func() { cfg.Locks.Raft.Bootstrap = bootstrapRaft })
            set("redis-addr", func() { cfg.Locks.Redis.Addr = redisAddr })
            set("events", func() { cfg.Events.Transport = eventsVia })
            set("trace", func() { cfg.Observability.Tracing = trace })
            set("log-json", func() { cfg.Observability.LogJSON = logJSON })
            set("log-level", func() { cfg.Observability.LogLevel = level })
            addTLSFlagsTo(fl, &cfg.TLS)

            ctx, cancel := signalContext()
            defer cancel()
            if cfg.Observability.Tracing {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    logutil.Warnf(nil, "tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            cl, err := bootstrap.Run(ctx, bootstrap.Config{Config: cfg})
            if err != nil { return err }
            defer cl.Close()
            fmt.Fprintf(cmd.OutOrStdout(), "node %s running. Press Ctrl+C to exit.\n", cl.NodeID())
            <-ctx.Done()
            return nil
        },
    }
    f := cmd.Flags()
    f.StringVar(&path, "config", "", "YAML config file")
    f.StringVar(&id, "id", "", "node id (generated when empty)")
    f.StringVar(&host, "host", "", "advertised host name")
    f.IntVar(&maxJobs, "max-jobs", 0, "max concurrent jobs")
    f.StringVar(&jobTypes, "job-types", "", "comma-separated supported job types (empty means all)")
    f.StringVar(&gossipBind, "gossip-bind", "0.0.0.0:7946", "gossip bind addr (host:port)")
    f.StringVar(&gossipAdv, "gossip-adv", "", "gossip advertise addr (host:port, optional)")
    f.StringVar(&seeds, "join", "", "comma-separated gossip seeds (host:port)")
    f.StringVar(&seedsFile, "seeds-file", "", "path or glob to seed files")
    f.StringVar(&seedsDNS, "seeds-dns", "", "comma-separated DNS or SRV names for seeds")
    f.StringVar(&rpcAddr, "rpc-addr", ":17946", "management address (host:port)")
    f.StringVar(&rpcProto, "rpc-proto", config.ProtoHTTP, "management protocol: http|grpc")
    f.StringVar(&store, "lock-store", config.StoreMemory, "lock store: memory|raft|redis")
    f.StringVar(&raftBind, "raft-bind", "127.0.0.1:9521", "raft bind addr (lock-store=raft)")
    f.StringVar(&raftData, "raft-data", "", "raft data dir; empty keeps the log in memory")
    f.BoolVar(&bootstrapRaft, "bootstrap", false, "bootstrap a new raft quorum with this node")
    f.StringVar(&redisAddr, "redis-addr", "127.0.0.1:6379", "redis address (lock-store=redis)")
    f.StringVar(&eventsVia, "events", config.EventsGossip, "cluster event transport: gossip|rpc")
    f.BoolVar(&trace, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    f.BoolVar(&logJSON, "log-json", false, "log as JSON")
    f.StringVar(&level, "log-level", "", "log level (debug, info, warn, error)")
    tlsFlags(f)
    return cmd
}

// NewStatusCmd prints a node's /status JSON.
func NewStatusCmd() *cobra.Command {
    var c clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch a node's cluster status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, ctx, cancel, err := c.dial(cmd)
            if err != nil { return err }
            defer cancel()
            data, err := client.GetStatus(ctx, c.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            return writeLine(cmd.OutOrStdout(), data)
        },
    }
    c.bind(cmd.Flags())
    return cmd
}

// NewStateCmd prints a node's aggregate cluster state.
func NewStateCmd() *cobra.Command {
    var c clientFlags
    cmd := &cobra.Command{
        Use:   "state",
        Short: "Fetch nodes, capacity and health as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, ctx, cancel, err := c.dial(cmd)
            if err != nil { return err }
            defer cancel()
            data, err := client.GetState(ctx, c.addr)
            if err != nil { return fmt.Errorf("state error: %w", err) }
            return writeLine(cmd.OutOrStdout(), data)
        },
    }
    c.bind(cmd.Flags())
    return cmd
}

// NewRouteCmd asks a node where a job should run.
func NewRouteCmd() *cobra.Command {
    var (
        c        clientFlags
        req      routing.JobRoutingRequest
        strategy string
        tags     map[string]string
    )
    cmd := &cobra.Command{
        Use:   "route",
        Short: "Route a job through a node's router",
        RunE: func(cmd *cobra.Command, args []string) error {
            if req.JobType == "" { return errors.New("missing --job-type") }
            req.Strategy = routing.Strategy(strategy)
            req.RequiredTags = tags
            client, ctx, cancel, err := c.dial(cmd)
            if err != nil { return err }
            defer cancel()
            resp, err := client.PostRoute(ctx, c.addr, req)
            if err != nil { return fmt.Errorf("route error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp.Decision)
        },
    }
    f := cmd.Flags()
    c.bind(f)
    f.StringVar(&req.JobID, "job-id", "", "job id")
    f.StringVar(&req.JobType, "job-type", "", "job type (required)")
    f.IntVar(&req.Priority, "priority", 0, "job priority")
    f.StringVar(&req.PreferredNodeID, "preferred", "", "preferred node id")
    f.StringVar(&strategy, "strategy", string(routing.LeastLoaded), "LeastLoaded|RoundRobin|Random|Affinity|Broadcast")
    f.StringToStringVar(&tags, "tag", nil, "required node tag key=value (repeatable)")
    return cmd
}

// NewJoinCmd asks the lock store leader to add a voter.
func NewJoinCmd() *cobra.Command {
    var (
        c            clientFlags
        id, raftAddr string
    )
    cmd := &cobra.Command{
        Use:   "join",
        Short: "Add a voter to the replicated lock store",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" || raftAddr == "" { return errors.New("missing required flags: --id and --raft-addr") }
            client, ctx, cancel, err := c.dial(cmd)
            if err != nil { return err }
            defer cancel()
            resp, err := client.PostJoin(ctx, c.addr, transport.JoinRequest{ID: id, RaftAddr: raftAddr})
            if err != nil { return fmt.Errorf("join error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    c.bind(cmd.Flags())
    cmd.Flags().StringVar(&id, "id", "", "node id to add (required)")
    cmd.Flags().StringVar(&raftAddr, "raft-addr", "", "node raft address (host:port, required)")
    return cmd
}

// NewLeaveCmd asks the lock store leader to remove a voter.
func NewLeaveCmd() *cobra.Command {
    var (
        c  clientFlags
        id string
    )
    cmd := &cobra.Command{
        Use:   "leave",
        Short: "Remove a voter from the replicated lock store",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" { return errors.New("missing required flag: --id") }
            client, ctx, cancel, err := c.dial(cmd)
            if err != nil { return err }
            defer cancel()
            resp, err := client.PostLeave(ctx, c.addr, transport.LeaveRequest{ID: id})
            if err != nil { return fmt.Errorf("leave error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    c.bind(cmd.Flags())
    cmd.Flags().StringVar(&id, "id", "", "node id to remove (required)")
    return cmd
}

// clientFlags are shared by the commands that call a running node.
type clientFlags struct {
    addr    string
    proto   string
    timeout time.Duration
}

func (c *clientFlags) bind(f *pflag.FlagSet) {
    f.StringVar(&c.addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
    f.StringVar(&c.proto, "rpc-proto", config.ProtoHTTP, "management protocol: http|grpc")
    f.DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
    tlsFlags(f)
}

func (c *clientFlags) dial(cmd *cobra.Command) (transport.RPCClient, context.Context, context.CancelFunc, error) {
    var topts tlsconfig.Options
    addTLSFlagsTo(cmd.Flags(), &topts)
    tcfg, err := topts.Client()
    if err != nil { return nil, nil, nil, fmt.Errorf("tls client config: %w", err) }
    var client transport.RPCClient
    switch c.proto {
    case config.ProtoGRPC:
        cli := mgmtgrpc.NewClient(c.timeout)
        if tcfg != nil { cli.UseTLS(tcfg) }
        client = cli
    case config.ProtoHTTP:
        cli := httpjson.NewClient(c.timeout)
        if tcfg != nil { cli.UseTLS(tcfg) }
        client = cli
    default:
        return nil, nil, nil, fmt.Errorf("unknown rpc proto %q", c.proto)
    }
    ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
    return client, ctx, cancel, nil
}

func tlsFlags(f *pflag.FlagSet) {
    f.Bool("tls-enable", false, "enable mTLS for management transport")
    f.String("tls-ca", "", "path to CA cert (PEM)")
    f.String("tls-cert", "", "path to certificate (PEM)")
    f.String("tls-key", "", "path to private key (PEM)")
    f.Bool("tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.String("tls-server-name", "", "expected server name (for TLS validation)")
}

// addTLSFlagsTo copies explicitly set TLS flags onto o.
func addTLSFlagsTo(f *pflag.FlagSet, o *tlsconfig.Options) {
    if v, err := f.GetBool("tls-enable"); err == nil && f.Changed("tls-enable") { o.Enable = v }
    if v, err := f.GetBool("tls-skip-verify"); err == nil && f.Changed("tls-skip-verify") { o.InsecureSkipVerify = v }
    str := func(name string, dst *string) {
        if v, err := f.GetString(name); err == nil && f.Changed(name) { *dst = v }
    }
    str("tls-ca", &o.CAFile)
    str("tls-cert", &o.CertFile)
    str("tls-key", &o.KeyFile)
    str("tls-server-name", &o.ServerName)
}

func split(csv string) []string {
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}

func writeLine(w io.Writer, data []byte) error {
    if _, err := w.Write(data); err != nil { return err }
    if len(data) == 0 || data[len(data)-1] != '\n' {
        _, err := w.Write([]byte("\n"))
        return err
    }
    return nil
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
