// Package config holds node configuration: coordination timings plus the
// identity, transport and lock store choices a node is assembled from.
// Values come from Default, then an optional YAML file, then FLOWCLUSTER_*
// environment variables, then command-line flags.
package config

import (
    "errors"
    "fmt"
    "os"
    "time"

    "gopkg.in/yaml.v3"

    "github.com/amirimatin/go-flowcluster/pkg/security/tlsconfig"
)

// Coordination tunes heartbeats, health, locks and election.
type Coordination struct {
    ClusterID               string        `yaml:"clusterId"`
    HeartbeatInterval       time.Duration `yaml:"heartbeatInterval"`
    NodeTimeout             time.Duration `yaml:"nodeTimeout"`
    OfflineTimeout          time.Duration `yaml:"offlineTimeout"`
    SweepInterval           time.Duration `yaml:"sweepInterval"`
    LeaderElectionTimeout   time.Duration `yaml:"leaderElectionTimeout"`
    MaxLockRetries          int           `yaml:"maxLockRetries"`
    LockRetryDelay          time.Duration `yaml:"lockRetryDelay"`
    MaxLockRetryDelay       time.Duration `yaml:"maxLockRetryDelay"`
    EnableAutoRecovery      bool          `yaml:"enableAutoRecovery"`
    MaxRecoveryAttempts     int           `yaml:"maxRecoveryAttempts"`
    RequireHighAvailability bool          `yaml:"requireHighAvailability"`
}

func DefaultCoordination() Coordination {
    return Coordination{
        ClusterID:             "flowcluster",
        HeartbeatInterval:     10 * time.Second,
        NodeTimeout:           30 * time.Second,
        OfflineTimeout:        60 * time.Second,
        SweepInterval:         5 * time.Second,
        LeaderElectionTimeout: 15 * time.Second,
        MaxLockRetries:        5,
        LockRetryDelay:        100 * time.Millisecond,
        MaxLockRetryDelay:     2 * time.Second,
        EnableAutoRecovery:    true,
        MaxRecoveryAttempts:   3,
    }
}

func (c Coordination) Validate() error {
    var errs []error
    positive := func(name string, d time.Duration) {
        if d <= 0 { errs = append(errs, fmt.Errorf("%s must be positive", name)) }
    }
    positive("heartbeatInterval", c.HeartbeatInterval)
    positive("nodeTimeout", c.NodeTimeout)
    positive("sweepInterval", c.SweepInterval)
    positive("leaderElectionTimeout", c.LeaderElectionTimeout)
    positive("lockRetryDelay", c.LockRetryDelay)
    if c.HeartbeatInterval >= c.NodeTimeout && c.NodeTimeout > 0 {
        errs = append(errs, errors.New("heartbeatInterval must be shorter than nodeTimeout"))
    }
    if c.OfflineTimeout < c.NodeTimeout {
        errs = append(errs, errors.New("offlineTimeout must not be shorter than nodeTimeout"))
    }
    if c.MaxLockRetryDelay < c.LockRetryDelay {
        errs = append(errs, errors.New("maxLockRetryDelay must not be shorter than lockRetryDelay"))
    }
    if c.MaxLockRetries < 0 || c.MaxRecoveryAttempts < 0 {
        errs = append(errs, errors.New("retry and recovery counts must not be negative"))
    }
    return errors.Join(errs...)
}

// Node is this process's identity and advertised capacity.
type Node struct {
    ID                  string            `yaml:"id"`
    Name                string            `yaml:"name"`
    Host                string            `yaml:"host"`
    Port                int               `yaml:"port"`
    Version             string            `yaml:"version"`
    MaxConcurrentJobs   int               `yaml:"maxConcurrentJobs"`
    MaxConcurrentTimers int               `yaml:"maxConcurrentTimers"`
    JobTypes            []string          `yaml:"jobTypes"`
    Tags                map[string]string `yaml:"tags"`
}

// Gossip configures memberlist and where seeds come from.
type Gossip struct {
    Bind      string   `yaml:"bind"`
    Advertise string   `yaml:"advertise"`
    Seeds     []string `yaml:"seeds"`
    // SeedsFile is a file or glob; SeedsDNS are SRV or host names.
    SeedsFile string   `yaml:"seedsFile"`
    SeedsDNS  []string `yaml:"seedsDns"`
    SeedsPort int      `yaml:"seedsPort"`
}

// RPC configures the management/coordination API.
type RPC struct {
    Addr    string        `yaml:"addr"`
    Proto   string        `yaml:"proto"` // http or grpc
    Timeout time.Duration `yaml:"timeout"`
}

const (
    StoreMemory = "memory"
    StoreRaft   = "raft"
    StoreRedis  = "redis"

    EventsGossip = "gossip"
    EventsRPC    = "rpc"

    ProtoHTTP = "http"
    ProtoGRPC = "grpc"
)

// Locks selects and configures the lock store.
type Locks struct {
    Store string `yaml:"store"`
    Raft  struct {
        Bind      string `yaml:"bind"`
        DataDir   string `yaml:"dataDir"`
        Bootstrap bool   `yaml:"bootstrap"`
    } `yaml:"raft"`
    Redis struct {
        Addr     string `yaml:"addr"`
        Password string `yaml:"password"`
        DB       int    `yaml:"db"`
        Prefix   string `yaml:"prefix"`
    } `yaml:"redis"`
}

// Events selects how cluster events reach peers.
type Events struct {
    Transport string `yaml:"transport"`
    DedupSize int    `yaml:"dedupSize"`
}

type Observability struct {
    Tracing  bool   `yaml:"tracing"`
    LogJSON  bool   `yaml:"logJson"`
    LogLevel string `yaml:"logLevel"`
}

// Config is the whole node configuration.
type Config struct {
    Node          Node              `yaml:"node"`
    Coordination  Coordination      `yaml:"coordination"`
    Gossip        Gossip            `yaml:"gossip"`
    RPC           RPC               `yaml:"rpc"`
    Locks         Locks             `yaml:"locks"`
    Events        Events            `yaml:"events"`
    TLS           tlsconfig.Options `yaml:"tls"`
    Observability Observability     `yaml:"observability"`
}

func Default() Config {
    c := Config{
        Coordination: DefaultCoordination(),
        Gossip:       Gossip{Bind: "0.0.0.0:7946"},
        RPC:          RPC{Addr: ":17946", Proto: ProtoHTTP, Timeout: 3 * time.Second},
        Locks:        Locks{Store: StoreMemory},
        Events:       Events{Transport: EventsGossip, DedupSize: 4096},
    }
    c.Locks.Raft.Bind = "127.0.0.1:9521"
    c.Locks.Redis.Addr = "127.0.0.1:6379"
    return c
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
    c := Default()
    if path != "" {
        b, err := os.ReadFile(path)
        if err != nil { return c, fmt.Errorf("config: %w", err) }
        if err := yaml.Unmarshal(b, &c); err != nil { return c, fmt.Errorf("config: %s: %w", path, err) }
    }
    if err := c.ApplyEnv(os.LookupEnv); err != nil { return c, err }
    return c, nil
}

func (c Config) Validate() error {
    var errs []error
    if err := c.Coordination.Validate(); err != nil { errs = append(errs, err) }
    switch c.Locks.Store {
    case StoreMemory, StoreRaft, StoreRedis:
    default:
        errs = append(errs, fmt.Errorf("unknown lock store %q", c.Locks.Store))
    }
    switch c.Events.Transport {
    case EventsGossip, EventsRPC:
    default:
        errs = append(errs, fmt.Errorf("unknown event transport %q", c.Events.Transport))
    }
    switch c.RPC.Proto {
    case ProtoHTTP, ProtoGRPC:
    default:
        errs = append(errs, fmt.Errorf("unknown rpc proto %q", c.RPC.Proto))
    }
    if c.Node.MaxConcurrentJobs < 0 || c.Node.MaxConcurrentTimers < 0 {
        errs = append(errs, errors.New("node capacity must not be negative"))
    }
    if len(errs) == 0 { return nil }
    return fmt.Errorf("config: %w", errors.Join(errs...))
}
