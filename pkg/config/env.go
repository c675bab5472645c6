package config

import (
    "errors"
    "fmt"
    "strconv"
    "strings"
    "time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOWCLUSTER_"

// ApplyEnv overrides fields from the environment via lookup (os.LookupEnv
// in production). Unknown variables are ignored; malformed values are
// reported together.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
    var errs []error
    str := func(key string, dst *string) {
        if v, ok := lookup(EnvPrefix + key); ok { *dst = v }
    }
    list := func(key string, dst *[]string) {
        if v, ok := lookup(EnvPrefix + key); ok {
            *dst = nil
            for _, p := range strings.Split(v, ",") {
                if p = strings.TrimSpace(p); p != "" { *dst = append(*dst, p) }
            }
        }
    }
    dur := func(key string, dst *time.Duration) {
        if v, ok := lookup(EnvPrefix + key); ok {
            d, err := time.ParseDuration(v)
            if err != nil { errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)); return }
            *dst = d
        }
    }
    num := func(key string, dst *int) {
        if v, ok := lookup(EnvPrefix + key); ok {
            n, err := strconv.Atoi(v)
            if err != nil { errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)); return }
            *dst = n
        }
    }
    flag := func(key string, dst *bool) {
        if v, ok := lookup(EnvPrefix + key); ok {
            b, err := strconv.ParseBool(v)
            if err != nil { errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)); return }
            *dst = b
        }
    }

    str("NODE_ID", &c.Node.ID)
    str("NODE_NAME", &c.Node.Name)
    str("NODE_HOST", &c.Node.Host)
    num("NODE_PORT", &c.Node.Port)
    num("MAX_CONCURRENT_JOBS", &c.Node.MaxConcurrentJobs)
    list("JOB_TYPES", &c.Node.JobTypes)

    co := &c.Coordination
    str("CLUSTER_ID", &co.ClusterID)
    dur("HEARTBEAT_INTERVAL", &co.HeartbeatInterval)
    dur("NODE_TIMEOUT", &co.NodeTimeout)
    dur("OFFLINE_TIMEOUT", &co.OfflineTimeout)
    dur("SWEEP_INTERVAL", &co.SweepInterval)
    dur("LEADER_ELECTION_TIMEOUT", &co.LeaderElectionTimeout)
    num("MAX_LOCK_RETRIES", &co.MaxLockRetries)
    dur("LOCK_RETRY_DELAY", &co.LockRetryDelay)
    dur("MAX_LOCK_RETRY_DELAY", &co.MaxLockRetryDelay)
    flag("ENABLE_AUTO_RECOVERY", &co.EnableAutoRecovery)
    num("MAX_RECOVERY_ATTEMPTS", &co.MaxRecoveryAttempts)
    flag("REQUIRE_HIGH_AVAILABILITY", &co.RequireHighAvailability)

    str("GOSSIP_BIND", &c.Gossip.Bind)
    str("GOSSIP_ADVERTISE", &c.Gossip.Advertise)
    list("SEEDS", &c.Gossip.Seeds)
    str("SEEDS_FILE", &c.Gossip.SeedsFile)
    list("SEEDS_DNS", &c.Gossip.SeedsDNS)

    str("RPC_ADDR", &c.RPC.Addr)
    str("RPC_PROTO", &c.RPC.Proto)

    str("LOCK_STORE", &c.Locks.Store)
    str("RAFT_BIND", &c.Locks.Raft.Bind)
    str("RAFT_DATA_DIR", &c.Locks.Raft.DataDir)
    flag("RAFT_BOOTSTRAP", &c.Locks.Raft.Bootstrap)
    str("REDIS_ADDR", &c.Locks.Redis.Addr)
    str("REDIS_PASSWORD", &c.Locks.Redis.Password)
    num("REDIS_DB", &c.Locks.Redis.DB)

    str("EVENT_TRANSPORT", &c.Events.Transport)

    flag("TLS_ENABLE", &c.TLS.Enable)
    str("TLS_CA", &c.TLS.CAFile)
    str("TLS_CERT", &c.TLS.CertFile)
    str("TLS_KEY", &c.TLS.KeyFile)
    str("TLS_SERVER_NAME", &c.TLS.ServerName)

    flag("TRACING", &c.Observability.Tracing)
    flag("LOG_JSON", &c.Observability.LogJSON)
    str("LOG_LEVEL", &c.Observability.LogLevel)

    if len(errs) == 0 { return nil }
    return fmt.Errorf("config: env: %w", errors.Join(errs...))
}
