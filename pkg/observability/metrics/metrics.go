package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "flowcluster"

var (
    once sync.Once

    // Registry
    NodesByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "registry",
        Name:      "nodes",
        Help:      "Known nodes per status as seen by the local registry",
    }, []string{"status"})
    NodeTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "registry",
        Name:      "transitions_total",
        Help:      "Node status transitions applied by the local registry",
    }, []string{"to"})
    ClusterLoadPercent = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "registry",
        Name:      "load_percent",
        Help:      "Current load over total capacity of Active nodes",
    })

    // Election
    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "is_leader",
        Help:      "1 if this node holds the leader lease, else 0",
    })
    LeaderChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "election",
        Name:      "changes_total",
        Help:      "Leadership gains and losses observed by this node",
    }, []string{"change"})
    StaleLeaderships = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "election",
        Name:      "stale_total",
        Help:      "Lease holders found whose node is not Active",
    })

    // Locks
    LockAcquires = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "lock",
        Name:      "acquire_total",
        Help:      "Lock acquisition outcomes",
    }, []string{"result"})
    LockAttempts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "lock",
        Name:      "attempts_total",
        Help:      "Individual store attempts made while acquiring locks",
    })
    LockExtends = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "lock",
        Name:      "extend_total",
        Help:      "Lock extension outcomes",
    }, []string{"result"})
    LockAcquireSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: namespace,
        Subsystem: "lock",
        Name:      "acquire_seconds",
        Help:      "Wall time spent in Acquire including backoff",
        Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
    })

    // Routing
    RoutedJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "router",
        Name:      "routed_total",
        Help:      "Routing decisions per strategy",
    }, []string{"strategy"})
    RoutingBackpressure = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "router",
        Name:      "no_eligible_total",
        Help:      "Routing requests with no eligible node",
    })

    // Event bus
    BusPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "bus",
        Name:      "published_total",
        Help:      "Events published on the local bus",
    }, []string{"event_type"})
    BusDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "bus",
        Name:      "deliveries_total",
        Help:      "Handler invocations by kind (subscriber, external)",
    }, []string{"kind"})
    BusFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "bus",
        Name:      "faults_total",
        Help:      "Isolated handler faults by kind (subscriber, external, interceptor)",
    }, []string{"kind"})
    BusSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "bus",
        Name:      "subscriptions",
        Help:      "Active subscriptions on the local bus",
    })
    BusPublishSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: namespace,
        Subsystem: "bus",
        Name:      "publish_seconds",
        Help:      "Time from publish until every handler completed",
        Buckets:   prometheus.DefBuckets,
    })

    // Propagation
    PropagatedOut = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "propagation",
        Name:      "broadcast_total",
        Help:      "Cluster events broadcast by this node",
    }, []string{"result"})
    PropagatedIn = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "propagation",
        Name:      "inbound_total",
        Help:      "Inbound cluster events by outcome (delivered, loopback, duplicate, invalid)",
    }, []string{"result"})

    // gRPC connection cache
    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })

    GossipMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "gossip",
        Name:      "members",
        Help:      "Members visible through gossip",
    })
    GossipDropped = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "gossip",
        Name:      "dropped_total",
        Help:      "Inbound gossip messages dropped because the handler queue was full",
    })

    // Management RPC
    RPCRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "rpc",
        Name:      "requests_total",
        Help:      "Management RPCs served by transport, method and result",
    }, []string{"transport", "method", "result"})

    // Lock store membership
    JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "raft",
        Name:      "join_requests_total",
        Help:      "Voter join requests handled by result",
    }, []string{"result"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(NodesByStatus, NodeTransitions, ClusterLoadPercent)
        prometheus.MustRegister(IsLeader, LeaderChanges, StaleLeaderships)
        prometheus.MustRegister(LockAcquires, LockAttempts, LockExtends, LockAcquireSeconds)
        prometheus.MustRegister(RoutedJobs, RoutingBackpressure)
        prometheus.MustRegister(BusPublished, BusDeliveries, BusFaults, BusSubscriptions, BusPublishSeconds)
        prometheus.MustRegister(PropagatedOut, PropagatedIn)
        prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
        prometheus.MustRegister(GossipMembers, GossipDropped, RPCRequests, JoinRequests)
    })
}
