// Package routing places units of work on Active nodes from the registry's
// membership view.
package routing

import (
    "context"
    "errors"
    "fmt"
    "math/rand/v2"
    "sort"
    "sync"

    lru "github.com/hashicorp/golang-lru"
    "github.com/sirupsen/logrus"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/events"
    "github.com/amirimatin/go-flowcluster/pkg/node"
    obsmetrics "github.com/amirimatin/go-flowcluster/pkg/observability/metrics"
)

type Strategy string

const (
    RoundRobin  Strategy = "RoundRobin"
    LeastLoaded Strategy = "LeastLoaded"
    Random      Strategy = "Random"
    Affinity    Strategy = "Affinity"
    Broadcast   Strategy = "Broadcast"
)

// CorrelationKey is the JobData entry Affinity routing keys on.
const CorrelationKey = "correlationKey"

// ErrNoEligibleNode is backpressure: defer or requeue the job, never drop it.
var ErrNoEligibleNode = errors.New("routing: no eligible node")

// JobRoutingRequest describes the work to place.
type JobRoutingRequest struct {
    JobID           string            `json:"jobId"`
    JobType         string            `json:"jobType"`
    Priority        int               `json:"priority,omitempty"`
    PreferredNodeID string            `json:"preferredNodeId,omitempty"`
    RequiredTags    map[string]string `json:"requiredTags,omitempty"`
    // Strategy defaults to LeastLoaded.
    Strategy Strategy       `json:"strategy,omitempty"`
    JobData  map[string]any `json:"jobData,omitempty"`
}

// Decision is where a job goes. Broadcast decisions list every eligible
// node in NodeIDs and leave NodeID empty.
type Decision struct {
    NodeID    string   `json:"nodeId,omitempty"`
    NodeIDs   []string `json:"nodeIds"`
    Strategy  Strategy `json:"strategy"`
    Broadcast bool     `json:"broadcast,omitempty"`
    Preferred bool     `json:"preferred,omitempty"`
}

// NodeSource supplies the current Active membership.
type NodeSource interface {
    ActiveNodes() []node.ClusterNode
}

type Options struct {
    // AffinitySize bounds the correlation-key memory. Defaults to 4096.
    AffinitySize int
    Logger       logrus.FieldLogger
    Emitter      events.Emitter
}

type Router struct {
    src      NodeSource
    log      logrus.FieldLogger
    emit     events.Emitter
    affinity *lru.Cache

    mu      sync.Mutex
    cursors map[string]uint64
}

func New(src NodeSource, opts Options) (*Router, error) {
    if src == nil { return nil, errors.New("routing: nil node source") }
    if opts.AffinitySize <= 0 { opts.AffinitySize = 4096 }
    if opts.Emitter == nil { opts.Emitter = events.Discard }
    cache, err := lru.New(opts.AffinitySize)
    if err != nil { return nil, fmt.Errorf("routing: affinity cache: %w", err) }
    return &Router{
        src:      src,
        log:      logutil.Component(opts.Logger, "routing"),
        emit:     opts.Emitter,
        affinity: cache,
        cursors:  make(map[string]uint64),
    }, nil
}

// Eligible returns the Active nodes that accept req's job type and carry
// its required tags, ordered by id.
func (r *Router) Eligible(req JobRoutingRequest) []node.ClusterNode {
    var out []node.ClusterNode
    for _, n := range r.src.ActiveNodes() {
        if n.Status != node.StatusActive { continue }
        if !n.Capabilities.Supports(req.JobType) || !n.HasTags(req.RequiredTags) { continue }
        out = append(out, n)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

// RouteJob picks a target for req.
func (r *Router) RouteJob(ctx context.Context, req JobRoutingRequest) (Decision, error) {
    strategy := req.Strategy
    if strategy == "" { strategy = LeastLoaded }

    eligible := r.Eligible(req)
    if len(eligible) == 0 {
        obsmetrics.RoutingBackpressure.Inc()
        return Decision{Strategy: strategy}, fmt.Errorf("%w: job %s type %q", ErrNoEligibleNode, req.JobID, req.JobType)
    }

    d := Decision{Strategy: strategy}
    if req.PreferredNodeID != "" && contains(eligible, req.PreferredNodeID) {
        d.NodeID, d.Preferred = req.PreferredNodeID, true
    } else {
        switch strategy {
        case RoundRobin:
            d.NodeID = r.roundRobin(req.JobType, eligible)
        case LeastLoaded:
            d.NodeID = leastLoaded(eligible)
        case Random:
            d.NodeID = eligible[rand.IntN(len(eligible))].ID
        case Affinity:
            d.NodeID = r.affine(req, eligible)
        case Broadcast:
            d.Broadcast = true
            for _, n := range eligible { d.NodeIDs = append(d.NodeIDs, n.ID) }
        default:
            return Decision{}, fmt.Errorf("routing: unknown strategy %q", strategy)
        }
    }
    if !d.Broadcast {
        d.NodeIDs = []string{d.NodeID}
        if key := correlationKey(req); key != "" { r.affinity.Add(key, d.NodeID) }
    }

    obsmetrics.RoutedJobs.WithLabelValues(string(strategy)).Inc()
    r.log.WithFields(logrus.Fields{"job": req.JobID, "type": req.JobType, "strategy": strategy, "targets": d.NodeIDs}).Debug("job routed")
    r.emit.Emit(ctx, &events.WorkDistributed{JobID: req.JobID, JobType: req.JobType, Strategy: string(strategy), TargetNodeIDs: append([]string(nil), d.NodeIDs...)})
    return d, nil
}

func (r *Router) roundRobin(jobType string, eligible []node.ClusterNode) string {
    r.mu.Lock(); defer r.mu.Unlock()
    c := r.cursors[jobType]
    r.cursors[jobType] = c + 1
    return eligible[c%uint64(len(eligible))].ID
}

// leastLoaded expects eligible sorted by id so ties go to the lowest id.
func leastLoaded(eligible []node.ClusterNode) string {
    best := eligible[0]
    for _, n := range eligible[1:] {
        if n.LoadRatio() < best.LoadRatio() { best = n }
    }
    return best.ID
}

func (r *Router) affine(req JobRoutingRequest, eligible []node.ClusterNode) string {
    if key := correlationKey(req); key != "" {
        if v, ok := r.affinity.Get(key); ok {
            if id, _ := v.(string); contains(eligible, id) { return id }
        }
    }
    return leastLoaded(eligible)
}

func correlationKey(req JobRoutingRequest) string {
    v, ok := req.JobData[CorrelationKey]
    if !ok || v == nil { return "" }
    if s, ok := v.(string); ok { return s }
    return fmt.Sprint(v)
}

func contains(nodes []node.ClusterNode, id string) bool {
    for _, n := range nodes {
        if n.ID == id { return true }
    }
    return false
}
