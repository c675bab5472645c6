package events

import "github.com/amirimatin/go-flowcluster/pkg/node"

// Cluster event discriminators.
const (
    TypeNodeJoined        = "cluster.node.joined"
    TypeNodeLeft          = "cluster.node.left"
    TypeNodeStatusChanged = "cluster.node.status_changed"
    TypeNodeHeartbeat     = "cluster.node.heartbeat"
    TypeLeaderElected     = "cluster.leader.elected"
    TypeWorkDistributed   = "cluster.work.distributed"
    TypeCacheInvalidation = "cluster.cache.invalidated"
)

// ClusterEvent is an event that may cross node boundaries.
type ClusterEvent interface {
    Event
    Cluster() *ClusterEnvelope
}

// ClusterEnvelope adds the originating node to the common envelope.
type ClusterEnvelope struct {
    Envelope
    SourceNodeID string `json:"sourceNodeId,omitempty"`
}

func (c *ClusterEnvelope) Cluster() *ClusterEnvelope { return c }

type NodeJoined struct {
    ClusterEnvelope
    Node node.ClusterNode `json:"node"`
}

func (*NodeJoined) EventType() string { return TypeNodeJoined }

type NodeLeft struct {
    ClusterEnvelope
    NodeID string `json:"nodeId"`
    Reason string `json:"reason,omitempty"`
}

func (*NodeLeft) EventType() string { return TypeNodeLeft }

type NodeStatusChanged struct {
    ClusterEnvelope
    NodeID   string      `json:"nodeId"`
    Previous node.Status `json:"previous"`
    Current  node.Status `json:"current"`
}

func (*NodeStatusChanged) EventType() string { return TypeNodeStatusChanged }

// NodeHeartbeat keeps remote registries fresh with liveness and load. Node,
// when present, lets a registry that missed NodeJoined learn the sender.
type NodeHeartbeat struct {
    ClusterEnvelope
    NodeID  string            `json:"nodeId"`
    Status  node.Status       `json:"status"`
    Metrics node.Metrics      `json:"metrics"`
    Node    *node.ClusterNode `json:"node,omitempty"`
}

func (*NodeHeartbeat) EventType() string { return TypeNodeHeartbeat }

type LeaderElected struct {
    ClusterEnvelope
    LeaderID         string `json:"leaderId"`
    PreviousLeaderID string `json:"previousLeaderId,omitempty"`
}

func (*LeaderElected) EventType() string { return TypeLeaderElected }

type WorkDistributed struct {
    ClusterEnvelope
    JobID         string   `json:"jobId"`
    JobType       string   `json:"jobType"`
    Strategy      string   `json:"strategy"`
    TargetNodeIDs []string `json:"targetNodeIds"`
}

func (*WorkDistributed) EventType() string { return TypeWorkDistributed }

type CacheInvalidation struct {
    ClusterEnvelope
    CacheName string   `json:"cacheName"`
    Keys      []string `json:"keys,omitempty"`
}

func (*CacheInvalidation) EventType() string { return TypeCacheInvalidation }
