package cluster

import (
    "github.com/amirimatin/go-flowcluster/pkg/membership"
    "github.com/amirimatin/go-flowcluster/pkg/node"
)

// ClusterStatus is a JSON-serializable snapshot of one node's view, served
// on /status and printed by flowctl.
type ClusterStatus struct {
    NodeID string `json:"nodeId"`
    // Healthy means a valid leader is known and this node is Active.
    Healthy  bool   `json:"healthy"`
    LeaderID string `json:"leaderId,omitempty"`
    IsLeader bool   `json:"isLeader"`

    // LockLeaderID is the replicated lock store leader, when there is one.
    LockLeaderID string                  `json:"lockLeaderId,omitempty"`
    Members      []membership.MemberInfo `json:"members,omitempty"`
    // GossipHealth is memberlist's awareness score; 0 is healthy.
    GossipHealth int               `json:"gossipHealth"`
    State        node.ClusterState `json:"state"`
    // Warnings are non-fatal observations such as a stale leader.
    Warnings []string `json:"warnings,omitempty"`
}
