// Package membership abstracts peer discovery and failure detection. The
// coordination core uses it to find peers' management and lock store
// addresses and as one of the event broadcast channels.
package membership

import (
    "context"
    "time"
)

// Well-known metadata keys gossiped with every member.
const (
    MetaRPCAddr  = "rpc"
    MetaRaftAddr = "raft"
    MetaVersion  = "version"
)

// MemberInfo describes a peer as seen by the gossip layer. Meta carries the
// addresses other components dial.
type MemberInfo struct {
    ID   string            `json:"id"`
    Addr string            `json:"addr"`
    Meta map[string]string `json:"meta,omitempty"`
}

type EventType string

const (
    EventJoin   EventType = "join"
    EventLeave  EventType = "leave"
    EventUpdate EventType = "update"
)

// Event is a translated membership change notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the gossip/failure-detection layer.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) (int, error)
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    Leave(timeout time.Duration) error
    Stop() error
}

// Peers returns every member except self.
func Peers(m Membership) []MemberInfo {
    self := m.Local().ID
    var out []MemberInfo
    for _, mi := range m.Members() {
        if mi.ID != self { out = append(out, mi) }
    }
    return out
}

// PeerAddrs returns Meta[key] of every other member that advertises it.
func PeerAddrs(m Membership, key string) []string {
    var out []string
    for _, mi := range Peers(m) {
        if a := mi.Meta[key]; a != "" { out = append(out, a) }
    }
    return out
}

// MetaOf returns Meta[key] of member id, or "".
func MetaOf(m Membership, id, key string) string {
    for _, mi := range m.Members() {
        if mi.ID == id { return mi.Meta[key] }
    }
    return ""
}
