package registry

import (
    "encoding/json"
    "sort"

    "github.com/amirimatin/go-flowcluster/pkg/events"
    "github.com/amirimatin/go-flowcluster/pkg/node"
)

// Apply folds a cluster event produced by another node into the local view.
// Nothing is re-emitted. It reports whether the view changed.
func (r *Registry) Apply(ev events.Event) bool {
    r.mu.Lock(); defer r.mu.Unlock()
    changed := r.applyLocked(ev)
    if changed { r.observeLocked() }
    return changed
}

func (r *Registry) applyLocked(ev events.Event) bool {
    switch e := ev.(type) {
    case *events.NodeJoined:
        if e.Node.ID == "" { return false }
        // a late join must not rewind a node already known to be live
        if cur, ok := r.nodes[e.Node.ID]; ok && cur.Status != node.StatusOffline { return false }
        n := e.Node.Clone()
        n.LastHeartbeat = r.opts.Now()
        r.nodes[n.ID] = &n
        return true
    case *events.NodeLeft:
        n, ok := r.nodes[e.NodeID]
        if !ok || n.Status == node.StatusOffline { return false }
        r.transitionLocked(n, node.StatusOffline)
        return true
    case *events.NodeStatusChanged:
        n, ok := r.nodes[e.NodeID]
        if !ok || n.Status == e.Current { return false }
        r.transitionLocked(n, e.Current)
        if e.Current == node.StatusActive { n.LastHeartbeat = r.opts.Now() }
        return true
    case *events.NodeHeartbeat:
        n, ok := r.nodes[e.NodeID]
        if !ok {
            if e.Node == nil || e.Node.ID != e.NodeID { return false }
            cp := e.Node.Clone()
            cp.Role = node.RoleWorker
            n = &cp
            r.nodes[n.ID] = n
        }
        n.LastHeartbeat = r.opts.Now()
        n.Metrics = e.Metrics
        if e.Status != "" && e.Status != n.Status { r.transitionLocked(n, e.Status) }
        // the sender's own role wins; a LeaderElected may predate this node
        if e.Node != nil && e.Node.Role != "" && e.Node.Role != n.Role { r.setRoleLocked(n, e.Node.Role) }
        return true
    case *events.LeaderElected:
        n, ok := r.nodes[e.LeaderID]
        if !ok {
            r.leaderID = e.LeaderID
            return true
        }
        r.setRoleLocked(n, node.RoleLeader)
        return true
    }
    return false
}

type snapshot struct {
    Version  int                `json:"version"`
    LeaderID string             `json:"leaderId,omitempty"`
    Nodes    []node.ClusterNode `json:"nodes"`
}

// Snapshot encodes the registry as stable JSON, for handing a joining node
// the current view.
func (r *Registry) Snapshot() ([]byte, error) {
    r.mu.RLock(); defer r.mu.RUnlock()
    arr := make([]node.ClusterNode, 0, len(r.nodes))
    for _, n := range r.nodes { arr = append(arr, n.Clone()) }
    sort.Slice(arr, func(i, j int) bool { return arr[i].ID < arr[j].ID })
    return json.Marshal(snapshot{Version: 1, LeaderID: r.leaderID, Nodes: arr})
}

// Restore replaces the registry contents with a Snapshot.
func (r *Registry) Restore(buf []byte) error {
    var snap snapshot
    if err := json.Unmarshal(buf, &snap); err != nil { return err }
    r.mu.Lock(); defer r.mu.Unlock()
    r.nodes = make(map[string]*node.ClusterNode, len(snap.Nodes))
    for _, n := range snap.Nodes {
        if n.ID == "" { continue }
        cp := n.Clone()
        r.nodes[n.ID] = &cp
    }
    r.leaderID = snap.LeaderID
    r.observeLocked()
    return nil
}
