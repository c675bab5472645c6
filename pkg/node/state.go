package node

import "sort"

// Load thresholds, in percent of total Active capacity.
const (
    DegradedLoadPercent  = 90.0
    UnhealthyLoadPercent = 100.0
)

// Summarize aggregates nodes into a ClusterState. Capacity and load only count
// Active nodes. requireHA marks a single Active node as Unhealthy.
func Summarize(nodes []ClusterNode, leaderID string, requireHA bool) ClusterState {
    st := ClusterState{LeaderNodeID: leaderID, Nodes: make([]ClusterNode, 0, len(nodes))}
    for _, n := range nodes {
        st.Nodes = append(st.Nodes, n.Clone())
        if n.Status != StatusActive { continue }
        st.ActiveNodeCount++
        st.TotalCapacity += n.Capabilities.MaxConcurrentJobs
        st.CurrentLoad += n.Metrics.ActiveJobs
    }
    sort.Slice(st.Nodes, func(i, j int) bool { return st.Nodes[i].ID < st.Nodes[j].ID })

    switch {
    case st.TotalCapacity > 0:
        st.LoadPercent = float64(st.CurrentLoad) * 100 / float64(st.TotalCapacity)
    case st.CurrentLoad > 0:
        st.LoadPercent = UnhealthyLoadPercent
    }

    switch {
    case st.ActiveNodeCount == 0:
        st.Health = HealthCritical
    case st.LoadPercent >= UnhealthyLoadPercent, st.ActiveNodeCount == 1 && requireHA:
        st.Health = HealthUnhealthy
    case st.LoadPercent >= DegradedLoadPercent:
        st.Health = HealthDegraded
    default:
        st.Health = HealthHealthy
    }
    return st
}
