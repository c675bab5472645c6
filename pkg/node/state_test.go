package node

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func active(id string, capacity, load int) ClusterNode {
    return ClusterNode{ID: id, Status: StatusActive, Capabilities: Capabilities{MaxConcurrentJobs: capacity}, Metrics: Metrics{ActiveJobs: load}}
}

func TestSummarize_Health(t *testing.T) {
    cases := []struct {
        name      string
        nodes     []ClusterNode
        requireHA bool
        want      Health
    }{
        {"no active nodes", []ClusterNode{{ID: "a", Status: StatusUnhealthy}}, false, HealthCritical},
        {"light load", []ClusterNode{active("a", 10, 1), active("b", 10, 2)}, false, HealthHealthy},
        {"degraded at 90", []ClusterNode{active("a", 10, 9), active("b", 10, 9)}, false, HealthDegraded},
        {"saturated", []ClusterNode{active("a", 10, 10)}, false, HealthUnhealthy},
        {"single node with HA", []ClusterNode{active("a", 10, 0)}, true, HealthUnhealthy},
        {"single node without HA", []ClusterNode{active("a", 10, 0)}, false, HealthHealthy},
    }
    for _, c := range cases {
        t.Run(c.name, func(t *testing.T) {
            assert.Equal(t, c.want, Summarize(c.nodes, "", c.requireHA).Health)
        })
    }
}

func TestSummarize_CountsOnlyActive(t *testing.T) {
    nodes := []ClusterNode{
        active("b", 10, 4),
        {ID: "a", Status: StatusDraining, Capabilities: Capabilities{MaxConcurrentJobs: 50}, Metrics: Metrics{ActiveJobs: 50}},
        active("c", 10, 1),
    }
    st := Summarize(nodes, "b", false)
    assert.Equal(t, 20, st.TotalCapacity)
    assert.Equal(t, 5, st.CurrentLoad)
    assert.Equal(t, 2, st.ActiveNodeCount)
    assert.InDelta(t, 25.0, st.LoadPercent, 0.001)
    assert.Equal(t, "b", st.LeaderNodeID)
    require.Len(t, st.Nodes, 3)
    assert.Equal(t, "a", st.Nodes[0].ID)
}

func TestClusterNode_Eligibility(t *testing.T) {
    n := ClusterNode{Tags: map[string]string{"zone": "eu", "tier": "gold"}, Capabilities: Capabilities{SupportedJobTypes: []string{"email"}}}
    assert.True(t, n.HasTags(map[string]string{"zone": "eu"}))
    assert.False(t, n.HasTags(map[string]string{"zone": "us"}))
    assert.True(t, n.Capabilities.Supports("email"))
    assert.False(t, n.Capabilities.Supports("pdf"))
    assert.True(t, Capabilities{}.Supports("anything"))

    c := n.Clone()
    c.Tags["zone"] = "us"
    assert.Equal(t, "eu", n.Tags["zone"])
}
