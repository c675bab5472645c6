package node

import (
    "errors"
    "math"
    "time"
)

// Status is the lifecycle state of a cluster node.
type Status string

const (
    StatusStarting  Status = "Starting"
    StatusActive    Status = "Active"
    StatusDraining  Status = "Draining"
    StatusUnhealthy Status = "Unhealthy"
    StatusOffline   Status = "Offline"
)

// Role is the coordination role of a node.
type Role string

const (
    RoleWorker   Role = "Worker"
    RoleLeader   Role = "Leader"
    RoleObserver Role = "Observer"
)

// Capabilities describes what work a node accepts.
type Capabilities struct {
    MaxConcurrentJobs   int      `json:"maxConcurrentJobs"`
    MaxConcurrentTimers int      `json:"maxConcurrentTimers"`
    // SupportedJobTypes empty means the node takes any job type.
    SupportedJobTypes []string `json:"supportedJobTypes,omitempty"`
}

// Supports reports whether jobType may be placed on a node with these capabilities.
func (c Capabilities) Supports(jobType string) bool {
    if len(c.SupportedJobTypes) == 0 { return true }
    for _, t := range c.SupportedJobTypes {
        if t == jobType { return true }
    }
    return false
}

// Metrics is the load a node last reported.
type Metrics struct {
    CPUPercent    float64 `json:"cpuPercent"`
    MemoryPercent float64 `json:"memoryPercent"`
    ActiveJobs    int     `json:"activeJobs"`
    QueuedJobs    int     `json:"queuedJobs"`
}

// ClusterNode is one running engine instance as seen by a registry.
type ClusterNode struct {
    ID            string            `json:"id"`
    Name          string            `json:"name,omitempty"`
    HostName      string            `json:"hostName"`
    IPAddress     string            `json:"ipAddress,omitempty"`
    Port          int               `json:"port"`
    Status        Status            `json:"status"`
    Role          Role              `json:"role"`
    Capabilities  Capabilities      `json:"capabilities"`
    Metrics       Metrics           `json:"metrics"`
    RegisteredAt  time.Time         `json:"registeredAt"`
    LastHeartbeat time.Time         `json:"lastHeartbeat"`
    Version       string            `json:"version,omitempty"`
    Tags          map[string]string `json:"tags,omitempty"`
}

// Clone returns a deep copy so callers never share maps or slices with the registry.
func (n ClusterNode) Clone() ClusterNode {
    out := n
    if n.Tags != nil {
        out.Tags = make(map[string]string, len(n.Tags))
        for k, v := range n.Tags { out.Tags[k] = v }
    }
    if n.Capabilities.SupportedJobTypes != nil {
        out.Capabilities.SupportedJobTypes = append([]string(nil), n.Capabilities.SupportedJobTypes...)
    }
    return out
}

// HasTags reports whether the node's tags are a superset of required.
func (n ClusterNode) HasTags(required map[string]string) bool {
    for k, v := range required {
        if got, ok := n.Tags[k]; !ok || got != v { return false }
    }
    return true
}

// LoadRatio is ActiveJobs/MaxConcurrentJobs. A node without declared capacity
// reports +Inf so it is chosen only when nothing else is eligible.
func (n ClusterNode) LoadRatio() float64 {
    if n.Capabilities.MaxConcurrentJobs <= 0 { return math.Inf(1) }
    return float64(n.Metrics.ActiveJobs) / float64(n.Capabilities.MaxConcurrentJobs)
}

// RegistrationRequest is what a node submits to join the registry. ID is
// optional; a fresh one is assigned when empty.
type RegistrationRequest struct {
    ID           string            `json:"id,omitempty"`
    Name         string            `json:"name,omitempty"`
    HostName     string            `json:"hostName"`
    IPAddress    string            `json:"ipAddress,omitempty"`
    Port         int               `json:"port"`
    Capabilities Capabilities      `json:"capabilities"`
    Version      string            `json:"version,omitempty"`
    Tags         map[string]string `json:"tags,omitempty"`
}

func (r RegistrationRequest) Validate() error {
    if r.HostName == "" { return errors.New("node: empty host name") }
    if r.Port < 0 || r.Port > 65535 { return errors.New("node: port out of range") }
    if r.Capabilities.MaxConcurrentJobs < 0 || r.Capabilities.MaxConcurrentTimers < 0 {
        return errors.New("node: negative capacity")
    }
    return nil
}

// Health summarises a ClusterState.
type Health string

const (
    HealthHealthy   Health = "Healthy"
    HealthDegraded  Health = "Degraded"
    HealthUnhealthy Health = "Unhealthy"
    HealthCritical  Health = "Critical"
)

// ClusterState is the aggregate view derived from a registry.
type ClusterState struct {
    Nodes           []ClusterNode `json:"nodes"`
    LeaderNodeID    string        `json:"leaderNodeId,omitempty"`
    Health          Health        `json:"health"`
    TotalCapacity   int           `json:"totalCapacity"`
    CurrentLoad     int           `json:"currentLoad"`
    ActiveNodeCount int           `json:"activeNodeCount"`
    LoadPercent     float64       `json:"loadPercent"`
}
