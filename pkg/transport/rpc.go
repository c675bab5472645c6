package transport

import (
    "context"
    "errors"
    "fmt"

    "github.com/amirimatin/go-flowcluster/pkg/routing"
)

// StatusFunc returns a JSON-encoded node status for /status. Using []byte
// avoids import cycles on cluster types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// StateFunc returns the JSON-encoded ClusterState for /state.
type StateFunc func(ctx context.Context) ([]byte, error)

// RouteFunc places a job using the serving node's router.
type RouteFunc func(ctx context.Context, req routing.JobRoutingRequest) (routing.Decision, error)

// RouteResponse carries a routing decision or the reason there is none.
type RouteResponse struct {
    Decision routing.Decision `json:"decision"`
    // Backpressure is set when no node was eligible; callers should requeue.
    Backpressure bool   `json:"backpressure,omitempty"`
    Error        string `json:"error,omitempty"`
}

// RouteError turns the error carried in resp back into an error value,
// preserving routing.ErrNoEligibleNode for callers that requeue on it.
func RouteError(resp RouteResponse) error {
    switch {
    case resp.Error == "":
        return nil
    case resp.Backpressure:
        return fmt.Errorf("%w: %s", routing.ErrNoEligibleNode, resp.Error)
    default:
        return errors.New(resp.Error)
    }
}

// DeliverRequest carries one encoded cluster event.
type DeliverRequest struct {
    Payload []byte `json:"payload"`
}

type DeliverResponse struct {
    Error string `json:"error,omitempty"`
}

// DeliverFunc hands an inbound event payload to the propagator.
type DeliverFunc func(ctx context.Context, payload []byte) error

// ApplyRequest forwards an encoded lock command to the lock store leader.
type ApplyRequest struct {
    Command []byte `json:"command"`
}

type ApplyResponse struct {
    Data  []byte `json:"data,omitempty"`
    Error string `json:"error,omitempty"`
}

// ApplyFunc applies a forwarded lock command (leader-only).
type ApplyFunc func(ctx context.Context, cmd []byte) ([]byte, error)

// JoinRequest asks the lock store leader to add a voter.
type JoinRequest struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raftAddr"`
}

// JoinResponse indicates acceptance and optionally the leader id or error.
type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// JoinFunc handles node join requests (leader-only).
type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest requests removal of a voter.
type LeaveRequest struct {
    ID string `json:"id"`
}

type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

// LeaveFunc handles node leave requests (leader-only).
type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// Handlers are the callbacks a server dispatches to. Nil handlers answer
// "not supported".
type Handlers struct {
    Status  StatusFunc
    State   StateFunc
    Route   RouteFunc
    Deliver DeliverFunc
    Apply   ApplyFunc
    Join    JoinFunc
    Leave   LeaveFunc
}

// RPCServer exposes the management and coordination endpoints for
// intra-cluster calls and tooling.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs intra-cluster calls to other nodes using the chosen
// protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    GetState(ctx context.Context, addr string) ([]byte, error)
    PostRoute(ctx context.Context, addr string, req routing.JobRoutingRequest) (RouteResponse, error)
    PostDeliver(ctx context.Context, addr string, req DeliverRequest) error
    PostApply(ctx context.Context, addr string, req ApplyRequest) ([]byte, error)
    PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
}
