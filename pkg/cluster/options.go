package cluster

import (
    "context"
    "errors"
    "io"
    "time"

    "github.com/sirupsen/logrus"

    "github.com/amirimatin/go-flowcluster/pkg/bus"
    "github.com/amirimatin/go-flowcluster/pkg/config"
    "github.com/amirimatin/go-flowcluster/pkg/discovery"
    "github.com/amirimatin/go-flowcluster/pkg/lock"
    "github.com/amirimatin/go-flowcluster/pkg/membership"
    "github.com/amirimatin/go-flowcluster/pkg/node"
    "github.com/amirimatin/go-flowcluster/pkg/propagation"
    "github.com/amirimatin/go-flowcluster/pkg/transport"
)

// LockNode is a replicated lock store that takes part in its own quorum,
// such as raftstore.Store. Nodes on a shared external store have none.
type LockNode interface {
    Start(ctx context.Context) error
    Stop() error
    IsLeader() bool
    Leader() (id, addr string, ok bool)
    Addr() string
    ApplyCommand(ctx context.Context, cmd []byte) ([]byte, error)
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
}

// Options carries the components a node is assembled from. Instances are
// typically produced by bootstrap.Build.
type Options struct {
    // Node is this process's identity; an empty ID is replaced by a uuid.
    Node         config.Node
    Coordination config.Coordination
    Logger       logrus.FieldLogger

    // Store holds locks and the leader lease (required).
    Store lock.Store

    // LockNode is set when Store is replicated by this process.
    LockNode LockNode

    // Membership and Discovery are optional; without them the node only
    // knows peers that reach it through Broadcaster.
    Membership  membership.Membership
    Discovery   discovery.Discovery
    // Broadcaster carries cluster events to the other nodes.
    Broadcaster propagation.Broadcaster
    DedupSize   int

    RPCServer transport.RPCServer
    RPCClient transport.RPCClient

    // Directory supplies externally registered bus handlers.
    Directory bus.HandlerDirectory

    // Load reports this node's current load with each heartbeat.
    Load func() node.Metrics

    // OnLeaderChange is called with true on election and false on loss.
    OnLeaderChange func(isLeader bool)

    // Closers are closed last on Stop, e.g. a lock store client.
    Closers []io.Closer
}

// Validate performs a minimal validation of Options without network
// activity.
func (o Options) Validate() error {
    if o.Store == nil { return errors.New("cluster: nil lock Store") }
    if o.Membership != nil && o.Node.ID == "" {
        return errors.New("cluster: membership requires an explicit node id")
    }
    return o.Coordination.Validate()
}
