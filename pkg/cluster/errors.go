package cluster

import "errors"

var (
    ErrNotStarted  = errors.New("cluster: not started")
    ErrNotLeader   = errors.New("cluster: not lock store leader")
    ErrNoLockNode  = errors.New("cluster: lock store is not replicated")
    ErrUnreachable = errors.New("cluster: unreachable")
    ErrNoRPCClient = errors.New("cluster: no RPC client configured")
)
