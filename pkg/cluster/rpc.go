package cluster

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "time"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/membership"
    obsmetrics "github.com/amirimatin/go-flowcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-flowcluster/pkg/observability/tracing"
    "github.com/amirimatin/go-flowcluster/pkg/transport"
)

const voterTimeout = 3 * time.Second

func (c *Cluster) handlers() transport.Handlers {
    h := transport.Handlers{
        Status: func(ctx context.Context) ([]byte, error) {
            st, err := c.Status(ctx)
            if err != nil { return nil, err }
            return json.Marshal(st)
        },
        State:   func(context.Context) ([]byte, error) { return json.Marshal(c.reg.ClusterState()) },
        Route:   c.route.RouteJob,
        Deliver: c.prop.Deliver,
    }
    if ln := c.opts.LockNode; ln != nil {
        h.Apply = ln.ApplyCommand
        h.Join = c.handleJoin
        h.Leave = c.handleLeave
    }
    return h
}

// lookupRPCAddr returns the management address member id gossips.
func (c *Cluster) lookupRPCAddr(id string) string {
    if c.opts.Membership == nil || id == "" { return "" }
    return membership.MetaOf(c.opts.Membership, id, membership.MetaRPCAddr)
}

func (c *Cluster) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    _, end := tracing.StartSpan(ctx, "cluster.handleJoin", "id", req.ID)
    defer end()
    ln := c.opts.LockNode
    if !ln.IsLeader() {
        var hint string
        if id, _, ok := ln.Leader(); ok { hint = c.lookupRPCAddr(id) }
        obsmetrics.JoinRequests.WithLabelValues("rejected").Inc()
        logutil.Debugf(c.log, "join rejected (not leader): id=%s", req.ID)
        return transport.JoinResponse{Leader: hint, Error: "not leader"}, nil
    }
    if req.ID == "" || req.RaftAddr == "" {
        obsmetrics.JoinRequests.WithLabelValues("invalid").Inc()
        return transport.JoinResponse{Error: "id and raftAddr are required"}, nil
    }
    if err := ln.AddVoter(req.ID, req.RaftAddr, voterTimeout); err != nil {
        obsmetrics.JoinRequests.WithLabelValues("error").Inc()
        logutil.Errorf(c.log, "add voter failed: id=%s addr=%s err=%v", req.ID, req.RaftAddr, err)
        return transport.JoinResponse{Error: err.Error()}, nil
    }
    obsmetrics.JoinRequests.WithLabelValues("accepted").Inc()
    logutil.Infof(c.log, "join accepted: id=%s addr=%s", req.ID, req.RaftAddr)
    return transport.JoinResponse{Accepted: true}, nil
}

func (c *Cluster) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    _, end := tracing.StartSpan(ctx, "cluster.handleLeave", "id", req.ID)
    defer end()
    if !c.opts.LockNode.IsLeader() {
        return transport.LeaveResponse{Error: "not leader"}, nil
    }
    if err := c.opts.LockNode.RemoveServer(req.ID, voterTimeout); err != nil {
        return transport.LeaveResponse{Error: err.Error()}, nil
    }
    logutil.Infof(c.log, "leave accepted: id=%s", req.ID)
    return transport.LeaveResponse{Accepted: true}, nil
}

// removeVoter drops a departed member from the lock store quorum; only the
// lock store leader acts.
func (c *Cluster) removeVoter(id string) {
    ln := c.opts.LockNode
    if ln == nil || !ln.IsLeader() { return }
    if err := ln.RemoveServer(id, voterTimeout); err != nil {
        logutil.Warnf(c.log, "remove voter failed: id=%s err=%v", id, err)
        return
    }
    logutil.Infof(c.log, "removed voter: id=%s", id)
}

// Join asks the lock store leader to add this node as a voter. seed is the
// management address to ask first; empty means every gossip peer. A
// non-leader answer that names the leader is followed once.
func (c *Cluster) Join(ctx context.Context, seed string) error {
    ln := c.opts.LockNode
    if ln == nil { return ErrNoLockNode }
    cli := c.opts.RPCClient
    if cli == nil { return ErrNoRPCClient }
    var targets []string
    if seed != "" {
        targets = []string{seed}
    } else if c.opts.Membership != nil {
        targets = membership.PeerAddrs(c.opts.Membership, membership.MetaRPCAddr)
    }
    if len(targets) == 0 { return fmt.Errorf("%w: no peers to join through", ErrUnreachable) }

    req := transport.JoinRequest{ID: c.id, RaftAddr: ln.Addr()}
    var errs []error
    for _, addr := range targets {
        resp, err := cli.PostJoin(ctx, addr, req)
        if err == nil && !resp.Accepted && resp.Leader != "" && resp.Leader != addr {
            addr = resp.Leader
            resp, err = cli.PostJoin(ctx, addr, req)
        }
        switch {
        case err != nil:
            errs = append(errs, fmt.Errorf("%s: %w", addr, err))
        case resp.Accepted:
            return nil
        case resp.Error == "not leader":
            errs = append(errs, fmt.Errorf("%s: %w", addr, ErrNotLeader))
        default:
            errs = append(errs, fmt.Errorf("%s: %s", addr, resp.Error))
        }
    }
    return fmt.Errorf("cluster: join: %w", errors.Join(errs...))
}

// joinLockStore retries Join until the lock store sees a leader, which is
// immediate for a bootstrapped or restarted voter.
func (c *Cluster) joinLockStore(ctx context.Context) {
    ln := c.opts.LockNode
    t := time.NewTicker(time.Second)
    defer t.Stop()
    for {
        if _, _, ok := ln.Leader(); ok { return }
        err := c.Join(ctx, "")
        if err == nil {
            logutil.Infof(c.log, "joined lock store quorum")
            return
        }
        c.log.WithError(err).Debug("lock store join pending")
        select {
        case <-ctx.Done():
            return
        case <-t.C:
        }
    }
}
