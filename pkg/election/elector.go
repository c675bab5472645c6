// Package election elects one cluster leader by holding an Exclusive lease
// on a well-known lock resource and renewing it at half the lease period.
package election

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "github.com/sirupsen/logrus"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/events"
    "github.com/amirimatin/go-flowcluster/pkg/lock"
    "github.com/amirimatin/go-flowcluster/pkg/node"
    obsmetrics "github.com/amirimatin/go-flowcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-flowcluster/pkg/observability/tracing"
)

// The leader lease lives on this resource.
const (
    LeaderResourceID   = "cluster-leader"
    LeaderResourceType = "system"
)

var (
    ErrNoLeader        = errors.New("election: no leader")
    ErrStaleLeadership = errors.New("election: leader lease held by a node that is not active")
)

// Locker is the subset of lock.Manager the elector needs.
type Locker interface {
    Acquire(ctx context.Context, req lock.AcquireRequest) (*lock.DistributedLock, error)
    Extend(ctx context.Context, lockID, ownerID string, extension time.Duration) (bool, error)
    Release(ctx context.Context, lockID, ownerID string) error
    Holders(ctx context.Context, resourceID, resourceType string) ([]lock.DistributedLock, error)
}

// Registry is the subset of registry.Registry the elector needs.
type Registry interface {
    Get(id string) (node.ClusterNode, bool)
    SetRole(id string, role node.Role) error
    LeaderID() string
}

type Options struct {
    NodeID string
    // LeaseDuration is the leader lock duration. Defaults to 15s.
    LeaseDuration time.Duration
    // CampaignInterval paces Run between attempts. Defaults to LeaseDuration/3.
    CampaignInterval time.Duration
    // AutoRecovery keeps Run campaigning through up to MaxRecoveryAttempts
    // consecutive errors. Without it the first error ends Run.
    AutoRecovery        bool
    MaxRecoveryAttempts int

    Logger  logrus.FieldLogger
    Emitter events.Emitter
}

// Elector runs leader election for one node.
type Elector struct {
    opts  Options
    lock  Locker
    reg   Registry
    log   logrus.FieldLogger
    notes chan bool

    campaign sync.Mutex

    mu     sync.Mutex
    lease  *lock.DistributedLock
    cancel context.CancelFunc
    done   chan struct{}
}

func New(l Locker, reg Registry, opts Options) (*Elector, error) {
    if l == nil || reg == nil { return nil, errors.New("election: nil locker or registry") }
    if opts.NodeID == "" { return nil, errors.New("election: empty NodeID") }
    if opts.LeaseDuration <= 0 { opts.LeaseDuration = 15 * time.Second }
    if opts.CampaignInterval <= 0 { opts.CampaignInterval = opts.LeaseDuration / 3 }
    if opts.MaxRecoveryAttempts < 0 { opts.MaxRecoveryAttempts = 0 }
    if opts.Emitter == nil { opts.Emitter = events.Discard }
    return &Elector{
        opts:  opts,
        lock:  l,
        reg:   reg,
        log:   logutil.Component(opts.Logger, "election").WithField("node", opts.NodeID),
        notes: make(chan bool, 8),
    }, nil
}

// IsLeader reports whether this node currently holds the lease.
func (e *Elector) IsLeader() bool {
    e.mu.Lock(); defer e.mu.Unlock()
    return e.lease != nil
}

// LeaderCh reports true on becoming leader and false on losing it. Updates
// are dropped when the reader falls behind.
func (e *Elector) LeaderCh() <-chan bool { return e.notes }

func (e *Elector) notify(v bool) {
    select {
    case e.notes <- v:
    default:
    }
}

// Participate makes a single attempt at the leader lease. Losing to another
// holder is (false, nil); store failures are returned.
func (e *Elector) Participate(ctx context.Context) (bool, error) {
    e.campaign.Lock(); defer e.campaign.Unlock()
    if e.IsLeader() { return true, nil }

    ctx, end := tracing.StartSpan(ctx, "election.participate", "node", e.opts.NodeID)
    defer end()

    l, err := e.lock.Acquire(ctx, lock.AcquireRequest{
        ResourceID:   LeaderResourceID,
        ResourceType: LeaderResourceType,
        OwnerID:      e.opts.NodeID,
        OwnerNodeID:  e.opts.NodeID,
        Duration:     e.opts.LeaseDuration,
        Mode:         lock.Exclusive,
        MaxRetries:   lock.NoRetry,
    })
    if errors.Is(err, lock.ErrContentionTimeout) { return false, nil }
    if err != nil { return false, fmt.Errorf("election: participate: %w", err) }

    prev := e.reg.LeaderID()
    if prev == e.opts.NodeID { prev = "" }
    if err := e.reg.SetRole(e.opts.NodeID, node.RoleLeader); err != nil {
        e.log.WithError(err).Debug("leader not in local registry")
    }

    rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
    done := make(chan struct{})
    e.mu.Lock()
    e.lease, e.cancel, e.done = l, cancel, done
    e.mu.Unlock()
    go e.renew(rctx, *l, done)

    obsmetrics.IsLeader.Set(1)
    obsmetrics.LeaderChanges.WithLabelValues("elected").Inc()
    logutil.Infof(e.log, "elected leader (previous %q)", prev)
    e.opts.Emitter.Emit(ctx, &events.LeaderElected{LeaderID: e.opts.NodeID, PreviousLeaderID: prev})
    e.notify(true)
    return true, nil
}

// renew extends the lease every half period. A failed or refused extension
// demotes at once; the lease then runs out on its own.
func (e *Elector) renew(ctx context.Context, l lock.DistributedLock, done chan struct{}) {
    defer close(done)
    half := e.opts.LeaseDuration / 2
    t := time.NewTicker(half)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
        }
        ok, err := e.lock.Extend(ctx, l.ID, e.opts.NodeID, half)
        if ctx.Err() != nil { return }
        if err != nil || !ok {
            e.log.WithError(err).Warn("leader lease renewal failed, stepping down")
            e.demote(l.ID, "lost")
            return
        }
    }
}

// demote clears leadership if lockID is still the current lease.
func (e *Elector) demote(lockID, reason string) bool {
    e.mu.Lock()
    if e.lease == nil || e.lease.ID != lockID {
        e.mu.Unlock()
        return false
    }
    e.lease = nil
    e.mu.Unlock()

    if err := e.reg.SetRole(e.opts.NodeID, node.RoleWorker); err != nil {
        e.log.WithError(err).Debug("demoted node not in local registry")
    }
    obsmetrics.IsLeader.Set(0)
    obsmetrics.LeaderChanges.WithLabelValues(reason).Inc()
    e.notify(false)
    return true
}

// Resign stops renewal, demotes and releases the lease. It is a no-op when
// this node is not leader.
func (e *Elector) Resign(ctx context.Context) error {
    e.mu.Lock()
    l, cancel, done := e.lease, e.cancel, e.done
    e.cancel, e.done = nil, nil
    e.mu.Unlock()
    if cancel != nil {
        cancel()
        <-done
    }
    if l == nil { return nil }
    if !e.demote(l.ID, "resigned") { return nil }
    logutil.Infof(e.log, "resigned leadership")
    return e.lock.Release(ctx, l.ID, e.opts.NodeID)
}

// Stop resigns with a short bounded context.
func (e *Elector) Stop() error {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    return e.Resign(ctx)
}

// GetLeader returns the node holding the leader lease. When that node is not
// Active in the registry it returns the id together with ErrStaleLeadership.
func (e *Elector) GetLeader(ctx context.Context) (string, error) {
    hs, err := e.lock.Holders(ctx, LeaderResourceID, LeaderResourceType)
    if err != nil { return "", fmt.Errorf("election: get leader: %w", err) }
    if len(hs) == 0 { return "", ErrNoLeader }
    id := hs[0].OwnerNodeID
    if id == "" { id = hs[0].OwnerID }
    if n, ok := e.reg.Get(id); !ok || n.Status != node.StatusActive {
        obsmetrics.StaleLeaderships.Inc()
        return id, fmt.Errorf("%w: %s", ErrStaleLeadership, id)
    }
    return id, nil
}

// Run campaigns until ctx is done, then resigns. Errors end the loop unless
// AutoRecovery tolerates them.
func (e *Elector) Run(ctx context.Context) error {
    t := time.NewTicker(e.opts.CampaignInterval)
    defer t.Stop()
    failures := 0
    for {
        if !e.IsLeader() {
            _, err := e.Participate(ctx)
            switch {
            case err == nil:
                failures = 0
            case ctx.Err() != nil:
            default:
                failures++
                if !e.opts.AutoRecovery || failures > e.opts.MaxRecoveryAttempts {
                    _ = e.Stop()
                    return fmt.Errorf("election: giving up after %d consecutive failures: %w", failures, err)
                }
                logutil.Warnf(e.log, "campaign failed (%d/%d): %v", failures, e.opts.MaxRecoveryAttempts, err)
            }
        }
        select {
        case <-ctx.Done():
            return e.Stop()
        case <-t.C:
        }
    }
}
