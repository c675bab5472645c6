// Package raftstore replicates the lock table through HashiCorp Raft. Writes
// go through the leader's log; followers forward them when a ForwardFunc is
// configured. Reads are served from the local replica.
package raftstore

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"
    "github.com/sirupsen/logrus"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/lock"
)

var (
    ErrNotStarted = errors.New("raftstore: not started")
    ErrNotLeader  = errors.New("raftstore: not leader")
)

// Store implements lock.Store on a Raft node.
type Store struct {
    opts Options
    log  logrus.FieldLogger
    fsm  *lockFSM

    mu    sync.RWMutex
    r     *raft.Raft
    addr  raft.ServerAddress
    trans raft.Transport
    lb    raft.LoopbackTransport
    obs   *raft.Observer
    obsCh chan raft.Observation
    lch   chan string
}

func New(opts Options) (*Store, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("raftstore: empty NodeID") }
    if opts.ApplyTimeout <= 0 { opts.ApplyTimeout = 5 * time.Second }
    if opts.LogOutput == nil { opts.LogOutput = os.Stderr }
    return &Store{
        opts: opts,
        log:  logutil.Component(opts.Logger, "raftstore"),
        fsm:  newLockFSM(),
        lch:  make(chan string, 16),
    }, nil
}

func (s *Store) node() *raft.Raft {
    s.mu.RLock(); defer s.mu.RUnlock()
    return s.r
}

func (s *Store) Start(ctx context.Context) error {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.r != nil { return nil }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(s.opts.NodeID)
    cfg.LogOutput = s.opts.LogOutput
    if s.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = s.opts.HeartbeatTimeout
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
            if cfg.LeaderLeaseTimeout == 0 { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
        }
    }
    if s.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = s.opts.ElectionTimeout }
    if s.opts.CommitTimeout > 0 { cfg.CommitTimeout = s.opts.CommitTimeout }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        addr   raft.ServerAddress
        trans  raft.Transport
        err    error
    )
    if s.opts.DataDir != "" {
        if s.opts.SnapshotsRetained == 0 { s.opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(s.opts.DataDir, 0o755); err != nil { return err }
        bstore, err := raftboltdb.NewBoltStore(filepath.Join(s.opts.DataDir, "locks.db"))
        if err != nil { return err }
        logs, stable = bstore, bstore
        snaps, err = raft.NewFileSnapshotStore(s.opts.DataDir, s.opts.SnapshotsRetained, s.opts.LogOutput)
        if err != nil { return err }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }
    if s.opts.BindAddr != "" {
        nt, err := raft.NewTCPTransport(s.opts.BindAddr, nil, 3, time.Second, s.opts.LogOutput)
        if err != nil { return err }
        trans, addr = nt, nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(s.opts.NodeID))
    }

    r, err := raft.NewRaft(cfg, s.fsm, logs, stable, snaps, trans)
    if err != nil { return err }
    s.r, s.addr, s.trans = r, addr, trans
    if lb, ok := trans.(raft.LoopbackTransport); ok { s.lb = lb }

    obsCh := make(chan raft.Observation, 32)
    s.obsCh = obsCh
    s.obs = raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    })
    r.RegisterObserver(s.obs)
    go func() {
        for o := range obsCh {
            lo := o.Data.(raft.LeaderObservation)
            s.log.WithField("leader", string(lo.LeaderID)).Debug("raft leader observed")
            s.emitLeader(string(lo.LeaderID))
        }
    }()

    if s.opts.Bootstrap {
        cfgs := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
        if err := r.BootstrapCluster(cfgs).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
            return err
        }
    }

    go func() {
        <-ctx.Done()
        _ = s.Stop()
    }()
    return nil
}

func (s *Store) Stop() error {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.r == nil { return nil }
    s.r.DeregisterObserver(s.obs)
    if err := s.r.Shutdown().Error(); err != nil { return err }
    close(s.obsCh)
    s.r = nil
    return nil
}

func (s *Store) IsLeader() bool {
    r := s.node()
    return r != nil && r.State() == raft.Leader
}

func (s *Store) Leader() (id string, addr string, ok bool) {
    r := s.node()
    if r == nil { return "", "", false }
    a, sid := r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (s *Store) Term() uint64 {
    r := s.node()
    if r == nil { return 0 }
    if v := r.Stats()["current_term"]; v != "" {
        if u, err := strconv.ParseUint(v, 10, 64); err == nil { return u }
    }
    return 0
}

// Addr is the raft transport address peers should use for AddVoter.
func (s *Store) Addr() string {
    s.mu.RLock(); defer s.mu.RUnlock()
    return string(s.addr)
}

// LeaderCh carries the id of each observed leader; empty means none.
// Updates are dropped when the reader falls behind.
func (s *Store) LeaderCh() <-chan string { return s.lch }

func (s *Store) emitLeader(id string) {
    select {
    case s.lch <- id:
    default:
    }
}

// AddVoter adds a voting server, replacing a stale entry with a different address.
func (s *Store) AddVoter(id, addr string, timeout time.Duration) error {
    r := s.node()
    if r == nil { return ErrNotStarted }
    cfg := r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) != id { continue }
            if string(srv.Address) == addr { return nil }
            if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil { return err }
            break
        }
    }
    return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

func (s *Store) RemoveServer(id string, timeout time.Duration) error {
    r := s.node()
    if r == nil { return ErrNotStarted }
    return r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

// ApplyCommand commits an encoded command on the leader and returns the
// encoded result. A follower forwards to the leader when it can, otherwise
// it fails with ErrNotLeader. RPC handlers call this for forwarded writes.
func (s *Store) ApplyCommand(ctx context.Context, data []byte) ([]byte, error) {
    r := s.node()
    if r == nil { return nil, ErrNotStarted }
    if r.State() != raft.Leader {
        leader, _, ok := s.Leader()
        if !ok || s.opts.Forward == nil || leader == s.opts.NodeID {
            return nil, ErrNotLeader
        }
        return s.opts.Forward(ctx, leader, data)
    }
    timeout := s.opts.ApplyTimeout
    if dl, ok := ctx.Deadline(); ok {
        if rem := time.Until(dl); rem < timeout { timeout = rem }
    }
    f := r.Apply(data, timeout)
    if err := f.Error(); err != nil {
        if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
            return nil, fmt.Errorf("%w: %v", ErrNotLeader, err)
        }
        return nil, err
    }
    res, _ := f.Response().(result)
    return json.Marshal(res)
}

func (s *Store) apply(ctx context.Context, cmd command) (result, error) {
    data, err := json.Marshal(cmd)
    if err != nil { return result{}, err }
    out, err := s.ApplyCommand(ctx, data)
    if err != nil { return result{}, err }
    var res result
    if err := json.Unmarshal(out, &res); err != nil { return result{}, err }
    if res.Err != "" { return result{}, errors.New(res.Err) }
    return res, nil
}

func (s *Store) TryAcquire(ctx context.Context, c lock.DistributedLock, now time.Time) (bool, error) {
    res, err := s.apply(ctx, command{Op: opAcquire, Lock: &c, Now: now})
    return res.OK, err
}

func (s *Store) Extend(ctx context.Context, lockID, ownerID string, ext time.Duration, now time.Time) (lock.DistributedLock, bool, error) {
    res, err := s.apply(ctx, command{Op: opExtend, LockID: lockID, OwnerID: ownerID, Extension: ext, Now: now})
    if err != nil || !res.OK || res.Lock == nil { return lock.DistributedLock{}, false, err }
    return *res.Lock, true, nil
}

func (s *Store) Release(ctx context.Context, lockID, ownerID string) error {
    _, err := s.apply(ctx, command{Op: opRelease, LockID: lockID, OwnerID: ownerID, Now: time.Now()})
    return err
}

// Holders reads the local replica, which may trail the leader slightly.
func (s *Store) Holders(_ context.Context, res lock.Resource, now time.Time) ([]lock.DistributedLock, error) {
    if s.node() == nil { return nil, ErrNotStarted }
    return s.fsm.holders(res, now), nil
}

var _ lock.Store = (*Store)(nil)
