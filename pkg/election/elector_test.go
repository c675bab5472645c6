package election_test

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/election"
    "github.com/amirimatin/go-flowcluster/pkg/events"
    "github.com/amirimatin/go-flowcluster/pkg/lock"
    "github.com/amirimatin/go-flowcluster/pkg/lock/memstore"
    "github.com/amirimatin/go-flowcluster/pkg/node"
    "github.com/amirimatin/go-flowcluster/pkg/registry"
)

type elected struct {
    mu  sync.Mutex
    evs []*events.LeaderElected
}

func (r *elected) Emit(_ context.Context, ev events.ClusterEvent) {
    if le, ok := ev.(*events.LeaderElected); ok {
        r.mu.Lock(); r.evs = append(r.evs, le); r.mu.Unlock()
    }
}

func (r *elected) last() *events.LeaderElected {
    r.mu.Lock(); defer r.mu.Unlock()
    if len(r.evs) == 0 { return nil }
    return r.evs[len(r.evs)-1]
}

type fixture struct {
    mgr *lock.Manager
    reg *registry.Registry
    rec *elected
}

func newFixture(t *testing.T, ids ...string) *fixture {
    t.Helper()
    mgr, err := lock.NewManager(memstore.New(), lock.Options{Logger: logutil.Discard()})
    require.NoError(t, err)
    reg := registry.New(registry.Options{Logger: logutil.Discard()})
    ctx := context.Background()
    for _, id := range ids {
        _, err := reg.Register(ctx, node.RegistrationRequest{ID: id, HostName: id, Port: 1})
        require.NoError(t, err)
        require.NoError(t, reg.Heartbeat(ctx, id))
    }
    return &fixture{mgr: mgr, reg: reg, rec: &elected{}}
}

func (f *fixture) elector(t *testing.T, id string, l election.Locker, lease time.Duration) *election.Elector {
    t.Helper()
    if l == nil { l = f.mgr }
    e, err := election.New(l, f.reg, election.Options{NodeID: id, LeaseDuration: lease, Logger: logutil.Discard(), Emitter: f.rec})
    require.NoError(t, err)
    t.Cleanup(func() { _ = e.Stop() })
    return e
}

func TestParticipate_SingleLeader(t *testing.T) {
    f := newFixture(t, "a", "b")
    ctx := context.Background()
    a := f.elector(t, "a", nil, time.Minute)
    b := f.elector(t, "b", nil, time.Minute)

    ok, err := a.Participate(ctx)
    require.NoError(t, err)
    assert.True(t, ok)
    ok, err = b.Participate(ctx)
    require.NoError(t, err)
    assert.False(t, ok)

    assert.True(t, a.IsLeader())
    assert.False(t, b.IsLeader())
    id, err := b.GetLeader(ctx)
    require.NoError(t, err)
    assert.Equal(t, "a", id)

    n, _ := f.reg.Get("a")
    assert.Equal(t, node.RoleLeader, n.Role)
    require.NotNil(t, f.rec.last())
    assert.Equal(t, "a", f.rec.last().LeaderID)
    assert.Empty(t, f.rec.last().PreviousLeaderID)
}

func TestResign_HandsOver(t *testing.T) {
    f := newFixture(t, "a", "b")
    ctx := context.Background()
    a := f.elector(t, "a", nil, time.Minute)
    b := f.elector(t, "b", nil, time.Minute)

    ok, err := a.Participate(ctx)
    require.NoError(t, err)
    require.True(t, ok)
    require.NoError(t, a.Resign(ctx))
    require.NoError(t, a.Resign(ctx), "second resign is a no-op")
    assert.False(t, a.IsLeader())

    _, err = a.GetLeader(ctx)
    assert.ErrorIs(t, err, election.ErrNoLeader)

    ok, err = b.Participate(ctx)
    require.NoError(t, err)
    assert.True(t, ok)
    n, _ := f.reg.Get("a")
    assert.Equal(t, node.RoleWorker, n.Role)
    assert.Equal(t, "b", f.reg.LeaderID())
}

func TestRenewal_KeepsLeaseAlive(t *testing.T) {
    f := newFixture(t, "a", "b")
    ctx := context.Background()
    a := f.elector(t, "a", nil, 60*time.Millisecond)
    b := f.elector(t, "b", nil, 60*time.Millisecond)

    ok, err := a.Participate(ctx)
    require.NoError(t, err)
    require.True(t, ok)

    time.Sleep(200 * time.Millisecond)
    assert.True(t, a.IsLeader())
    ok, err = b.Participate(ctx)
    require.NoError(t, err)
    assert.False(t, ok)
}

type refusingLocker struct{ *lock.Manager }

func (refusingLocker) Extend(context.Context, string, string, time.Duration) (bool, error) {
    return false, nil
}

func TestRenewal_FailureDemotes(t *testing.T) {
    f := newFixture(t, "a")
    a := f.elector(t, "a", refusingLocker{f.mgr}, 40*time.Millisecond)

    ok, err := a.Participate(context.Background())
    require.NoError(t, err)
    require.True(t, ok)
    require.True(t, <-a.LeaderCh())

    select {
    case v := <-a.LeaderCh():
        assert.False(t, v)
    case <-time.After(2 * time.Second):
        t.Fatal("not demoted")
    }
    assert.False(t, a.IsLeader())
    n, _ := f.reg.Get("a")
    assert.Equal(t, node.RoleWorker, n.Role)
}

func TestGetLeader_Stale(t *testing.T) {
    f := newFixture(t, "a")
    ctx := context.Background()
    a := f.elector(t, "a", nil, time.Minute)
    ok, err := a.Participate(ctx)
    require.NoError(t, err)
    require.True(t, ok)

    require.NoError(t, f.reg.Deregister(ctx, "a"))
    id, err := a.GetLeader(ctx)
    assert.ErrorIs(t, err, election.ErrStaleLeadership)
    assert.Equal(t, "a", id)
}

type brokenLocker struct {
    *lock.Manager
    mu    sync.Mutex
    calls int
}

func (b *brokenLocker) Acquire(context.Context, lock.AcquireRequest) (*lock.DistributedLock, error) {
    b.mu.Lock(); b.calls++; b.mu.Unlock()
    return nil, lock.ErrTransient
}

func TestRun_RecoveryBudget(t *testing.T) {
    f := newFixture(t, "a")
    bl := &brokenLocker{Manager: f.mgr}

    noRecovery, err := election.New(bl, f.reg, election.Options{NodeID: "a", LeaseDuration: 30 * time.Millisecond, Logger: logutil.Discard()})
    require.NoError(t, err)
    err = noRecovery.Run(context.Background())
    assert.ErrorIs(t, err, lock.ErrTransient)
    assert.Equal(t, 1, bl.calls)

    bl.calls = 0
    withRecovery, err := election.New(bl, f.reg, election.Options{NodeID: "a", LeaseDuration: 30 * time.Millisecond, AutoRecovery: true, MaxRecoveryAttempts: 2, Logger: logutil.Discard()})
    require.NoError(t, err)
    err = withRecovery.Run(context.Background())
    assert.Error(t, err)
    assert.Equal(t, 3, bl.calls)
}

func TestRun_ResignsOnCancel(t *testing.T) {
    f := newFixture(t, "a")
    e := f.elector(t, "a", nil, 90*time.Millisecond)
    ctx, cancel := context.WithCancel(context.Background())
    errc := make(chan error, 1)
    go func() { errc <- e.Run(ctx) }()

    require.Eventually(t, e.IsLeader, 2*time.Second, 5*time.Millisecond)
    cancel()
    select {
    case err := <-errc:
        assert.True(t, err == nil || errors.Is(err, context.Canceled))
    case <-time.After(2 * time.Second):
        t.Fatal("run did not return")
    }
    assert.False(t, e.IsLeader())
    hs, err := f.mgr.Holders(context.Background(), election.LeaderResourceID, election.LeaderResourceType)
    require.NoError(t, err)
    assert.Empty(t, hs)
}
