package raftstore

import (
    "bytes"
    "context"
    "encoding/json"
    "io"
    "testing"
    "time"

    "github.com/hashicorp/raft"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/lock"
)

func waitLeader(t *testing.T, s *Store) {
    t.Helper()
    require.Eventually(t, s.IsLeader, 5*time.Second, 20*time.Millisecond, "%s did not become leader", s.opts.NodeID)
}

func TestStore_SingleNodeLocks(t *testing.T) {
    s, err := New(Options{NodeID: "n1", Bootstrap: true, LogOutput: io.Discard, ApplyTimeout: 2 * time.Second})
    require.NoError(t, err)
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    require.NoError(t, s.Start(ctx))
    defer s.Stop()
    waitLeader(t, s)

    timeout := time.After(2 * time.Second)
    for seen := false; !seen; {
        select {
        case id := <-s.LeaderCh():
            seen = id == "n1"
        case <-timeout:
            t.Fatal("timed out waiting for leader event")
        }
    }

    m, err := lock.NewManager(s, lock.Options{NodeID: "n1", Logger: logutil.Discard()})
    require.NoError(t, err)
    req := lock.AcquireRequest{ResourceID: "cluster-leader", ResourceType: "system", OwnerID: "n1", Duration: time.Minute, Mode: lock.Exclusive, MaxRetries: lock.NoRetry}
    l, err := m.Acquire(ctx, req)
    require.NoError(t, err)

    req.OwnerID = "n2"
    _, err = m.Acquire(ctx, req)
    assert.ErrorIs(t, err, lock.ErrContentionTimeout)

    ok, err := m.Extend(ctx, l.ID, "n1", time.Minute)
    require.NoError(t, err)
    assert.True(t, ok)

    hs, err := m.Holders(ctx, "cluster-leader", "system")
    require.NoError(t, err)
    require.Len(t, hs, 1)
    assert.Equal(t, 1, hs[0].ExtensionCount)

    require.NoError(t, m.Release(ctx, l.ID, "n1"))
    hs, err = m.Holders(ctx, "cluster-leader", "system")
    require.NoError(t, err)
    assert.Empty(t, hs)
}

func TestStore_FollowerForwardsWrites(t *testing.T) {
    nodes := map[string]*Store{}
    forward := func(ctx context.Context, leaderID string, cmd []byte) ([]byte, error) {
        return nodes[leaderID].ApplyCommand(ctx, cmd)
    }
    mk := func(id string, boot bool) *Store {
        s, err := New(Options{NodeID: id, Bootstrap: boot, LogOutput: io.Discard, Forward: forward})
        require.NoError(t, err)
        nodes[id] = s
        return s
    }
    n1, n2, n3 := mk("n1", true), mk("n2", false), mk("n3", false)

    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()
    for _, n := range []*Store{n1, n2, n3} {
        require.NoError(t, n.Start(ctx))
        defer n.Stop()
    }
    connect := func(a, b *Store) {
        a.lb.Connect(b.addr, b.trans)
        b.lb.Connect(a.addr, a.trans)
    }
    connect(n1, n2)
    connect(n1, n3)
    connect(n2, n3)

    waitLeader(t, n1)
    require.NoError(t, n1.AddVoter("n2", n2.Addr(), 2*time.Second))
    require.NoError(t, n1.AddVoter("n3", n3.Addr(), 2*time.Second))
    require.NoError(t, n1.AddVoter("n3", n3.Addr(), 2*time.Second), "re-adding is a no-op")

    require.Eventually(t, func() bool {
        id, _, ok := n3.Leader()
        return ok && id == "n1"
    }, 5*time.Second, 20*time.Millisecond)

    now := time.Now()
    cand := lock.DistributedLock{ID: "l1", ResourceID: "t1", ResourceType: "timer", OwnerID: "w3", AcquiredAt: now, ExpiresAt: now.Add(time.Minute), Mode: lock.Exclusive}
    ok, err := n3.TryAcquire(ctx, cand, now)
    require.NoError(t, err)
    assert.True(t, ok)

    cand.ID, cand.OwnerID = "l2", "w2"
    ok, err = n2.TryAcquire(ctx, cand, now)
    require.NoError(t, err)
    assert.False(t, ok)

    require.Eventually(t, func() bool {
        hs, _ := n2.Holders(ctx, lock.Resource{ID: "t1", Type: "timer"}, now)
        return len(hs) == 1 && hs[0].OwnerID == "w3"
    }, 5*time.Second, 20*time.Millisecond)
}

func TestStore_NotLeaderWithoutForward(t *testing.T) {
    s, err := New(Options{NodeID: "lonely", LogOutput: io.Discard})
    require.NoError(t, err)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    require.NoError(t, s.Start(ctx))
    defer s.Stop()

    _, err = s.ApplyCommand(ctx, []byte(`{"op":"release"}`))
    assert.ErrorIs(t, err, ErrNotLeader)
}

func TestFSM_ApplyAndRestore(t *testing.T) {
    f := newLockFSM()
    now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
    apply := func(c command) result {
        data, err := json.Marshal(c)
        require.NoError(t, err)
        return f.Apply(&raft.Log{Data: data}).(result)
    }
    l := lock.DistributedLock{ID: "a", ResourceID: "j", ResourceType: "job", OwnerID: "o", AcquiredAt: now, ExpiresAt: now.Add(time.Minute), Mode: lock.Shared}
    assert.True(t, apply(command{Op: opAcquire, Lock: &l, Now: now}).OK)
    res := apply(command{Op: opExtend, LockID: "a", OwnerID: "o", Extension: time.Minute, Now: now})
    require.True(t, res.OK)
    assert.Equal(t, 1, res.Lock.ExtensionCount)
    assert.NotEmpty(t, apply(command{Op: "bogus"}).Err)

    snap, err := f.Snapshot()
    require.NoError(t, err)
    blob := snap.(*snapshot).blob

    g := newLockFSM()
    require.NoError(t, g.Restore(io.NopCloser(bytes.NewReader(blob))))
    assert.Len(t, g.holders(lock.Resource{ID: "j", Type: "job"}, now), 1)
}
