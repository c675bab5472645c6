package redisstore

import (
    "context"
    "testing"
    "time"

    "github.com/alicebob/miniredis/v2"
    "github.com/redis/go-redis/v9"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-flowcluster/pkg/lock"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
    t.Helper()
    mr := miniredis.RunT(t)
    client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    t.Cleanup(func() { _ = client.Close() })
    return New(client, WithPrefix("test:")), mr
}

var base = time.UnixMilli(1_760_000_000_000).UTC()

func cand(id, owner string, mode lock.Mode) lock.DistributedLock {
    return lock.DistributedLock{ID: id, ResourceID: "r1", ResourceType: "timer", OwnerID: owner, OwnerNodeID: "n1", AcquiredAt: base, ExpiresAt: base.Add(time.Minute), Mode: mode}
}

func TestRedis_ExclusiveConflicts(t *testing.T) {
    s, _ := newStore(t)
    ctx := context.Background()

    ok, err := s.TryAcquire(ctx, cand("a", "o1", lock.Exclusive), base)
    require.NoError(t, err)
    assert.True(t, ok)

    ok, err = s.TryAcquire(ctx, cand("b", "o2", lock.Exclusive), base)
    require.NoError(t, err)
    assert.False(t, ok)
    ok, err = s.TryAcquire(ctx, cand("c", "o2", lock.Shared), base)
    require.NoError(t, err)
    assert.False(t, ok)

    hs, err := s.Holders(ctx, lock.Resource{ID: "r1", Type: "timer"}, base)
    require.NoError(t, err)
    require.Len(t, hs, 1)
    assert.Equal(t, "o1", hs[0].OwnerID)
    assert.Equal(t, "n1", hs[0].OwnerNodeID)
    assert.True(t, hs[0].ExpiresAt.Equal(base.Add(time.Minute)))
}

func TestRedis_SharedCoexist(t *testing.T) {
    s, _ := newStore(t)
    ctx := context.Background()
    for _, id := range []string{"a", "b", "c"} {
        ok, err := s.TryAcquire(ctx, cand(id, "o-"+id, lock.Shared), base)
        require.NoError(t, err)
        assert.True(t, ok)
    }
    hs, err := s.Holders(ctx, lock.Resource{ID: "r1", Type: "timer"}, base)
    require.NoError(t, err)
    assert.Len(t, hs, 3)
}

func TestRedis_ExpiredHolderIsPurged(t *testing.T) {
    s, _ := newStore(t)
    ctx := context.Background()
    ok, err := s.TryAcquire(ctx, cand("a", "o1", lock.Exclusive), base)
    require.NoError(t, err)
    require.True(t, ok)

    later := base.Add(2 * time.Minute)
    c := cand("b", "o2", lock.Exclusive)
    c.AcquiredAt, c.ExpiresAt = later, later.Add(time.Minute)
    ok, err = s.TryAcquire(ctx, c, later)
    require.NoError(t, err)
    assert.True(t, ok)
}

func TestRedis_ExtendAndRelease(t *testing.T) {
    s, _ := newStore(t)
    ctx := context.Background()
    ok, err := s.TryAcquire(ctx, cand("a", "o1", lock.Exclusive), base)
    require.NoError(t, err)
    require.True(t, ok)

    _, ok, err = s.Extend(ctx, "a", "o2", time.Minute, base)
    require.NoError(t, err)
    assert.False(t, ok)

    l, ok, err := s.Extend(ctx, "a", "o1", 30*time.Second, base)
    require.NoError(t, err)
    require.True(t, ok)
    assert.Equal(t, 1, l.ExtensionCount)
    assert.True(t, l.ExpiresAt.Equal(base.Add(90*time.Second)))

    _, ok, err = s.Extend(ctx, "a", "o1", time.Minute, base.Add(time.Hour))
    require.NoError(t, err)
    assert.False(t, ok)

    _, ok, err = s.Extend(ctx, "missing", "o1", time.Minute, base)
    require.NoError(t, err)
    assert.False(t, ok)

    require.NoError(t, s.Release(ctx, "a", "o2"))
    hs, _ := s.Holders(ctx, lock.Resource{ID: "r1", Type: "timer"}, base)
    assert.Len(t, hs, 1)

    require.NoError(t, s.Release(ctx, "a", "o1"))
    hs, _ = s.Holders(ctx, lock.Resource{ID: "r1", Type: "timer"}, base)
    assert.Empty(t, hs)
}

func TestRedis_BehindManager(t *testing.T) {
    s, _ := newStore(t)
    m, err := lock.NewManager(s, lock.Options{NodeID: "n1", RetryDelay: time.Millisecond})
    require.NoError(t, err)
    ctx := context.Background()

    req := lock.AcquireRequest{ResourceID: "cluster-leader", ResourceType: "system", OwnerID: "n1", Duration: time.Minute, Mode: lock.Exclusive, MaxRetries: lock.NoRetry}
    l, err := m.Acquire(ctx, req)
    require.NoError(t, err)

    req.OwnerID = "n2"
    req.MaxRetries = 2
    _, err = m.Acquire(ctx, req)
    assert.ErrorIs(t, err, lock.ErrContentionTimeout)

    require.NoError(t, m.Release(ctx, l.ID, "n1"))
    _, err = m.Acquire(ctx, req)
    assert.NoError(t, err)
}

func TestRedis_ServerDownIsError(t *testing.T) {
    s, mr := newStore(t)
    mr.Close()
    _, err := s.TryAcquire(context.Background(), cand("a", "o1", lock.Exclusive), base)
    assert.Error(t, err)
}

func TestRedis_ColonsInResourceDoNotCollide(t *testing.T) {
    s, mr := newStore(t)
    ctx := context.Background()
    one, two := lock.Resource{ID: "a", Type: "b:c"}, lock.Resource{ID: "a:b", Type: "c"}
    assert.NotEqual(t, holdersKey("p:", one), holdersKey("p:", two))

    c1 := cand("x", "o1", lock.Exclusive)
    c1.ResourceID, c1.ResourceType = one.ID, one.Type
    c2 := cand("y", "o2", lock.Exclusive)
    c2.ResourceID, c2.ResourceType = two.ID, two.Type
    for _, c := range []lock.DistributedLock{c1, c2} {
        ok, err := s.TryAcquire(ctx, c, base)
        require.NoError(t, err)
        assert.True(t, ok, c.ID)
    }
    hs, err := s.Holders(ctx, one, base)
    require.NoError(t, err)
    require.Len(t, hs, 1)
    assert.Equal(t, "x", hs[0].ID)

    require.NoError(t, s.Release(ctx, "x", "o1"))
    members, err := mr.SMembers(holdersKey("test:", one))
    if err == nil { assert.Empty(t, members) }
    hs, err = s.Holders(ctx, two, base)
    require.NoError(t, err)
    assert.Len(t, hs, 1)
}
