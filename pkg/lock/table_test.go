package lock

import (
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(id, owner string, mode Mode, ttl time.Duration) DistributedLock {
    return DistributedLock{ID: id, ResourceID: "job-1", ResourceType: "job", OwnerID: owner, AcquiredAt: t0, ExpiresAt: t0.Add(ttl), Mode: mode}
}

func TestTable_ModeCompatibility(t *testing.T) {
    tb := NewTable()
    require.True(t, tb.Acquire(entry("s1", "a", Shared, time.Minute), t0))
    require.True(t, tb.Acquire(entry("s2", "b", Shared, time.Minute), t0))
    assert.False(t, tb.Acquire(entry("x1", "c", Exclusive, time.Minute), t0))

    tb.Release("s1", "a")
    tb.Release("s2", "b")
    require.True(t, tb.Acquire(entry("x1", "c", Exclusive, time.Minute), t0))
    assert.False(t, tb.Acquire(entry("s3", "d", Shared, time.Minute), t0))
}

func TestTable_RejectsDuplicateAndExpiredCandidates(t *testing.T) {
    tb := NewTable()
    require.True(t, tb.Acquire(entry("s1", "a", Shared, time.Minute), t0))
    assert.False(t, tb.Acquire(entry("s1", "b", Shared, time.Minute), t0))
    assert.False(t, tb.Acquire(entry("s2", "b", Shared, 0), t0))
}

func TestTable_HoldersDoesNotPurge(t *testing.T) {
    tb := NewTable()
    require.True(t, tb.Acquire(entry("x1", "a", Exclusive, time.Second), t0))
    later := t0.Add(time.Minute)
    assert.Empty(t, tb.Holders(entry("", "", "", 0).Resource(), later))
    assert.Equal(t, 1, tb.Len())

    require.True(t, tb.Acquire(entry("x2", "b", Exclusive, time.Hour), later))
    assert.Equal(t, 1, tb.Len())
}

func TestTable_SnapshotRestore(t *testing.T) {
    tb := NewTable()
    require.True(t, tb.Acquire(entry("s1", "a", Shared, time.Minute), t0))
    require.True(t, tb.Acquire(entry("s2", "b", Shared, time.Minute), t0.Add(time.Second)))
    _, ok := tb.Extend("s1", "a", time.Minute, t0)
    require.True(t, ok)

    buf, err := tb.Snapshot()
    require.NoError(t, err)
    cp := NewTable()
    require.NoError(t, cp.Restore(buf))

    hs := cp.Holders(Resource{ID: "job-1", Type: "job"}, t0)
    require.Len(t, hs, 2)
    assert.Equal(t, "s1", hs[0].ID)
    assert.Equal(t, 1, hs[0].ExtensionCount)
    assert.True(t, hs[0].ExpiresAt.Equal(t0.Add(2*time.Minute)))
}
