// Package redisstore keeps the lock table in Redis. Each mutation is a Lua
// script so the conflict check and the write happen atomically on the server.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := redisstore.New(client)
//	mgr, _ := lock.NewManager(store, lock.Options{NodeID: "n1"})
package redisstore

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "strconv"
    "time"

    "github.com/redis/go-redis/v9"

    "github.com/amirimatin/go-flowcluster/pkg/lock"
)

// Option configures the Store.
type Option func(*Store)

// WithPrefix namespaces every key the store writes.
func WithPrefix(p string) Option {
    return func(s *Store) { if p != "" { s.prefix = p } }
}

// Store implements lock.Store over a Redis client. The caller owns the
// client lifecycle.
type Store struct {
    client redis.Cmdable
    prefix string
}

func New(client redis.Cmdable, opts ...Option) *Store {
    s := &Store{client: client, prefix: defaultPrefix}
    for _, o := range opts { o(s) }
    return s
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func (s *Store) TryAcquire(ctx context.Context, c lock.DistributedLock, now time.Time) (bool, error) {
    keys := []string{holdersKey(s.prefix, c.Resource()), entryKey(s.prefix, c.ID)}
    n, err := acquireScript.Run(ctx, s.client, keys,
        c.ID, c.ResourceID, c.ResourceType, string(c.Mode), c.OwnerID, c.OwnerNodeID,
        ms(c.AcquiredAt), ms(c.ExpiresAt), ms(now), s.prefix,
    ).Int()
    if err != nil { return false, fmt.Errorf("redisstore: acquire: %w", err) }
    return n == 1, nil
}

func (s *Store) Extend(ctx context.Context, lockID, ownerID string, ext time.Duration, now time.Time) (lock.DistributedLock, bool, error) {
    vals, err := extendScript.Run(ctx, s.client, []string{entryKey(s.prefix, lockID)},
        ownerID, ext.Milliseconds(), ms(now),
    ).StringSlice()
    if errors.Is(err, redis.Nil) { return lock.DistributedLock{}, false, nil }
    if err != nil { return lock.DistributedLock{}, false, fmt.Errorf("redisstore: extend: %w", err) }
    m := make(map[string]string, len(vals)/2)
    for i := 0; i+1 < len(vals); i += 2 { m[vals[i]] = vals[i+1] }
    l, err := fromHash(lockID, m)
    if err != nil { return lock.DistributedLock{}, false, err }
    return l, true, nil
}

func (s *Store) Release(ctx context.Context, lockID, ownerID string) error {
    err := releaseScript.Run(ctx, s.client, []string{entryKey(s.prefix, lockID)}, ownerID, lockID, s.prefix).Err()
    if err != nil { return fmt.Errorf("redisstore: release: %w", err) }
    return nil
}

// Holders lists unexpired entries for res. Entries that vanished through
// PEXPIRE but are still in the set are skipped.
func (s *Store) Holders(ctx context.Context, res lock.Resource, now time.Time) ([]lock.DistributedLock, error) {
    ids, err := s.client.SMembers(ctx, holdersKey(s.prefix, res)).Result()
    if err != nil { return nil, fmt.Errorf("redisstore: holders: %w", err) }
    if len(ids) == 0 { return nil, nil }

    pipe := s.client.Pipeline()
    cmds := make([]*redis.MapStringStringCmd, len(ids))
    for i, id := range ids { cmds[i] = pipe.HGetAll(ctx, entryKey(s.prefix, id)) }
    if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
        return nil, fmt.Errorf("redisstore: holders: %w", err)
    }

    out := make([]lock.DistributedLock, 0, len(ids))
    for i, cmd := range cmds {
        m, err := cmd.Result()
        if err != nil || len(m) == 0 { continue }
        l, err := fromHash(ids[i], m)
        if err != nil || !l.ValidAt(now) { continue }
        out = append(out, l)
    }
    sort.Slice(out, func(i, j int) bool {
        if out[i].AcquiredAt.Equal(out[j].AcquiredAt) { return out[i].ID < out[j].ID }
        return out[i].AcquiredAt.Before(out[j].AcquiredAt)
    })
    return out, nil
}

func fromHash(id string, m map[string]string) (lock.DistributedLock, error) {
    num := func(k string) (int64, error) {
        f, err := strconv.ParseFloat(m[k], 64)
        if err != nil { return 0, fmt.Errorf("redisstore: field %s of %s: %w", k, id, err) }
        return int64(f), nil
    }
    acq, err := num("acquired")
    if err != nil { return lock.DistributedLock{}, err }
    exp, err := num("expires")
    if err != nil { return lock.DistributedLock{}, err }
    ext, _ := num("ext")
    return lock.DistributedLock{
        ID:             id,
        ResourceID:     m["rid"],
        ResourceType:   m["rtype"],
        OwnerID:        m["owner"],
        OwnerNodeID:    m["node"],
        AcquiredAt:     time.UnixMilli(acq).UTC(),
        ExpiresAt:      time.UnixMilli(exp).UTC(),
        ExtensionCount: int(ext),
        Mode:           lock.Mode(m["mode"]),
    }, nil
}

var _ lock.Store = (*Store)(nil)
