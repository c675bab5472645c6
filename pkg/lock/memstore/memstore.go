// Package memstore is a process-local lock.Store, for single-node
// deployments and tests.
package memstore

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-flowcluster/pkg/lock"
)

type Store struct {
    mu sync.Mutex
    t  *lock.Table
}

func New() *Store { return &Store{t: lock.NewTable()} }

func (s *Store) TryAcquire(_ context.Context, c lock.DistributedLock, now time.Time) (bool, error) {
    s.mu.Lock(); defer s.mu.Unlock()
    return s.t.Acquire(c, now), nil
}

func (s *Store) Extend(_ context.Context, lockID, ownerID string, ext time.Duration, now time.Time) (lock.DistributedLock, bool, error) {
    s.mu.Lock(); defer s.mu.Unlock()
    l, ok := s.t.Extend(lockID, ownerID, ext, now)
    return l, ok, nil
}

func (s *Store) Release(_ context.Context, lockID, ownerID string) error {
    s.mu.Lock(); defer s.mu.Unlock()
    s.t.Release(lockID, ownerID)
    return nil
}

func (s *Store) Holders(_ context.Context, res lock.Resource, now time.Time) ([]lock.DistributedLock, error) {
    s.mu.Lock(); defer s.mu.Unlock()
    return s.t.Holders(res, now), nil
}

var _ lock.Store = (*Store)(nil)
