package lock

import (
    "context"
    "errors"
    "fmt"
    "time"

    "github.com/google/uuid"
    "github.com/sirupsen/logrus"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    obsmetrics "github.com/amirimatin/go-flowcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-flowcluster/pkg/observability/tracing"
)

// Options configure a Manager.
type Options struct {
    // NodeID fills AcquireRequest.OwnerNodeID when the caller leaves it empty.
    NodeID string
    // MaxRetries is used when a request leaves MaxRetries at zero. NoRetry
    // makes such requests single-shot.
    MaxRetries    int
    RetryDelay    time.Duration
    MaxRetryDelay time.Duration
    Logger        logrus.FieldLogger
    // Now stamps lock times. Defaults to time.Now.
    Now func() time.Time
}

func (o *Options) setDefaults() {
    if o.MaxRetries == 0 { o.MaxRetries = 5 }
    if o.RetryDelay <= 0 { o.RetryDelay = 100 * time.Millisecond }
    if o.MaxRetryDelay <= 0 { o.MaxRetryDelay = 2 * time.Second }
    if o.Now == nil { o.Now = time.Now }
}

// Manager implements acquire-with-backoff, extend and release over a Store.
type Manager struct {
    store   Store
    opts    Options
    backoff Backoff
    log     logrus.FieldLogger
}

func NewManager(store Store, opts Options) (*Manager, error) {
    if store == nil { return nil, errors.New("lock: nil store") }
    if opts.MaxRetries < NoRetry { return nil, errors.New("lock: negative MaxRetries") }
    opts.setDefaults()
    return &Manager{
        store:   store,
        opts:    opts,
        backoff: Backoff{Base: opts.RetryDelay, Max: opts.MaxRetryDelay, Jitter: true},
        log:     logutil.Component(opts.Logger, "lock"),
    }, nil
}

// Acquire takes the lock described by req, retrying on contention with
// exponential backoff. It returns ErrContentionTimeout once the retry budget
// or WaitTimeout is spent, ctx.Err() on cancellation, and an error matching
// ErrTransient when the store fails.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*DistributedLock, error) {
    if err := req.Validate(); err != nil { return nil, err }
    res := Resource{ID: req.ResourceID, Type: req.ResourceType}
    ctx, end := tracing.StartSpan(ctx, "lock.acquire", "resource", res.String(), "mode", string(req.Mode))
    defer end()

    retries := req.MaxRetries
    if retries == 0 { retries = m.opts.MaxRetries }
    if retries < 0 { retries = 0 }
    if req.OwnerNodeID == "" { req.OwnerNodeID = m.opts.NodeID }

    start := time.Now()
    defer func() { obsmetrics.LockAcquireSeconds.Observe(time.Since(start).Seconds()) }()

    for attempt := 0; ; attempt++ {
        if err := ctx.Err(); err != nil {
            obsmetrics.LockAcquires.WithLabelValues("canceled").Inc()
            return nil, err
        }
        now := m.opts.Now()
        cand := DistributedLock{
            ID:           uuid.NewString(),
            ResourceID:   req.ResourceID,
            ResourceType: req.ResourceType,
            OwnerID:      req.OwnerID,
            OwnerNodeID:  req.OwnerNodeID,
            AcquiredAt:   now,
            ExpiresAt:    now.Add(req.Duration),
            Mode:         req.Mode,
        }
        obsmetrics.LockAttempts.Inc()
        ok, err := m.store.TryAcquire(ctx, cand, now)
        if err != nil {
            // the write may have committed without us seeing the reply
            m.abandon(ctx, cand)
            if ctx.Err() != nil { return nil, ctx.Err() }
            obsmetrics.LockAcquires.WithLabelValues("error").Inc()
            return nil, fmt.Errorf("%w: acquire %s: %w", ErrTransient, res, err)
        }
        if ok {
            obsmetrics.LockAcquires.WithLabelValues("acquired").Inc()
            m.log.WithFields(logrus.Fields{"resource": res.String(), "owner": req.OwnerID, "lock_id": cand.ID, "attempt": attempt}).Debug("lock acquired")
            return &cand, nil
        }
        if attempt >= retries { break }

        delay := m.backoff.Delay(attempt)
        if req.WaitTimeout > 0 {
            remaining := req.WaitTimeout - time.Since(start)
            if remaining <= 0 { break }
            if delay > remaining { delay = remaining }
        }
        t := time.NewTimer(delay)
        select {
        case <-ctx.Done():
            t.Stop()
            obsmetrics.LockAcquires.WithLabelValues("canceled").Inc()
            return nil, ctx.Err()
        case <-t.C:
        }
    }
    obsmetrics.LockAcquires.WithLabelValues("contended").Inc()
    return nil, ErrContentionTimeout
}

// abandonTimeout bounds the cleanup of a candidate whose acquire outcome is
// unknown.
const abandonTimeout = 2 * time.Second

// abandon releases cand in case the store committed it before failing.
// Release is owner-checked, so this never touches someone else's lock.
func (m *Manager) abandon(ctx context.Context, cand DistributedLock) {
    ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
    defer cancel()
    if err := m.store.Release(ctx, cand.ID, cand.OwnerID); err != nil {
        m.log.WithError(err).WithField("lock_id", cand.ID).Warn("release of unconfirmed lock failed; it expires at its lease")
    }
}

// Extend adds extension to the lock's expiry. It returns false, without
// error, when ownerID does not hold lockID or the lock already expired.
func (m *Manager) Extend(ctx context.Context, lockID, ownerID string, extension time.Duration) (bool, error) {
    if lockID == "" || ownerID == "" || extension <= 0 {
        obsmetrics.LockExtends.WithLabelValues("rejected").Inc()
        return false, nil
    }
    _, ok, err := m.store.Extend(ctx, lockID, ownerID, extension, m.opts.Now())
    if err != nil {
        obsmetrics.LockExtends.WithLabelValues("error").Inc()
        return false, fmt.Errorf("%w: extend %s: %w", ErrTransient, lockID, err)
    }
    if !ok {
        obsmetrics.LockExtends.WithLabelValues("rejected").Inc()
        return false, nil
    }
    obsmetrics.LockExtends.WithLabelValues("extended").Inc()
    return true, nil
}

// Release drops the lock if ownerID holds it. Releasing a lock held by
// someone else, or already gone, is a no-op.
func (m *Manager) Release(ctx context.Context, lockID, ownerID string) error {
    if lockID == "" || ownerID == "" { return nil }
    if err := m.store.Release(ctx, lockID, ownerID); err != nil {
        return fmt.Errorf("%w: release %s: %w", ErrTransient, lockID, err)
    }
    return nil
}

// Holders lists the unexpired holders of a resource.
func (m *Manager) Holders(ctx context.Context, resourceID, resourceType string) ([]DistributedLock, error) {
    hs, err := m.store.Holders(ctx, Resource{ID: resourceID, Type: resourceType}, m.opts.Now())
    if err != nil {
        return nil, fmt.Errorf("%w: holders %s/%s: %w", ErrTransient, resourceType, resourceID, err)
    }
    return hs, nil
}
