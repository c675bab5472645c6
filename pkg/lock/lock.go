package lock

import (
    "context"
    "fmt"
    "time"
)

// Mode decides whether a lock can be held alongside others.
type Mode string

const (
    Exclusive Mode = "Exclusive"
    Shared    Mode = "Shared"
)

func (m Mode) Valid() bool { return m == Exclusive || m == Shared }

// DistributedLock is one holder entry for a resource.
type DistributedLock struct {
    ID             string    `json:"id"`
    ResourceID     string    `json:"resourceId"`
    ResourceType   string    `json:"resourceType"`
    OwnerID        string    `json:"ownerId"`
    OwnerNodeID    string    `json:"ownerNodeId,omitempty"`
    AcquiredAt     time.Time `json:"acquiredAt"`
    ExpiresAt      time.Time `json:"expiresAt"`
    ExtensionCount int       `json:"extensionCount"`
    Mode           Mode      `json:"mode"`
}

// ValidAt reports whether the lock has not expired at now.
func (l DistributedLock) ValidAt(now time.Time) bool { return now.Before(l.ExpiresAt) }

func (l DistributedLock) Resource() Resource { return Resource{ID: l.ResourceID, Type: l.ResourceType} }

// Resource is the composite key locks are taken on.
type Resource struct {
    ID   string `json:"id"`
    Type string `json:"type"`
}

func (r Resource) String() string { return r.Type + "/" + r.ID }

// NoRetry as AcquireRequest.MaxRetries makes exactly one attempt.
const NoRetry = -1

// AcquireRequest describes a lock to take.
type AcquireRequest struct {
    ResourceID   string
    ResourceType string
    OwnerID      string
    OwnerNodeID  string
    Duration     time.Duration
    Mode         Mode
    // WaitTimeout bounds the whole acquisition including backoff. Zero leaves
    // only the retry budget and ctx as limits.
    WaitTimeout time.Duration
    // MaxRetries counts attempts after the first. Zero uses the manager
    // default, NoRetry disables retrying.
    MaxRetries int
}

func (r AcquireRequest) Validate() error {
    switch {
    case r.ResourceID == "" || r.ResourceType == "":
        return fmt.Errorf("%w: empty resource", ErrInvalidRequest)
    case r.OwnerID == "":
        return fmt.Errorf("%w: empty owner", ErrInvalidRequest)
    case r.Duration <= 0:
        return fmt.Errorf("%w: non-positive duration", ErrInvalidRequest)
    case !r.Mode.Valid():
        return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, r.Mode)
    case r.WaitTimeout < 0:
        return fmt.Errorf("%w: negative wait timeout", ErrInvalidRequest)
    }
    return nil
}

// Store is the durable lock table. Each call must be atomic: TryAcquire
// inserts candidate only if no conflicting unexpired holder exists for its
// resource. now is supplied by the caller so every replica judges expiry alike.
type Store interface {
    TryAcquire(ctx context.Context, candidate DistributedLock, now time.Time) (bool, error)
    // Extend adds extension to ExpiresAt when ownerID holds the unexpired lock.
    Extend(ctx context.Context, lockID, ownerID string, extension time.Duration, now time.Time) (DistributedLock, bool, error)
    // Release removes the entry when ownerID holds it; otherwise it does nothing.
    Release(ctx context.Context, lockID, ownerID string) error
    // Holders lists unexpired entries for a resource.
    Holders(ctx context.Context, res Resource, now time.Time) ([]DistributedLock, error)
}
