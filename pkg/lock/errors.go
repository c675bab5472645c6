package lock

import "errors"

var (
    // ErrTransient marks store failures; callers may retry later.
    ErrTransient = errors.New("lock: store unavailable")
    // ErrContentionTimeout means the retry budget ran out while others held
    // the resource. It is backpressure, not a failure.
    ErrContentionTimeout = errors.New("lock: contention timeout")
    ErrInvalidRequest    = errors.New("lock: invalid request")
)
