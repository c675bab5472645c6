package lock

import (
    "math/rand/v2"
    "time"
)

// Backoff yields exponentially growing delays capped at Max. With Jitter set,
// each delay is drawn from [d/2, d].
type Backoff struct {
    Base   time.Duration
    Max    time.Duration
    Jitter bool
}

func (b Backoff) Delay(attempt int) time.Duration {
    if b.Base <= 0 { return 0 }
    if attempt < 0 { attempt = 0 }
    d := b.Base
    for i := 0; i < attempt; i++ {
        d *= 2
        if b.Max > 0 && d >= b.Max {
            d = b.Max
            break
        }
    }
    if b.Max > 0 && d > b.Max { d = b.Max }
    if b.Jitter && d > 1 {
        half := d / 2
        d = half + rand.N(half+1)
    }
    return d
}
