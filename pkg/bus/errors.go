package bus

import "errors"

var (
    ErrNilEvent       = errors.New("bus: nil event")
    ErrNilHandler     = errors.New("bus: nil handler")
    ErrInvalidPattern = errors.New("bus: invalid pattern")
    ErrEmptyTopic     = errors.New("bus: empty topic")
)
