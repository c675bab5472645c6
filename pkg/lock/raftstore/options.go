package raftstore

import (
    "context"
    "io"
    "time"

    "github.com/sirupsen/logrus"
)

// ForwardFunc ships an encoded command to the current leader and returns
// its encoded result. Followers use it so any node can take locks.
type ForwardFunc func(ctx context.Context, leaderID string, cmd []byte) ([]byte, error)

// Options configure the Raft-backed lock store.
type Options struct {
    NodeID string
    Logger logrus.FieldLogger
    // LogOutput receives raft's own log lines. Defaults to os.Stderr.
    LogOutput io.Writer

    // Bootstrap forms a single-node cluster on Start when true.
    Bootstrap bool

    // Zero means raft defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    // ApplyTimeout bounds how long a write waits for commit. Defaults to 5s.
    ApplyTimeout time.Duration

    // BindAddr selects a TCP transport (e.g. "127.0.0.1:0"); empty means an
    // in-memory transport.
    BindAddr string
    // DataDir selects bolt log/stable stores and file snapshots; empty keeps
    // everything in memory.
    DataDir           string
    SnapshotsRetained int

    Forward ForwardFunc
}
