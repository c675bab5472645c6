package raftstore

import (
    "encoding/json"
    "fmt"
    "io"
    "sync"
    "time"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-flowcluster/pkg/lock"
)

const (
    opAcquire = "acquire"
    opExtend  = "extend"
    opRelease = "release"
)

// command is one replicated lock table mutation. Now travels with the entry
// so every replica judges expiry against the same instant.
type command struct {
    Op        string                `json:"op"`
    Lock      *lock.DistributedLock `json:"lock,omitempty"`
    LockID    string                `json:"lockId,omitempty"`
    OwnerID   string                `json:"ownerId,omitempty"`
    Extension time.Duration         `json:"extension,omitempty"`
    Now       time.Time             `json:"now"`
}

type result struct {
    OK   bool                  `json:"ok"`
    Lock *lock.DistributedLock `json:"lock,omitempty"`
    Err  string                `json:"err,omitempty"`
}

// lockFSM applies committed commands to a lock.Table.
type lockFSM struct {
    mu sync.RWMutex
    t  *lock.Table
}

func newLockFSM() *lockFSM { return &lockFSM{t: lock.NewTable()} }

func (f *lockFSM) Apply(l *raft.Log) interface{} {
    var cmd command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return result{Err: err.Error()}
    }
    f.mu.Lock(); defer f.mu.Unlock()
    switch cmd.Op {
    case opAcquire:
        if cmd.Lock == nil { return result{Err: "acquire without lock"} }
        return result{OK: f.t.Acquire(*cmd.Lock, cmd.Now)}
    case opExtend:
        l, ok := f.t.Extend(cmd.LockID, cmd.OwnerID, cmd.Extension, cmd.Now)
        if !ok { return result{} }
        return result{OK: true, Lock: &l}
    case opRelease:
        return result{OK: f.t.Release(cmd.LockID, cmd.OwnerID)}
    default:
        return result{Err: fmt.Sprintf("unknown op %q", cmd.Op)}
    }
}

func (f *lockFSM) holders(res lock.Resource, now time.Time) []lock.DistributedLock {
    f.mu.RLock(); defer f.mu.RUnlock()
    return f.t.Holders(res, now)
}

func (f *lockFSM) Snapshot() (raft.FSMSnapshot, error) {
    f.mu.RLock(); defer f.mu.RUnlock()
    blob, err := f.t.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob}, nil
}

func (f *lockFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    f.mu.Lock(); defer f.mu.Unlock()
    return f.t.Restore(data)
}

type snapshot struct{ blob []byte }

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*lockFSM)(nil)
