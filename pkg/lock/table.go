package lock

import (
    "encoding/json"
    "sort"
    "time"
)

// Table is the lock table state machine shared by in-process stores and
// replicated FSMs. It is not safe for concurrent use; callers serialise.
type Table struct {
    byID  map[string]DistributedLock
    byRes map[Resource]map[string]struct{}
}

func NewTable() *Table {
    return &Table{byID: make(map[string]DistributedLock), byRes: make(map[Resource]map[string]struct{})}
}

// Admits reports whether a holder in mode may join the given unexpired holders.
func Admits(holders []DistributedLock, mode Mode) bool {
    if len(holders) == 0 { return true }
    if mode == Exclusive { return false }
    for _, h := range holders {
        if h.Mode == Exclusive { return false }
    }
    return true
}

// Acquire purges expired holders of the candidate's resource and inserts the
// candidate when Admits allows it.
func (t *Table) Acquire(c DistributedLock, now time.Time) bool {
    if !c.ValidAt(now) { return false }
    if _, dup := t.byID[c.ID]; dup { return false }
    res := c.Resource()
    if !Admits(t.holders(res, now), c.Mode) { return false }
    t.byID[c.ID] = c
    if t.byRes[res] == nil { t.byRes[res] = make(map[string]struct{}) }
    t.byRes[res][c.ID] = struct{}{}
    return true
}

// Extend pushes ExpiresAt forward for the owner of an unexpired lock.
func (t *Table) Extend(lockID, ownerID string, ext time.Duration, now time.Time) (DistributedLock, bool) {
    l, ok := t.byID[lockID]
    if !ok || l.OwnerID != ownerID || !l.ValidAt(now) || ext <= 0 {
        return DistributedLock{}, false
    }
    l.ExpiresAt = l.ExpiresAt.Add(ext)
    l.ExtensionCount++
    t.byID[lockID] = l
    return l, true
}

// Release deletes the lock when ownerID matches.
func (t *Table) Release(lockID, ownerID string) bool {
    l, ok := t.byID[lockID]
    if !ok || l.OwnerID != ownerID { return false }
    t.drop(l)
    return true
}

// Holders returns the unexpired holders of res ordered by acquisition. It
// does not modify the table, so replicas may serve it from local state.
func (t *Table) Holders(res Resource, now time.Time) []DistributedLock {
    return t.collect(res, now, false)
}

func (t *Table) holders(res Resource, now time.Time) []DistributedLock {
    return t.collect(res, now, true)
}

func (t *Table) collect(res Resource, now time.Time, purge bool) []DistributedLock {
    ids := t.byRes[res]
    out := make([]DistributedLock, 0, len(ids))
    for id := range ids {
        l := t.byID[id]
        if !l.ValidAt(now) {
            if purge { t.drop(l) }
            continue
        }
        out = append(out, l)
    }
    sort.Slice(out, func(i, j int) bool {
        if out[i].AcquiredAt.Equal(out[j].AcquiredAt) { return out[i].ID < out[j].ID }
        return out[i].AcquiredAt.Before(out[j].AcquiredAt)
    })
    return out
}

func (t *Table) drop(l DistributedLock) {
    delete(t.byID, l.ID)
    res := l.Resource()
    if set := t.byRes[res]; set != nil {
        delete(set, l.ID)
        if len(set) == 0 { delete(t.byRes, res) }
    }
}

// Len counts entries, expired or not.
func (t *Table) Len() int { return len(t.byID) }

// Snapshot encodes the table as stable JSON.
func (t *Table) Snapshot() ([]byte, error) {
    arr := make([]DistributedLock, 0, len(t.byID))
    for _, l := range t.byID { arr = append(arr, l) }
    sort.Slice(arr, func(i, j int) bool { return arr[i].ID < arr[j].ID })
    return json.Marshal(struct {
        Version int               `json:"version"`
        Locks   []DistributedLock `json:"locks"`
    }{Version: 1, Locks: arr})
}

// Restore replaces the table contents with a Snapshot.
func (t *Table) Restore(buf []byte) error {
    var snap struct {
        Version int               `json:"version"`
        Locks   []DistributedLock `json:"locks"`
    }
    if err := json.Unmarshal(buf, &snap); err != nil { return err }
    t.byID = make(map[string]DistributedLock, len(snap.Locks))
    t.byRes = make(map[Resource]map[string]struct{})
    for _, l := range snap.Locks {
        if l.ID == "" { continue }
        t.byID[l.ID] = l
        res := l.Resource()
        if t.byRes[res] == nil { t.byRes[res] = make(map[string]struct{}) }
        t.byRes[res][l.ID] = struct{}{}
    }
    return nil
}
