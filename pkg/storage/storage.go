package storage

import (
    "bytes"
    "context"
    "errors"
    "time"
)

var (
    // ErrNotFound is returned by Get when the key is absent or deleted.
    ErrNotFound = errors.New("storage: key not found")
    // ErrUnavailable wraps I/O failures of the underlying engine. Replication
    // treats it as a non-acknowledgment for the affected replica.
    ErrUnavailable = errors.New("storage: unavailable")
)

// Entry is a versioned value as stored on a replica.
type Entry struct {
    Key       string    `json:"key"`
    Value     []byte    `json:"value,omitempty"`
    Version   uint64    `json:"version"`
    Timestamp time.Time `json:"timestamp"`
    Deleted   bool      `json:"deleted,omitempty"`
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
    if e.Value != nil { e.Value = append([]byte(nil), e.Value...) }
    return e
}

// Engine is the local key/value store behind a replica. Writes are
// last-writer-wins by version: an entry with a lower version than the stored
// one is ignored and the stored version is returned instead.
type Engine interface {
    // Put stores e and returns the version now held for e.Key.
    Put(ctx context.Context, e Entry) (uint64, error)
    // Get returns the live entry for key or ErrNotFound.
    Get(ctx context.Context, key string) (Entry, error)
    // Lookup is Get including tombstones; ErrNotFound only for keys never written.
    Lookup(ctx context.Context, key string) (Entry, error)
    // Delete records a tombstone for key at version.
    Delete(ctx context.Context, key string, version uint64) error
    Close() error
}

// Newer reports whether candidate should replace current under last-writer-wins.
// Equal versions from different coordinators are ordered so every replica
// settles on the same entry: a tombstone beats a value, then the larger value
// bytes win. Identical entries are not newer than each other.
func Newer(candidate, current Entry) bool {
    if candidate.Version != current.Version { return candidate.Version > current.Version }
    if candidate.Deleted != current.Deleted { return candidate.Deleted }
    return bytes.Compare(candidate.Value, current.Value) > 0
}
