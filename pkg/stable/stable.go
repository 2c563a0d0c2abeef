// Package stable persists the small amount of node state that must survive a
// restart: the node's own generation counter and the highest coordinator
// generation seen per replication lineage (epoch fencing).
package stable

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sync"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"
)

var (
    keyGeneration = []byte("generation")
    epochPrefix   = "epoch/"
)

// Store wraps a raft.StableStore. Safe for concurrent use.
type Store struct {
    mu     sync.Mutex
    kv     raft.StableStore
    closer func() error
    now    func() time.Time
}

// Open selects a bolt store at <dir>/stable.db when dir is non-empty, and an
// in-memory store otherwise.
func Open(dir string) (*Store, error) {
    if dir == "" {
        return &Store{kv: raft.NewInmemStore(), closer: func() error { return nil }, now: time.Now}, nil
    }
    if err := os.MkdirAll(dir, 0o755); err != nil { return nil, fmt.Errorf("stable: mkdir: %w", err) }
    b, err := raftboltdb.NewBoltStore(filepath.Join(dir, "stable.db"))
    if err != nil { return nil, fmt.Errorf("stable: open bolt store: %w", err) }
    return &Store{kv: b, closer: b.Close, now: time.Now}, nil
}

// NewWithStore wraps an existing raft.StableStore (tests, embedding).
func NewWithStore(kv raft.StableStore, now func() time.Time) *Store {
    if now == nil { now = time.Now }
    return &Store{kv: kv, closer: func() error { return nil }, now: now}
}

func (s *Store) getUint64(key []byte) (uint64, error) {
    v, err := s.kv.GetUint64(key)
    if errors.Is(err, raftboltdb.ErrKeyNotFound) { return 0, nil }
    return v, err
}

// Generation returns the persisted generation, 0 if none.
func (s *Store) Generation() (uint64, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.getUint64(keyGeneration)
}

// NextGeneration allocates the generation for a new incarnation of this node:
// max(stored+1, unix seconds). The result is persisted before it is returned.
func (s *Store) NextGeneration() (uint64, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    cur, err := s.getUint64(keyGeneration)
    if err != nil { return 0, err }
    next := cur + 1
    if wall := uint64(s.now().Unix()); wall > next { next = wall }
    if err := s.kv.SetUint64(keyGeneration, next); err != nil { return 0, err }
    return next, nil
}

// SetGeneration persists g if it is higher than the stored generation.
func (s *Store) SetGeneration(g uint64) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    cur, err := s.getUint64(keyGeneration)
    if err != nil { return err }
    if g <= cur { return nil }
    return s.kv.SetUint64(keyGeneration, g)
}

// Epoch returns the highest generation observed for lineage.
func (s *Store) Epoch(lineage string) (uint64, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.getUint64([]byte(epochPrefix + lineage))
}

// ObserveEpoch fences lineage at gen. A gen below the highest stored one is
// stale and leaves the store untouched; otherwise gen becomes the new high
// water mark. It returns the high water mark after the call.
func (s *Store) ObserveEpoch(lineage string, gen uint64) (highest uint64, stale bool, err error) {
    key := []byte(epochPrefix + lineage)
    s.mu.Lock()
    defer s.mu.Unlock()
    cur, err := s.getUint64(key)
    if err != nil { return 0, false, err }
    if gen < cur { return cur, true, nil }
    if gen > cur {
        if err := s.kv.SetUint64(key, gen); err != nil { return cur, false, err }
    }
    return gen, false, nil
}

func (s *Store) Close() error { return s.closer() }
