package memory

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-storecluster/pkg/storage"
)

// Store is an in-memory storage.Engine. Values are copied on the way in and
// out so callers cannot mutate stored data.
type Store struct {
    mu      sync.RWMutex
    entries map[string]storage.Entry
    closed  bool
}

func New() *Store { return &Store{entries: make(map[string]storage.Entry)} }

func (s *Store) Put(ctx context.Context, e storage.Entry) (uint64, error) {
    if err := ctx.Err(); err != nil { return 0, err }
    s.mu.Lock(); defer s.mu.Unlock()
    if s.closed { return 0, storage.ErrUnavailable }
    if cur, ok := s.entries[e.Key]; ok && !storage.Newer(e, cur) {
        return cur.Version, nil
    }
    if e.Timestamp.IsZero() { e.Timestamp = time.Now().UTC() }
    s.entries[e.Key] = e.Clone()
    return e.Version, nil
}

func (s *Store) Get(ctx context.Context, key string) (storage.Entry, error) {
    if err := ctx.Err(); err != nil { return storage.Entry{}, err }
    s.mu.RLock(); defer s.mu.RUnlock()
    if s.closed { return storage.Entry{}, storage.ErrUnavailable }
    e, ok := s.entries[key]
    if !ok || e.Deleted { return storage.Entry{}, storage.ErrNotFound }
    return e.Clone(), nil
}

func (s *Store) Lookup(ctx context.Context, key string) (storage.Entry, error) {
    if err := ctx.Err(); err != nil { return storage.Entry{}, err }
    s.mu.RLock(); defer s.mu.RUnlock()
    if s.closed { return storage.Entry{}, storage.ErrUnavailable }
    e, ok := s.entries[key]
    if !ok { return storage.Entry{}, storage.ErrNotFound }
    return e.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, key string, version uint64) error {
    _, err := s.Put(ctx, storage.Entry{Key: key, Version: version, Deleted: true})
    return err
}

// Len returns the number of stored keys, tombstones included.
func (s *Store) Len() int {
    s.mu.RLock(); defer s.mu.RUnlock()
    return len(s.entries)
}

func (s *Store) Close() error {
    s.mu.Lock(); defer s.mu.Unlock()
    s.closed = true
    return nil
}

var _ storage.Engine = (*Store)(nil)
