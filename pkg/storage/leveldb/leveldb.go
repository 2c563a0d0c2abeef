package leveldb

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "sync"
    "time"

    "github.com/syndtr/goleveldb/leveldb"
    levelErrors "github.com/syndtr/goleveldb/leveldb/errors"
    "github.com/syndtr/goleveldb/leveldb/opt"

    "github.com/amirimatin/go-storecluster/pkg/internal/logutil"
    "github.com/amirimatin/go-storecluster/pkg/storage"
)

// Store is a storage.Engine persisted in a LevelDB directory. Entries are
// stored JSON-encoded under their key.
type Store struct {
    // serializes read-compare-write for last-writer-wins
    mu     sync.Mutex
    db     *leveldb.DB
    logger *log.Logger
}

// Open opens (or creates) the database at path. A corrupted database is
// recovered once before giving up.
func Open(path string, logger *log.Logger) (*Store, error) {
    logger = logutil.Named(logger, "leveldb")
    db, err := leveldb.OpenFile(path, &opt.Options{})
    if err != nil && levelErrors.IsCorrupted(err) {
        logutil.Warnf(logger, "database at %s is corrupted, attempting recovery: %v", path, err)
        db, err = leveldb.RecoverFile(path, nil)
    }
    if err != nil {
        return nil, fmt.Errorf("%w: open %s: %v", storage.ErrUnavailable, path, err)
    }
    return &Store{db: db, logger: logger}, nil
}

func (s *Store) Put(ctx context.Context, e storage.Entry) (uint64, error) {
    if err := ctx.Err(); err != nil { return 0, err }
    s.mu.Lock(); defer s.mu.Unlock()
    cur, found, err := s.load(e.Key)
    if err != nil { return 0, err }
    if found && !storage.Newer(e, cur) {
        return cur.Version, nil
    }
    if e.Timestamp.IsZero() { e.Timestamp = time.Now().UTC() }
    b, err := json.Marshal(e)
    if err != nil { return 0, err }
    if err := s.db.Put([]byte(e.Key), b, nil); err != nil {
        return 0, fmt.Errorf("%w: put %q: %v", storage.ErrUnavailable, e.Key, err)
    }
    return e.Version, nil
}

func (s *Store) Get(ctx context.Context, key string) (storage.Entry, error) {
    if err := ctx.Err(); err != nil { return storage.Entry{}, err }
    e, found, err := s.load(key)
    if err != nil { return storage.Entry{}, err }
    if !found || e.Deleted { return storage.Entry{}, storage.ErrNotFound }
    return e, nil
}

func (s *Store) Lookup(ctx context.Context, key string) (storage.Entry, error) {
    if err := ctx.Err(); err != nil { return storage.Entry{}, err }
    e, found, err := s.load(key)
    if err != nil { return storage.Entry{}, err }
    if !found { return storage.Entry{}, storage.ErrNotFound }
    return e, nil
}

func (s *Store) Delete(ctx context.Context, key string, version uint64) error {
    _, err := s.Put(ctx, storage.Entry{Key: key, Version: version, Deleted: true})
    return err
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) load(key string) (storage.Entry, bool, error) {
    var e storage.Entry
    b, err := s.db.Get([]byte(key), nil)
    if err == leveldb.ErrNotFound { return e, false, nil }
    if err != nil {
        return e, false, fmt.Errorf("%w: get %q: %v", storage.ErrUnavailable, key, err)
    }
    if err := json.Unmarshal(b, &e); err != nil {
        logutil.Errorf(s.logger, "undecodable entry for key %q: %v", key, err)
        return e, false, fmt.Errorf("%w: decode %q: %v", storage.ErrUnavailable, key, err)
    }
    return e, true, nil
}

var _ storage.Engine = (*Store)(nil)
