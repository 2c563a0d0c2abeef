package membership

import (
    "context"
    "errors"
    "path/filepath"
    "sync"
    "testing"
    "time"
)

func startStore(t *testing.T, onT func(Transition)) (*Store, context.CancelFunc) {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    s := NewStore(StoreOptions{OnTransition: onT, Now: func() time.Time { return t0 }})
    go s.Run(ctx)
    return s, cancel
}

func TestStore_TransitionsAndSnapshots(t *testing.T) {
    var mu sync.Mutex
    var got []Transition
    s, cancel := startStore(t, func(tr Transition) { mu.Lock(); got = append(got, tr); mu.Unlock() })
    defer cancel()
    ctx := context.Background()

    before := s.Snapshot()
    err := s.Do(ctx, func(tab Table, now time.Time) {
        tab.Apply(ns("a", 1, StatusHealthy, 0), now)
        tab.Apply(ns("b", 1, StatusHealthy, 0), now)
    })
    if err != nil { t.Fatalf("do: %v", err) }
    if before.Len() != 0 { t.Fatalf("old snapshot mutated: %d members", before.Len()) }
    if s.Snapshot().Count(StatusHealthy) != 2 { t.Fatalf("want 2 healthy, got %v", s.Snapshot().List()) }

    _ = s.Do(ctx, func(tab Table, now time.Time) {
        tab.Apply(ns("a", 1, StatusSuspected, 0), now)
    })
    mu.Lock(); defer mu.Unlock()
    if len(got) != 3 { t.Fatalf("want 3 transitions, got %+v", got) }
    last := got[2]
    if last.NodeID != "a" || last.From != StatusHealthy || last.To != StatusSuspected || !last.LeavesRing() {
        t.Fatalf("unexpected transition: %+v", last)
    }
    if !got[0].EntersRing() || got[0].From != "" { t.Fatalf("first sighting should enter ring: %+v", got[0]) }
}

func TestStore_DoAfterStop(t *testing.T) {
    s, cancel := startStore(t, nil)
    cancel()
    deadline := time.Now().Add(2 * time.Second)
    for {
        err := s.Do(context.Background(), func(Table, time.Time) {})
        if errors.Is(err, ErrStoreClosed) { return }
        if time.Now().After(deadline) { t.Fatalf("expected ErrStoreClosed, got %v", err) }
        time.Sleep(10 * time.Millisecond)
    }
}

func TestStore_SaveAndLoadFile(t *testing.T) {
    s, cancel := startStore(t, nil)
    defer cancel()
    _ = s.Do(context.Background(), func(tab Table, now time.Time) {
        tab.Apply(ns("b", 2, StatusFailed, 4), now)
        tab.Apply(ns("a", 1, StatusHealthy, 1), now)
    })
    path := filepath.Join(t.TempDir(), "membership.json")
    if err := SaveFile(path, s.Snapshot()); err != nil { t.Fatalf("save: %v", err) }
    members, err := LoadFile(path)
    if err != nil { t.Fatalf("load: %v", err) }
    if len(members) != 2 || members[0].NodeID != "a" || members[1].Status != StatusFailed {
        t.Fatalf("unexpected members: %+v", members)
    }
    none, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
    if err != nil || none != nil { t.Fatalf("missing file: %v %v", none, err) }
}
