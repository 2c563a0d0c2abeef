package membership

import (
    "context"
    "errors"
    "sort"
    "sync/atomic"
    "time"

    obsmetrics "github.com/amirimatin/go-storecluster/pkg/observability/metrics"
)

// ErrStoreClosed is returned by Do once the store's writer has exited.
var ErrStoreClosed = errors.New("membership: store closed")

// Transition describes a status change of one node. From is empty for a node
// seen for the first time.
type Transition struct {
    NodeID     string
    From       Status
    To         Status
    Generation uint64
    At         time.Time
}

// EntersRing reports whether the node became HEALTHY.
func (t Transition) EntersRing() bool { return t.To == StatusHealthy && t.From != StatusHealthy }

// LeavesRing reports whether the node stopped being HEALTHY.
func (t Transition) LeavesRing() bool { return t.From == StatusHealthy && t.To != StatusHealthy }

// View is an immutable snapshot of the member table.
type View struct {
    members map[string]NodeState
    at      time.Time
}

func (v View) Get(nodeID string) (NodeState, bool) {
    st, ok := v.members[nodeID]
    return st, ok
}

func (v View) Len() int { return len(v.members) }

// At returns when the snapshot was published.
func (v View) At() time.Time { return v.at }

// Members returns a copy of the table keyed by node ID.
func (v View) Members() map[string]NodeState {
    out := make(map[string]NodeState, len(v.members))
    for id, st := range v.members { out[id] = st }
    return out
}

// List returns the members sorted by node ID.
func (v View) List() []NodeState {
    out := make([]NodeState, 0, len(v.members))
    for _, st := range v.members { out = append(out, st) }
    sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
    return out
}

// Count returns the number of members with the given status.
func (v View) Count(s Status) int {
    n := 0
    for _, st := range v.members {
        if st.Status == s { n++ }
    }
    return n
}

// Digest builds the gossip message for this view as sent by source.
func (v View) Digest(source string, generation uint64, now time.Time) Digest {
    return Digest{SourceNodeID: source, SourceGeneration: generation, Members: v.Members(), Timestamp: now.UTC()}
}

type op struct {
    fn   func(t Table, now time.Time)
    done chan struct{}
}

// StoreOptions configures a Store.
type StoreOptions struct {
    // OnTransition runs on the writer goroutine for every status change, in
    // node ID order, after the new view is published.
    OnTransition func(Transition)
    // Now overrides the clock (tests).
    Now func() time.Time
}

// Store owns the member table. A single writer goroutine (Run) applies all
// mutations; readers get lock-free immutable snapshots.
type Store struct {
    opts StoreOptions
    ops  chan op
    view atomic.Pointer[View]
    done chan struct{}
    ran  atomic.Bool
}

func NewStore(opts StoreOptions) *Store {
    if opts.Now == nil { opts.Now = time.Now }
    s := &Store{opts: opts, ops: make(chan op, 64), done: make(chan struct{})}
    s.view.Store(&View{members: map[string]NodeState{}, at: opts.Now()})
    return s
}

// Run applies queued mutations until ctx is done. It must be called once.
func (s *Store) Run(ctx context.Context) {
    if !s.ran.CompareAndSwap(false, true) { return }
    defer close(s.done)
    for {
        select {
        case <-ctx.Done():
            return
        case o := <-s.ops:
            s.apply(o)
        }
    }
}

// Do runs fn against a working copy of the table on the writer goroutine and
// waits until the resulting view is published.
func (s *Store) Do(ctx context.Context, fn func(t Table, now time.Time)) error {
    o := op{fn: fn, done: make(chan struct{})}
    select {
    case s.ops <- o:
    case <-s.done:
        return ErrStoreClosed
    case <-ctx.Done():
        return ctx.Err()
    }
    select {
    case <-o.done:
        return nil
    case <-s.done:
        return ErrStoreClosed
    case <-ctx.Done():
        return ctx.Err()
    }
}

// Snapshot returns the latest published view.
func (s *Store) Snapshot() View { return *s.view.Load() }

func (s *Store) apply(o op) {
    defer close(o.done)
    now := s.opts.Now()
    prev := s.view.Load().members
    work := make(Table, len(prev)+1)
    for id, st := range prev { work[id] = st }
    o.fn(work, now)

    var trans []Transition
    for id, st := range work {
        old, known := prev[id]
        if known && old.Status == st.Status { continue }
        from := Status("")
        if known { from = old.Status }
        st.ChangedAt = now
        work[id] = st
        trans = append(trans, Transition{NodeID: id, From: from, To: st.Status, Generation: st.Generation, At: now})
    }
    next := &View{members: map[string]NodeState(work), at: now}
    s.view.Store(next)
    sort.Slice(trans, func(i, j int) bool { return trans[i].NodeID < trans[j].NodeID })
    for _, t := range trans {
        if t.From != "" { obsmetrics.Transitions.WithLabelValues(string(t.From), string(t.To)).Inc() }
        if s.opts.OnTransition != nil { s.opts.OnTransition(t) }
    }
    if len(trans) > 0 {
        for _, st := range []Status{StatusHealthy, StatusSuspected, StatusFailed, StatusRecovering, StatusLeaving} {
            obsmetrics.Members.WithLabelValues(string(st)).Set(float64(next.Count(st)))
        }
    }
}
