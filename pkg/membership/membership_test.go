package membership

import (
    "errors"
    "fmt"
    "math/rand"
    "testing"
    "time"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func ns(id string, gen uint64, st Status, hb uint64) NodeState {
    return NodeState{NodeID: id, Addr: id + ":7000", Status: st, Generation: gen, Heartbeat: hb}
}

func TestMerge_GenerationPrecedence(t *testing.T) {
    g5 := ns("a", 5, StatusFailed, 1)
    g3 := ns("a", 3, StatusHealthy, 99)
    for _, order := range [][2]NodeState{{g5, g3}, {g3, g5}} {
        got, _ := Merge(order[0], order[1])
        if got.Generation != 5 || got.Status != StatusFailed {
            t.Fatalf("merge(%v,%v) = %+v, want generation 5", order[0].Generation, order[1].Generation, got)
        }
    }
    healthy5 := ns("a", 5, StatusHealthy, 10)
    for _, st := range []Status{StatusHealthy, StatusSuspected, StatusFailed, StatusRecovering, StatusLeaving} {
        got, changed := Merge(healthy5, ns("a", 6, st, 0))
        if !changed || got.Generation != 6 || got.Status != st {
            t.Fatalf("generation 6 %s did not override generation 5: %+v", st, got)
        }
    }
}

func TestMerge_StatusPrecedenceOnEqualGeneration(t *testing.T) {
    order := []Status{StatusHealthy, StatusRecovering, StatusSuspected, StatusLeaving, StatusFailed}
    for i := 0; i < len(order); i++ {
        for j := 0; j < len(order); j++ {
            got, _ := Merge(ns("a", 4, order[i], 0), ns("a", 4, order[j], 0))
            want := order[i]
            if j > i { want = order[j] }
            if got.Status != want {
                t.Fatalf("merge %s with %s = %s, want %s", order[i], order[j], got.Status, want)
            }
        }
    }
}

func TestMerge_EqualTupleTakesHigherHeartbeat(t *testing.T) {
    got, changed := Merge(ns("a", 2, StatusHealthy, 3), ns("a", 2, StatusHealthy, 7))
    if !changed || got.Heartbeat != 7 { t.Fatalf("want heartbeat 7, got %+v", got) }
    if _, changed := Merge(got, got); changed { t.Fatalf("merging identical record reported change") }
}

func TestMerge_KeepsLocalObservations(t *testing.T) {
    local := ns("a", 1, StatusHealthy, 1)
    local.Suspicion, local.LastHeartbeat = 3.5, t0
    in := ns("a", 1, StatusSuspected, 1)
    in.Suspicion, in.LastHeartbeat = 99, t0.Add(time.Hour)
    got, _ := Merge(local, in)
    if got.Suspicion != 3.5 || !got.LastHeartbeat.Equal(t0) {
        t.Fatalf("local observation fields overwritten: %+v", got)
    }
}

func randomState(r *rand.Rand, id string) NodeState {
    st := []Status{StatusHealthy, StatusSuspected, StatusFailed, StatusRecovering, StatusLeaving}[r.Intn(5)]
    return ns(id, uint64(1+r.Intn(4)), st, uint64(r.Intn(5)))
}

func randomDigest(r *rand.Rand, src string) Digest {
    d := Digest{SourceNodeID: src, SourceGeneration: 1, Members: map[string]NodeState{}, Timestamp: t0}
    for i := 0; i < 6; i++ {
        if r.Intn(3) == 0 { continue }
        id := fmt.Sprintf("n%d", i)
        d.Members[id] = randomState(r, id)
    }
    return d
}

// replicated strips local-only fields for convergence comparison.
func replicated(tab Table) map[string][3]uint64 {
    out := map[string][3]uint64{}
    for id, st := range tab {
        out[id] = [3]uint64{st.Generation, uint64(st.Status.Precedence()), st.Heartbeat}
    }
    return out
}

func TestApplyDigest_ConvergesInAnyOrder(t *testing.T) {
    r := rand.New(rand.NewSource(42))
    for round := 0; round < 200; round++ {
        digests := []Digest{randomDigest(r, "x"), randomDigest(r, "y"), randomDigest(r, "z")}
        var want map[string][3]uint64
        for p := 0; p < 6; p++ {
            perm := r.Perm(len(digests))
            tab := Table{}
            for _, i := range perm {
                tab.ApplyDigest(digests[i], t0, "")
                // duplicate delivery must be harmless
                if r.Intn(2) == 0 { tab.ApplyDigest(digests[i], t0, "") }
            }
            got := replicated(tab)
            if want == nil { want = got; continue }
            if fmt.Sprint(got) != fmt.Sprint(want) {
                t.Fatalf("round %d: order %v diverged:\n got %v\nwant %v", round, perm, got, want)
            }
        }
    }
}

func TestApplyDigest_BidirectionalExchangeConverges(t *testing.T) {
    r := rand.New(rand.NewSource(7))
    a, b := Table{}, Table{}
    a.ApplyDigest(randomDigest(r, "a"), t0, "")
    b.ApplyDigest(randomDigest(r, "b"), t0, "")
    snap := func(tab Table) Digest {
        return Digest{SourceNodeID: "s", SourceGeneration: 1, Members: map[string]NodeState(tab), Timestamp: t0}
    }
    da, db := snap(a), snap(b)
    a.ApplyDigest(db, t0, "")
    b.ApplyDigest(da, t0, "")
    if fmt.Sprint(replicated(a)) != fmt.Sprint(replicated(b)) {
        t.Fatalf("tables diverged after exchange:\n a=%v\n b=%v", replicated(a), replicated(b))
    }
}

func TestTableApply_FreshHeartbeatResetsSuspicion(t *testing.T) {
    tab := Table{}
    tab.Apply(ns("a", 1, StatusHealthy, 1), t0)
    st := tab["a"]
    st.Status, st.Suspicion = StatusSuspected, 9
    tab["a"] = st
    later := t0.Add(5 * time.Second)
    // healthy record with a higher heartbeat loses on status but proves liveness
    tab.Apply(ns("a", 1, StatusHealthy, 2), later)
    got := tab["a"]
    if got.Status != StatusSuspected { t.Fatalf("status should stay SUSPECTED, got %s", got.Status) }
    if got.Suspicion != 0 || !got.LastHeartbeat.Equal(later) {
        t.Fatalf("suspicion not reset: %+v", got)
    }
}

func TestApplyDigest_SkipsSelf(t *testing.T) {
    tab := Table{"me": ns("me", 3, StatusHealthy, 1)}
    d := Digest{SourceNodeID: "x", SourceGeneration: 1, Members: map[string]NodeState{"me": ns("me", 3, StatusFailed, 1)}}
    if changed := tab.ApplyDigest(d, t0, "me"); len(changed) != 0 { t.Fatalf("self record changed: %v", changed) }
}

func TestDigest_Validate(t *testing.T) {
    ok := Digest{SourceNodeID: "a", SourceGeneration: 1, Members: map[string]NodeState{"a": ns("a", 1, StatusHealthy, 0)}}
    if err := ok.Validate(); err != nil { t.Fatalf("valid digest rejected: %v", err) }
    bad := []Digest{
        {SourceGeneration: 1, Members: map[string]NodeState{}},
        {SourceNodeID: "a", Members: map[string]NodeState{}},
        {SourceNodeID: "a", SourceGeneration: 1},
        {SourceNodeID: "a", SourceGeneration: 1, Members: map[string]NodeState{"b": ns("c", 1, StatusHealthy, 0)}},
        {SourceNodeID: "a", SourceGeneration: 1, Members: map[string]NodeState{"b": ns("b", 1, "ALIVE", 0)}},
        {SourceNodeID: "a", SourceGeneration: 1, Members: map[string]NodeState{"b": ns("b", 0, StatusHealthy, 0)}},
    }
    for i, d := range bad {
        if err := d.Validate(); !errors.Is(err, ErrMalformedDigest) {
            t.Fatalf("case %d: expected ErrMalformedDigest, got %v", i, err)
        }
    }
}
