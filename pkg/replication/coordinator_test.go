package replication

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/prometheus/client_golang/prometheus/testutil"

    "github.com/amirimatin/go-storecluster/pkg/membership"
    obsmetrics "github.com/amirimatin/go-storecluster/pkg/observability/metrics"
    "github.com/amirimatin/go-storecluster/pkg/ring"
    "github.com/amirimatin/go-storecluster/pkg/stable"
    "github.com/amirimatin/go-storecluster/pkg/storage"
    "github.com/amirimatin/go-storecluster/pkg/storage/memory"
    "github.com/amirimatin/go-storecluster/pkg/transport"
)

var errDown = errors.New("connection refused")

// fakeNet delivers replica calls to in-process coordinators. A hook, when
// set for an address, runs instead of the normal delivery.
type fakeNet struct {
    mu    sync.Mutex
    nodes map[string]*Coordinator
    hooks map[string]func(ctx context.Context, deliver func(context.Context) (transport.ReplicationResponse, error)) (transport.ReplicationResponse, error)
}

func (n *fakeNet) node(addr string) (*Coordinator, func(context.Context, func(context.Context) (transport.ReplicationResponse, error)) (transport.ReplicationResponse, error)) {
    n.mu.Lock()
    defer n.mu.Unlock()
    return n.nodes[addr], n.hooks[addr]
}

func (n *fakeNet) setHook(addr string, h func(context.Context, func(context.Context) (transport.ReplicationResponse, error)) (transport.ReplicationResponse, error)) {
    n.mu.Lock()
    n.hooks[addr] = h
    n.mu.Unlock()
}

func (n *fakeNet) Replicate(ctx context.Context, addr string, req transport.ReplicationRequest) (transport.ReplicationResponse, error) {
    c, hook := n.node(addr)
    if c == nil { return transport.ReplicationResponse{}, errDown }
    deliver := func(ctx context.Context) (transport.ReplicationResponse, error) { return c.HandleReplicate(ctx, req) }
    if hook != nil { return hook(ctx, deliver) }
    return deliver(ctx)
}

func (n *fakeNet) Read(ctx context.Context, addr string, req transport.ReadRequest) (transport.ReadResponse, error) {
    c, hook := n.node(addr)
    if c == nil || hook != nil { return transport.ReadResponse{}, errDown }
    return c.Read(ctx, req)
}

func (n *fakeNet) Gossip(context.Context, string, membership.Digest) error { return errDown }
func (n *fakeNet) AntiEntropy(context.Context, string, membership.Digest) (membership.Digest, error) {
    return membership.Digest{}, errDown
}
func (n *fakeNet) Membership(context.Context, string) (map[string]membership.NodeState, error) { return nil, errDown }
func (n *fakeNet) Write(context.Context, string, transport.WriteRequest) (transport.WriteResponse, error) {
    return transport.WriteResponse{}, errDown
}
func (n *fakeNet) Delete(context.Context, string, transport.DeleteRequest) (transport.WriteResponse, error) {
    return transport.WriteResponse{}, errDown
}
func (n *fakeNet) GetStatus(context.Context, string) ([]byte, error) { return nil, errDown }

type members struct {
    store *membership.Store
    gen   uint64
}

func (m members) Snapshot() membership.View { return m.store.Snapshot() }
func (m members) Generation() uint64        { return m.gen }

func silent(ctx context.Context, _ func(context.Context) (transport.ReplicationResponse, error)) (transport.ReplicationResponse, error) {
    <-ctx.Done()
    return transport.ReplicationResponse{}, ctx.Err()
}

// late applies the write after d, ignoring the caller's deadline.
func late(d time.Duration) func(context.Context, func(context.Context) (transport.ReplicationResponse, error)) (transport.ReplicationResponse, error) {
    return func(_ context.Context, deliver func(context.Context) (transport.ReplicationResponse, error)) (transport.ReplicationResponse, error) {
        time.Sleep(d)
        return deliver(context.Background())
    }
}

type testCluster struct {
    net     *fakeNet
    coords  map[string]*Coordinator
    engines map[string]*memory.Store
    store   *membership.Store
}

// newCluster starts coordinators for ids, all HEALTHY at generation 1 and
// placed on a shared ring.
func newCluster(t *testing.T, opts Options, ids ...string) *testCluster {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    tc := &testCluster{
        net:     &fakeNet{nodes: map[string]*Coordinator{}, hooks: map[string]func(context.Context, func(context.Context) (transport.ReplicationResponse, error)) (transport.ReplicationResponse, error){}},
        coords:  map[string]*Coordinator{},
        engines: map[string]*memory.Store{},
        store:   membership.NewStore(membership.StoreOptions{}),
    }
    go tc.store.Run(ctx)
    r := ring.New(16)
    err := tc.store.Do(ctx, func(tb membership.Table, now time.Time) {
        for _, id := range ids {
            tb.Apply(membership.NodeState{NodeID: id, Addr: id + ":7000", Status: membership.StatusHealthy, Generation: 1}, now)
        }
    })
    if err != nil { t.Fatalf("seed members: %v", err) }
    for _, id := range ids {
        r.AddNode(id)
        gens, err := stable.Open("")
        if err != nil { t.Fatalf("stable: %v", err) }
        o := opts
        o.NodeID = id
        eng := memory.New()
        c, err := New(o, Deps{Ring: r, Members: members{store: tc.store, gen: 1}, Engine: eng, Client: tc.net, Epochs: gens})
        if err != nil { t.Fatalf("new coordinator %s: %v", id, err) }
        tc.coords[id], tc.engines[id] = c, eng
        tc.net.nodes[id+":7000"] = c
        t.Cleanup(c.Wait)
    }
    return tc
}

func contains(ids []string, id string) bool {
    for _, x := range ids {
        if x == id { return true }
    }
    return false
}

func TestWrite_QuorumWithSilentReplica(t *testing.T) {
    tc := newCluster(t, Options{Timeout: 2 * time.Second}, "a", "b", "c")
    tc.net.setHook("c:7000", silent)

    start := time.Now()
    res, err := tc.coords["a"].Write(context.Background(), transport.WriteRequest{Key: "k", Value: []byte("v"), ReplicationFactor: 3, WriteQuorum: 2})
    if err != nil { t.Fatalf("write: %v", err) }
    if took := time.Since(start); took > time.Second { t.Fatalf("write waited for the silent replica: %s", took) }
    if !res.Success || res.Acks != 2 || res.Required != 2 || len(res.Replicas) != 3 {
        t.Fatalf("unexpected result: %+v", res)
    }
    if !contains(res.Acked, "a") || !contains(res.Acked, "b") { t.Fatalf("acked = %v", res.Acked) }
    for _, id := range []string{"a", "b"} {
        e, err := tc.engines[id].Get(context.Background(), "k")
        if err != nil || string(e.Value) != "v" || e.Version != res.Version { t.Fatalf("%s holds %+v, %v", id, e, err) }
    }
}

func TestWrite_NoQuorumLateAckDoesNotFlip(t *testing.T) {
    tc := newCluster(t, Options{Timeout: 100 * time.Millisecond}, "a", "b", "c")
    tc.net.setHook("b:7000", late(300*time.Millisecond))
    delete(tc.net.nodes, "c:7000")
    lateBefore := testutil.ToFloat64(obsmetrics.ReplicaAcks.WithLabelValues("late_ack"))

    res, err := tc.coords["a"].Write(context.Background(), transport.WriteRequest{Key: "k", Value: []byte("v"), WriteQuorum: 2})
    if !errors.Is(err, ErrNoQuorum) { t.Fatalf("want ErrNoQuorum, got %v", err) }
    if res.Success || res.Acks != 1 { t.Fatalf("unexpected result: %+v", res) }
    snapshot := res

    tc.coords["a"].Wait()
    if got := testutil.ToFloat64(obsmetrics.ReplicaAcks.WithLabelValues("late_ack")); got != lateBefore+1 {
        t.Fatalf("late acks = %v, want %v", got, lateBefore+1)
    }
    // the late replica converged, the caller's answer did not change
    if e, err := tc.engines["b"].Get(context.Background(), "k"); err != nil || e.Version != res.Version {
        t.Fatalf("late replica holds %+v, %v", e, err)
    }
    if res.Success != snapshot.Success || res.Acks != snapshot.Acks || len(res.Acked) != len(snapshot.Acked) {
        t.Fatalf("result changed after return: %+v", res)
    }
}

func TestWrite_FailsEarlyWhenQuorumUnreachable(t *testing.T) {
    tc := newCluster(t, Options{Timeout: 5 * time.Second}, "a", "b", "c")
    delete(tc.net.nodes, "b:7000")
    delete(tc.net.nodes, "c:7000")

    start := time.Now()
    _, err := tc.coords["a"].Write(context.Background(), transport.WriteRequest{Key: "k", Value: []byte("v"), WriteQuorum: 2})
    if !errors.Is(err, ErrNoQuorum) { t.Fatalf("want ErrNoQuorum, got %v", err) }
    if time.Since(start) > time.Second { t.Fatalf("waited for the deadline although the quorum was unreachable") }
}

func TestWrite_InvalidQuorum(t *testing.T) {
    tc := newCluster(t, Options{}, "a", "b", "c")
    for _, w := range []int{-1, 4} {
        _, err := tc.coords["a"].Write(context.Background(), transport.WriteRequest{Key: "k", ReplicationFactor: 3, WriteQuorum: w})
        if !errors.Is(err, ErrInvalidQuorum) || !errors.Is(err, transport.ErrInvalid) {
            t.Fatalf("W=%d: want ErrInvalidQuorum, got %v", w, err)
        }
    }
    if _, err := tc.coords["a"].Write(context.Background(), transport.WriteRequest{}); !errors.Is(err, transport.ErrInvalid) {
        t.Fatalf("empty key: want ErrInvalid, got %v", err)
    }
    if _, err := New(Options{NodeID: "x", ReplicationFactor: 2, WriteQuorum: 3}, Deps{}); !errors.Is(err, ErrInvalidQuorum) {
        t.Fatalf("options: want ErrInvalidQuorum, got %v", err)
    }
}

func TestWrite_UnderReplicationPolicies(t *testing.T) {
    tc := newCluster(t, Options{}, "a", "b")
    res, err := tc.coords["a"].Write(context.Background(), transport.WriteRequest{Key: "k", Value: []byte("v"), ReplicationFactor: 3, WriteQuorum: 3})
    if err != nil { t.Fatalf("best-effort write: %v", err) }
    if res.Required != 2 || res.Acks != 2 { t.Fatalf("quorum not clamped: %+v", res) }

    strict := newCluster(t, Options{Policy: PolicyFailFast}, "a", "b")
    _, err = strict.coords["a"].Write(context.Background(), transport.WriteRequest{Key: "k", Value: []byte("v"), ReplicationFactor: 3})
    if !errors.Is(err, ErrInsufficientReplicas) || !errors.Is(err, ErrNoQuorum) {
        t.Fatalf("fail-fast: want ErrInsufficientReplicas, got %v", err)
    }
    if _, err := ParsePolicy("sometimes"); err == nil { t.Fatalf("unknown policy accepted") }
}

func TestWrite_ExplicitFollowers(t *testing.T) {
    tc := newCluster(t, Options{}, "a", "b", "c")
    res, err := tc.coords["a"].Write(context.Background(), transport.WriteRequest{Key: "k", Value: []byte("v"), Followers: []string{"b:7000"}})
    if err != nil { t.Fatalf("write: %v", err) }
    if len(res.Replicas) != 2 || res.Replicas[0] != "a" || res.Replicas[1] != "b" { t.Fatalf("replicas = %v", res.Replicas) }
    if _, err := tc.engines["c"].Get(context.Background(), "k"); !errors.Is(err, storage.ErrNotFound) {
        t.Fatalf("non-follower received the write: %v", err)
    }
}

func TestHandleReplicate_StaleEpoch(t *testing.T) {
    tc := newCluster(t, Options{}, "a", "b")
    b := tc.coords["b"]
    ctx := context.Background()
    req := func(gen, version uint64, value string) transport.ReplicationRequest {
        return transport.ReplicationRequest{RequestID: "r", CoordinatorID: "old-coordinator", Key: "k", Value: []byte(value), Version: version, Generation: gen}
    }

    if _, err := b.HandleReplicate(ctx, req(3, 10, "three")); err != nil { t.Fatalf("generation 3: %v", err) }
    resp, err := b.HandleReplicate(ctx, req(2, 20, "two"))
    if !errors.Is(err, ErrStaleEpoch) || resp.Success { t.Fatalf("generation 2 after 3: want ErrStaleEpoch, got %+v %v", resp, err) }
    if e, _ := tc.engines["b"].Get(ctx, "k"); string(e.Value) != "three" { t.Fatalf("stale write applied: %+v", e) }
    if _, err := b.HandleReplicate(ctx, req(3, 30, "again")); err != nil { t.Fatalf("equal generation rejected: %v", err) }

    // the member table fences a lineage too: a is known at generation 1
    if _, err := b.HandleReplicate(ctx, transport.ReplicationRequest{CoordinatorID: "a", Key: "k", Version: 40, Generation: 1}); err != nil {
        t.Fatalf("current member generation rejected: %v", err)
    }
    err = tc.store.Do(ctx, func(tb membership.Table, now time.Time) {
        tb.Apply(membership.NodeState{NodeID: "a", Addr: "a:7000", Status: membership.StatusHealthy, Generation: 5}, now)
    })
    if err != nil { t.Fatalf("bump: %v", err) }
    if _, err := b.HandleReplicate(ctx, transport.ReplicationRequest{CoordinatorID: "a", Key: "k", Version: 50, Generation: 4}); !errors.Is(err, ErrStaleEpoch) {
        t.Fatalf("generation below the member table: want ErrStaleEpoch, got %v", err)
    }
    if _, err := b.HandleReplicate(ctx, transport.ReplicationRequest{Key: "k"}); !errors.Is(err, transport.ErrInvalid) {
        t.Fatalf("want ErrInvalid, got %v", err)
    }
}

func TestWrite_ExternalEpochFencesAllCoordinators(t *testing.T) {
    tc := newCluster(t, Options{}, "a", "b", "c")
    ctx := context.Background()
    if _, err := tc.coords["a"].Write(ctx, transport.WriteRequest{Key: "k", Value: []byte("new"), Epoch: 7, WriteQuorum: 3}); err != nil {
        t.Fatalf("epoch 7: %v", err)
    }
    res, err := tc.coords["b"].Write(ctx, transport.WriteRequest{Key: "k", Value: []byte("old"), Epoch: 6, WriteQuorum: 2})
    if !errors.Is(err, ErrNoQuorum) || res.Acks != 0 { t.Fatalf("epoch 6 from another coordinator: %+v %v", res, err) }
}

func TestRead_LastWriterWins(t *testing.T) {
    tc := newCluster(t, Options{}, "a", "b", "c")
    ctx := context.Background()
    put := func(id string, e storage.Entry) {
        t.Helper()
        e.Key = "k"
        if _, err := tc.engines[id].Put(ctx, e); err != nil { t.Fatalf("put %s: %v", id, err) }
    }
    put("a", storage.Entry{Value: []byte("v5"), Version: 5})
    put("b", storage.Entry{Value: []byte("v9"), Version: 9})
    put("c", storage.Entry{Deleted: true, Version: 7})

    got, err := tc.coords["a"].Read(ctx, transport.ReadRequest{Key: "k", R: 3})
    if err != nil || string(got.Value) != "v9" || got.NodeID != "b" || got.Responded != 3 { t.Fatalf("read: %+v %v", got, err) }

    local, err := tc.coords["a"].Read(ctx, transport.ReadRequest{Key: "k"})
    if err != nil || string(local.Value) != "v5" { t.Fatalf("local read: %+v %v", local, err) }

    put("c", storage.Entry{Deleted: true, Version: 12})
    if _, err := tc.coords["a"].Read(ctx, transport.ReadRequest{Key: "k", R: 3}); !errors.Is(err, storage.ErrNotFound) {
        t.Fatalf("newest tombstone: want ErrNotFound, got %v", err)
    }
    tomb, err := tc.coords["a"].Read(ctx, transport.ReadRequest{Key: "k", R: 3, Tombstones: true})
    if err != nil || !tomb.Deleted || tomb.Version != 12 { t.Fatalf("tombstone read: %+v %v", tomb, err) }

    if _, err := tc.coords["a"].Read(ctx, transport.ReadRequest{Key: "missing", R: 2}); !errors.Is(err, storage.ErrNotFound) {
        t.Fatalf("missing key: want ErrNotFound, got %v", err)
    }
}

func TestRead_NotEnoughReplicasAnswer(t *testing.T) {
    tc := newCluster(t, Options{Timeout: 200 * time.Millisecond}, "a", "b", "c")
    delete(tc.net.nodes, "b:7000")
    delete(tc.net.nodes, "c:7000")
    if _, err := tc.coords["a"].Read(context.Background(), transport.ReadRequest{Key: "k", R: 2}); !errors.Is(err, storage.ErrUnavailable) {
        t.Fatalf("want ErrUnavailable, got %v", err)
    }
}

func TestDelete_ReplicatesTombstone(t *testing.T) {
    tc := newCluster(t, Options{}, "a", "b", "c")
    ctx := context.Background()
    w, err := tc.coords["a"].Write(ctx, transport.WriteRequest{Key: "k", Value: []byte("v"), WriteQuorum: 3})
    if err != nil { t.Fatalf("write: %v", err) }
    d, err := tc.coords["b"].Delete(ctx, transport.DeleteRequest{Key: "k", WriteQuorum: 3})
    if err != nil || !d.Success { t.Fatalf("delete: %+v %v", d, err) }
    if d.Version <= w.Version { t.Fatalf("tombstone version %d not after write %d", d.Version, w.Version) }
    for id, eng := range tc.engines {
        e, err := eng.Lookup(ctx, "k")
        if err != nil || !e.Deleted { t.Fatalf("%s: %+v %v", id, e, err) }
    }
    if _, err := tc.coords["c"].Read(ctx, transport.ReadRequest{Key: "k", R: 2}); !errors.Is(err, storage.ErrNotFound) {
        t.Fatalf("want ErrNotFound after delete, got %v", err)
    }
}

func TestHybridClock(t *testing.T) {
    var h hybridClock
    now := time.UnixMicro(1_000)
    if a, b := h.next(now), h.next(now); a != 1_000 || b != 1_001 { t.Fatalf("same instant: %d %d", a, b) }
    if v := h.next(time.UnixMicro(500)); v != 1_002 { t.Fatalf("clock went back: %d", v) }
    h.witness(5_000)
    if v := h.next(now); v != 5_001 { t.Fatalf("after witness: %d", v) }
}
