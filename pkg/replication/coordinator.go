// Package replication coordinates quorum writes and reads over the replica
// set the hash ring assigns to a key, and fences replica writes by
// coordinator generation.
package replication

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-storecluster/pkg/internal/logutil"
    "github.com/amirimatin/go-storecluster/pkg/membership"
    obsmetrics "github.com/amirimatin/go-storecluster/pkg/observability/metrics"
    "github.com/amirimatin/go-storecluster/pkg/observability/tracing"
    "github.com/amirimatin/go-storecluster/pkg/peerhealth"
    "github.com/amirimatin/go-storecluster/pkg/storage"
    "github.com/amirimatin/go-storecluster/pkg/transport"
)

// Placement resolves the preference list of a key. *ring.Ring implements it.
type Placement interface {
    NodesForKey(key string, count int) []string
}

// Membership is the read-only view used to map node IDs to addresses and to
// learn coordinator generations. *gossip.Exchanger implements it.
type Membership interface {
    Snapshot() membership.View
    Generation() uint64
}

// Epochs persists the highest generation seen per coordinator lineage.
// *stable.Store implements it.
type Epochs interface {
    ObserveEpoch(lineage string, gen uint64) (highest uint64, stale bool, err error)
}

// Deps are the collaborators of a Coordinator. Tracker is optional.
type Deps struct {
    Ring    Placement
    Members Membership
    Engine  storage.Engine
    Client  transport.RPCClient
    Epochs  Epochs
    Tracker *peerhealth.Tracker
}

// WriteResult is the outcome of a coordinated write or delete.
type WriteResult = transport.WriteResponse

// Coordinator is the node-local replication engine: it coordinates client
// writes and reads and serves replica writes from other coordinators.
type Coordinator struct {
    opts   Options
    logger *log.Logger
    deps   Deps
    clock  hybridClock

    // replica calls still running after their write was decided
    stragglers sync.WaitGroup
}

func New(opts Options, deps Deps) (*Coordinator, error) {
    opts.applyDefaults()
    if err := opts.Validate(); err != nil { return nil, err }
    if deps.Ring == nil || deps.Members == nil || deps.Engine == nil || deps.Client == nil || deps.Epochs == nil {
        return nil, errors.New("replication: ring, members, engine, client and epochs are required")
    }
    return &Coordinator{opts: opts, logger: logutil.Named(opts.Logger, "replication"), deps: deps}, nil
}

type replica struct {
    id    string
    addr  string
    local bool
}

type mutation struct {
    key       string
    value     []byte
    deleted   bool
    rf, w     int
    followers []string
    epoch     uint64
}

// Write stores req.Value on the key's replica set and succeeds once the
// write quorum acknowledged it.
func (c *Coordinator) Write(ctx context.Context, req transport.WriteRequest) (WriteResult, error) {
    return c.coordinate(ctx, "write", mutation{
        key: req.Key, value: req.Value, rf: req.ReplicationFactor, w: req.WriteQuorum,
        followers: req.Followers, epoch: req.Epoch,
    })
}

// Delete writes a replicated tombstone for req.Key under the same quorum rules.
func (c *Coordinator) Delete(ctx context.Context, req transport.DeleteRequest) (WriteResult, error) {
    return c.coordinate(ctx, "delete", mutation{
        key: req.Key, deleted: true, rf: req.ReplicationFactor, w: req.WriteQuorum, epoch: req.Epoch,
    })
}

func (c *Coordinator) coordinate(ctx context.Context, op string, m mutation) (res WriteResult, err error) {
    start := c.opts.Now()
    res = WriteResult{RequestID: uuid.NewString(), Key: m.key}
    ctx, end := tracing.StartSpan(ctx, "replication."+op,
        attribute.String("key", m.key), attribute.String("request_id", res.RequestID))
    defer end()
    defer func() {
        result := "ok"
        if err != nil {
            result = transport.CodeOf(err)
            if result == "" { result = "error" }
            tracing.RecordError(ctx, err)
        }
        obsmetrics.Writes.WithLabelValues(result).Inc()
    }()

    if m.key == "" { return res, fmt.Errorf("%w: empty key", transport.ErrInvalid) }
    targets, rf := c.resolve(m.key, m.rf, m.followers)
    w, err := c.writeQuorum(rf, m.w)
    if err != nil { return res, err }
    for _, r := range targets { res.Replicas = append(res.Replicas, r.id) }
    if len(targets) < rf {
        if c.opts.Policy == PolicyFailFast {
            return res, fmt.Errorf("%w: %d of %d replicas placed for %q", ErrInsufficientReplicas, len(targets), rf, m.key)
        }
        if w > len(targets) { w = len(targets) }
        logutil.Warnf(c.logger, "%s %q under-replicated: %d of %d replicas, write quorum %d", op, m.key, len(targets), rf, w)
    }
    res.Required = w
    if len(targets) == 0 { return res, fmt.Errorf("%w: no replica available for %q", ErrNoQuorum, m.key) }

    now := c.opts.Now()
    res.Version, res.Timestamp = c.clock.next(now), now.UTC()
    rreq := transport.ReplicationRequest{
        RequestID: res.RequestID, CoordinatorID: c.opts.NodeID, Key: m.key, Value: m.value,
        Version: res.Version, Generation: c.deps.Members.Generation(), Deleted: m.deleted,
    }
    if m.epoch > 0 { rreq.CoordinatorID, rreq.Generation = ExternalLineage, m.epoch }

    err = c.fanOut(ctx, rreq, targets, w, &res)
    obsmetrics.WriteLatency.Observe(c.opts.Now().Sub(start).Seconds())
    if err != nil {
        logutil.Warnf(c.logger, "%s %q (request %s) failed: %v", op, m.key, res.RequestID, err)
        return res, err
    }
    res.Success = true
    logutil.Debugf(c.logger, "%s %q version %d acked by %v", op, m.key, res.Version, res.Acked)
    return res, nil
}

// resolve returns the replicas of key and the replication factor in effect.
// Explicit followers replace ring placement: the local node plus each
// follower, given by node ID or address.
func (c *Coordinator) resolve(key string, rf int, followers []string) ([]replica, int) {
    if rf <= 0 { rf = c.opts.ReplicationFactor }
    view := c.deps.Members.Snapshot()
    var out []replica
    seen := map[string]bool{}
    add := func(r replica) {
        if seen[r.id] { return }
        seen[r.id] = true
        out = append(out, r)
    }
    if len(followers) > 0 {
        add(replica{id: c.opts.NodeID, local: true})
        for _, f := range followers { add(c.lookup(view, f)) }
        return out, len(out)
    }
    for _, id := range c.deps.Ring.NodesForKey(key, rf) {
        if id == c.opts.NodeID {
            add(replica{id: id, local: true})
            continue
        }
        st, ok := view.Get(id)
        if !ok || st.Addr == "" { continue }
        add(replica{id: id, addr: st.Addr})
    }
    return out, rf
}

func (c *Coordinator) lookup(view membership.View, idOrAddr string) replica {
    if idOrAddr == c.opts.NodeID { return replica{id: idOrAddr, local: true} }
    if st, ok := view.Get(idOrAddr); ok && st.Addr != "" { return replica{id: st.NodeID, addr: st.Addr} }
    for _, st := range view.List() {
        if st.Addr == idOrAddr {
            if st.NodeID == c.opts.NodeID { return replica{id: st.NodeID, local: true} }
            return replica{id: st.NodeID, addr: st.Addr}
        }
    }
    return replica{id: idOrAddr, addr: idOrAddr}
}

func (c *Coordinator) writeQuorum(rf, w int) (int, error) {
    if w == 0 {
        w = c.opts.WriteQuorum
        if w > rf { w = rf/2 + 1 }
    }
    if w < 1 || w > rf { return 0, fmt.Errorf("%w: W=%d RF=%d", ErrInvalidQuorum, w, rf) }
    return w, nil
}

type outcome struct {
    replica replica
    resp    transport.ReplicationResponse
    err     error
}

// fanOut sends req to every target in parallel and returns once w acks
// arrived, once w became unreachable, or at the deadline. Calls still running
// then complete in the background; their acks are recorded as late and never
// change the returned result.
func (c *Coordinator) fanOut(ctx context.Context, req transport.ReplicationRequest, targets []replica, w int, res *WriteResult) error {
    callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
    results := make(chan outcome, len(targets))
    for _, r := range targets {
        go func() {
            resp, err := c.send(callCtx, r, req)
            results <- outcome{replica: r, resp: resp, err: err}
        }()
    }

    pending := len(targets)
    var cause error
wait:
    for res.Acks < w {
        if res.Acks+pending < w {
            cause = fmt.Errorf("%w: %d of %d acks, %d replicas left", ErrNoQuorum, res.Acks, w, pending)
            break
        }
        select {
        case o := <-results:
            pending--
            if c.record(o, "ack") {
                res.Acks++
                res.Acked = append(res.Acked, o.replica.id)
            }
        case <-callCtx.Done():
            cause = fmt.Errorf("%w: %d of %d acks before the %s deadline", ErrNoQuorum, res.Acks, w, c.opts.Timeout)
            break wait
        case <-ctx.Done():
            cause = fmt.Errorf("%w: %w", ErrNoQuorum, ctx.Err())
            break wait
        }
    }

    label := "ack"
    if cause != nil { label = "late_ack" }
    c.stragglers.Add(1)
    go func() {
        defer c.stragglers.Done()
        defer cancel()
        for ; pending > 0; pending-- {
            o := <-results
            if c.record(o, label) && label == "late_ack" {
                logutil.Infof(c.logger, "late ack from %s for %q (request %s) after the write failed", o.replica.id, req.Key, req.RequestID)
            }
        }
    }()
    return cause
}

func (c *Coordinator) send(ctx context.Context, r replica, req transport.ReplicationRequest) (transport.ReplicationResponse, error) {
    if r.local { return c.HandleReplicate(ctx, req) }
    resp, err := c.deps.Client.Replicate(ctx, r.addr, req)
    if err == nil && !resp.Success { err = transport.ErrorFromCode(resp.Code, resp.Error) }
    return resp, err
}

// record accounts one replica response and reports whether it is an ack.
// Stale-epoch rejections are not liveness failures and stay out of the tracker.
func (c *Coordinator) record(o outcome, ackLabel string) bool {
    id := o.replica.id
    switch {
    case o.err == nil:
        obsmetrics.ReplicaAcks.WithLabelValues(ackLabel).Inc()
        c.track(o.replica, nil)
        return true
    case errors.Is(o.err, ErrStaleEpoch):
        obsmetrics.ReplicaAcks.WithLabelValues("stale_epoch").Inc()
        logutil.Warnf(c.logger, "replica %s rejected the write: %v", id, o.err)
    default:
        obsmetrics.ReplicaAcks.WithLabelValues("nack").Inc()
        // a coded answer still proves the replica is reachable
        if transport.CodeOf(o.err) != "" { c.track(o.replica, nil) } else { c.track(o.replica, o.err) }
        logutil.Warnf(c.logger, "replica %s did not ack: %v", id, o.err)
    }
    return false
}

func (c *Coordinator) track(r replica, err error) {
    if r.local || c.deps.Tracker == nil { return }
    c.deps.Tracker.Record(r.id, err)
}

// HandleReplicate applies a replica write from a coordinator. A generation
// older than the highest one known for the coordinator lineage, from the
// persisted fencing state or the member table, is rejected with
// ErrStaleEpoch. Storage failures are returned as non-acks.
func (c *Coordinator) HandleReplicate(ctx context.Context, req transport.ReplicationRequest) (transport.ReplicationResponse, error) {
    resp := transport.ReplicationResponse{RequestID: req.RequestID, NodeID: c.opts.NodeID}
    if req.Key == "" || req.CoordinatorID == "" || req.Generation == 0 {
        return resp, fmt.Errorf("%w: replicate needs key, coordinatorId and generation", transport.ErrInvalid)
    }
    ctx, end := tracing.StartSpan(ctx, "replication.apply",
        attribute.String("key", req.Key), attribute.String("coordinator", req.CoordinatorID))
    defer end()

    if known := c.memberGeneration(req.CoordinatorID); req.Generation < known {
        return resp, c.rejectStale(req, known)
    }
    highest, stale, err := c.deps.Epochs.ObserveEpoch(req.CoordinatorID, req.Generation)
    if err != nil { return resp, fmt.Errorf("%w: fencing state: %v", storage.ErrUnavailable, err) }
    if stale { return resp, c.rejectStale(req, highest) }

    version := req.Version
    if req.Deleted {
        err = c.deps.Engine.Delete(ctx, req.Key, req.Version)
        obsmetrics.StorageOps.WithLabelValues("delete", obsmetrics.Result(err)).Inc()
    } else {
        version, err = c.deps.Engine.Put(ctx, storage.Entry{Key: req.Key, Value: req.Value, Version: req.Version, Timestamp: c.opts.Now().UTC()})
        obsmetrics.StorageOps.WithLabelValues("put", obsmetrics.Result(err)).Inc()
    }
    if err != nil {
        tracing.RecordError(ctx, err)
        if !errors.Is(err, storage.ErrUnavailable) { err = fmt.Errorf("%w: %v", storage.ErrUnavailable, err) }
        return resp, err
    }
    c.clock.witness(version)
    resp.Success, resp.Version = true, version
    return resp, nil
}

func (c *Coordinator) memberGeneration(lineage string) uint64 {
    if lineage == ExternalLineage { return 0 }
    st, _ := c.deps.Members.Snapshot().Get(lineage)
    return st.Generation
}

func (c *Coordinator) rejectStale(req transport.ReplicationRequest, highest uint64) error {
    obsmetrics.StaleEpochRejects.Inc()
    logutil.Warnf(c.logger, "rejecting request %s from %s: generation %d is older than %d",
        req.RequestID, req.CoordinatorID, req.Generation, highest)
    return fmt.Errorf("%w: generation %d < %d for %s", ErrStaleEpoch, req.Generation, highest, req.CoordinatorID)
}

// Wait blocks until replica calls of already decided writes have finished.
func (c *Coordinator) Wait() { c.stragglers.Wait() }

// Timeout is the replication deadline in effect.
func (c *Coordinator) Timeout() time.Duration { return c.opts.Timeout }

// ReplicationFactor is the default number of replicas per key.
func (c *Coordinator) ReplicationFactor() int { return c.opts.ReplicationFactor }
