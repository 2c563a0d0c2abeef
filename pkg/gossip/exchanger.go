// Package gossip disseminates the member table between nodes: periodic
// push gossip to a few random peers, slower full-view anti-entropy, and a
// local sweep that turns heartbeat silence into suspicion.
package gossip

import (
    "context"
    "errors"
    "fmt"
    "log"
    "math/rand"
    "sort"
    "sync"
    "sync/atomic"
    "time"

    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-storecluster/pkg/internal/logutil"
    "github.com/amirimatin/go-storecluster/pkg/membership"
    obsmetrics "github.com/amirimatin/go-storecluster/pkg/observability/metrics"
    "github.com/amirimatin/go-storecluster/pkg/observability/tracing"
    "github.com/amirimatin/go-storecluster/pkg/peerhealth"
    "github.com/amirimatin/go-storecluster/pkg/ring"
    "github.com/amirimatin/go-storecluster/pkg/transport"
)

// Generations allocates and persists this node's generation numbers.
// *stable.Store implements it.
type Generations interface {
    NextGeneration() (uint64, error)
    SetGeneration(g uint64) error
}

var ErrNotStarted = errors.New("gossip: exchanger not started")

// Exchanger owns the local member table and keeps it converged with peers.
type Exchanger struct {
    opts    Options
    logger  *log.Logger
    client  transport.RPCClient
    ring    *ring.Ring
    tracker *peerhealth.Tracker
    gens    Generations
    store   *membership.Store

    generation atomic.Uint64
    heartbeat  atomic.Uint64
    recovering atomic.Bool
    leaving    atomic.Bool
    started    atomic.Bool

    // arrival statistics, only touched by functions run through store.Do
    arrivals map[string]*arrivals

    seedMu sync.Mutex
    seeds  map[string]struct{}

    cancel context.CancelFunc
    wg     sync.WaitGroup
}

// New builds an exchanger. The ring is updated on every transition across
// the HEALTHY boundary, the local node included.
func New(opts Options, client transport.RPCClient, r *ring.Ring, tracker *peerhealth.Tracker, gens Generations) (*Exchanger, error) {
    opts.applyDefaults()
    if err := opts.Validate(); err != nil { return nil, err }
    if client == nil || r == nil || gens == nil { return nil, errors.New("gossip: client, ring and generations are required") }
    if tracker == nil { tracker = peerhealth.New(peerhealth.Options{Now: opts.Now}) }
    e := &Exchanger{
        opts:     opts,
        logger:   logutil.Named(opts.Logger, "gossip"),
        client:   client,
        ring:     r,
        tracker:  tracker,
        gens:     gens,
        arrivals: map[string]*arrivals{},
        seeds:    map[string]struct{}{},
    }
    for _, s := range opts.Seeds { e.AddSeed(s) }
    e.store = membership.NewStore(membership.StoreOptions{OnTransition: e.onTransition, Now: opts.Now})
    return e, nil
}

// Start announces this node as RECOVERING under a fresh generation and runs
// the gossip, anti-entropy and sweep loops until ctx is done or Stop is called.
func (e *Exchanger) Start(ctx context.Context) error {
    ctx, err := e.boot(ctx)
    if err != nil { return err }
    e.loop(ctx, e.opts.GossipInterval, false, e.gossipRound)
    e.loop(ctx, e.opts.AntiEntropyInterval, true, e.antiEntropyRound)
    e.loop(ctx, e.opts.SweepInterval, false, func(ctx context.Context) { _ = e.sweep(ctx) })
    e.wg.Add(1)
    go func() {
        defer e.wg.Done()
        t := time.NewTimer(e.opts.RecoveryGrace)
        defer t.Stop()
        select {
        case <-ctx.Done():
        case <-t.C:
            if e.recovering.Load() {
                logutil.Warnf(e.logger, "no anti-entropy exchange within %s, leaving RECOVERING", e.opts.RecoveryGrace)
                e.promote(ctx)
            }
        }
    }()
    return nil
}

// boot allocates the generation, starts the store writer and publishes the
// node's own record.
func (e *Exchanger) boot(parent context.Context) (context.Context, error) {
    if !e.started.CompareAndSwap(false, true) { return nil, errors.New("gossip: already started") }
    gen, err := e.gens.NextGeneration()
    if err != nil { return nil, fmt.Errorf("gossip: allocate generation: %w", err) }
    e.generation.Store(gen)
    e.recovering.Store(true)

    ctx, cancel := context.WithCancel(parent)
    e.cancel = cancel
    e.wg.Add(1)
    go func() { defer e.wg.Done(); e.store.Run(ctx) }()

    var restored []membership.NodeState
    if e.opts.StatePath != "" {
        if restored, err = membership.LoadFile(e.opts.StatePath); err != nil {
            logutil.Warnf(e.logger, "ignoring membership state %s: %v", e.opts.StatePath, err)
            restored = nil
        }
    }
    err = e.store.Do(ctx, func(t membership.Table, now time.Time) {
        for _, st := range restored {
            if st.NodeID == e.opts.NodeID { continue }
            t.Apply(st, now)
        }
        e.setSelf(t, membership.StatusRecovering, now)
    })
    if err != nil { cancel(); return nil, err }
    for _, st := range restored {
        if st.NodeID != e.opts.NodeID && !st.Status.Tombstone() { e.AddSeed(st.Addr) }
    }
    logutil.Infof(e.logger, "node %s starting at generation %d (%d seeds, %d restored members)", e.opts.NodeID, gen, len(e.seedList()), len(restored))

    if len(e.seedList()) == 0 {
        // first node of a cluster: nobody to recover from
        e.promote(ctx)
    }
    return ctx, nil
}

func (e *Exchanger) loop(ctx context.Context, every time.Duration, immediate bool, fn func(context.Context)) {
    e.wg.Add(1)
    go func() {
        defer e.wg.Done()
        if immediate { fn(ctx) }
        t := time.NewTicker(every)
        defer t.Stop()
        for {
            select {
            case <-ctx.Done():
                return
            case <-t.C:
                fn(ctx)
            }
        }
    }()
}

// Stop halts all loops and persists the member table when configured.
func (e *Exchanger) Stop() {
    if e.cancel == nil { return }
    e.cancel()
    e.wg.Wait()
    e.saveState()
}

// setSelf writes this node's own record. Only the owner changes it, so no
// merge is involved.
func (e *Exchanger) setSelf(t membership.Table, status membership.Status, now time.Time) {
    st := t[e.opts.NodeID]
    st.NodeID, st.Addr, st.Zone = e.opts.NodeID, e.opts.Addr, e.opts.Zone
    st.Status = status
    st.Generation = e.generation.Load()
    st.Heartbeat = e.heartbeat.Load()
    st.LastHeartbeat, st.Suspicion = now, 0
    if e.opts.Health != nil {
        if hs := e.opts.Health.HealthScore(); hs >= 0 { st.HealthScore = hs }
    }
    t[e.opts.NodeID] = st
}

func (e *Exchanger) selfStatus(t membership.Table) membership.Status {
    if e.leaving.Load() { return membership.StatusLeaving }
    if e.recovering.Load() { return membership.StatusRecovering }
    if st, ok := t[e.opts.NodeID]; ok && st.Status == membership.StatusLeaving { return membership.StatusLeaving }
    return membership.StatusHealthy
}

// promote moves this node from RECOVERING to HEALTHY under a newer
// generation so the announcement supersedes the RECOVERING record everywhere.
func (e *Exchanger) promote(ctx context.Context) {
    if !e.recovering.CompareAndSwap(true, false) { return }
    err := e.store.Do(ctx, func(t membership.Table, now time.Time) {
        e.bumpGeneration(e.generation.Load() + 1)
        e.setSelf(t, e.selfStatus(t), now)
    })
    if err != nil { logutil.Warnf(e.logger, "announce healthy: %v", err); return }
    logutil.Infof(e.logger, "node %s is HEALTHY at generation %d", e.opts.NodeID, e.generation.Load())
}

// bumpGeneration raises the local generation to at least min and persists it.
func (e *Exchanger) bumpGeneration(min uint64) {
    next, err := e.gens.NextGeneration()
    if err != nil {
        logutil.Errorf(e.logger, "allocate generation: %v", err)
        next = e.generation.Load() + 1
    }
    if next < min {
        next = min
        if err := e.gens.SetGeneration(next); err != nil { logutil.Errorf(e.logger, "persist generation %d: %v", next, err) }
    }
    e.generation.Store(next)
}

func (e *Exchanger) onTransition(t membership.Transition) {
    switch {
    case t.EntersRing():
        e.ring.AddNode(t.NodeID)
    case t.LeavesRing():
        e.ring.RemoveNode(t.NodeID)
    }
    obsmetrics.RingNodes.Set(float64(e.ring.Len()))
    if t.From == "" {
        logutil.Infof(e.logger, "discovered node %s as %s (generation %d)", t.NodeID, t.To, t.Generation)
    } else {
        logutil.Infof(e.logger, "node %s %s -> %s (generation %d)", t.NodeID, t.From, t.To, t.Generation)
    }
    if t.To == membership.StatusFailed || t.To == membership.StatusLeaving { e.tracker.Forget(t.NodeID) }
    if e.opts.OnTransition != nil { e.opts.OnTransition(t) }
}

// ReceiveGossip merges a pushed digest. Malformed digests are dropped with
// ErrMalformedDigest; merge conflicts are never errors.
func (e *Exchanger) ReceiveGossip(ctx context.Context, d membership.Digest) error {
    if !e.started.Load() { return ErrNotStarted }
    if err := e.validate(d, "push"); err != nil { return err }
    ctx, end := tracing.StartSpan(ctx, "gossip.receive", attribute.String("source", d.SourceNodeID))
    defer end()
    err := e.merge(ctx, d)
    obsmetrics.GossipMessages.WithLabelValues("push", "in", obsmetrics.Result(err)).Inc()
    return err
}

// AntiEntropy merges the requester's full digest and answers with the
// complete local view.
func (e *Exchanger) AntiEntropy(ctx context.Context, d membership.Digest) (membership.Digest, error) {
    if !e.started.Load() { return membership.Digest{}, ErrNotStarted }
    if err := e.validate(d, "anti_entropy"); err != nil { return membership.Digest{}, err }
    ctx, end := tracing.StartSpan(ctx, "gossip.anti_entropy", attribute.String("source", d.SourceNodeID))
    defer end()
    err := e.merge(ctx, d)
    obsmetrics.GossipMessages.WithLabelValues("anti_entropy", "in", obsmetrics.Result(err)).Inc()
    if err != nil { return membership.Digest{}, err }
    return e.digest(), nil
}

func (e *Exchanger) validate(d membership.Digest, kind string) error {
    if err := d.Validate(); err != nil {
        obsmetrics.DigestsDropped.Inc()
        obsmetrics.GossipMessages.WithLabelValues(kind, "in", "dropped").Inc()
        logutil.Warnf(e.logger, "dropping %s digest from %q: %v", kind, d.SourceNodeID, err)
        return err
    }
    return nil
}

// merge applies d on the store writer: the sender's record is refreshed by
// the direct contact, heartbeat arrivals feed the suspicion estimator and a
// record contradicting this node's own state is refuted.
func (e *Exchanger) merge(ctx context.Context, d membership.Digest) error {
    self := e.opts.NodeID
    return e.store.Do(ctx, func(t membership.Table, now time.Time) {
        before := make(map[string]time.Time, len(d.Members))
        for id := range d.Members {
            if st, ok := t[id]; ok { before[id] = st.LastHeartbeat }
        }
        if st, ok := t[d.SourceNodeID]; ok { before[d.SourceNodeID] = st.LastHeartbeat }

        t.ApplyDigest(d, now, self)
        if d.SourceNodeID != self { t.Touch(d.SourceNodeID, d.SourceGeneration, now) }

        for id, prev := range before {
            if id == self || prev.IsZero() { continue }
            if st := t[id]; st.LastHeartbeat.After(prev) { e.observeArrival(id, st.LastHeartbeat.Sub(prev)) }
        }
        if theirs, ok := d.Members[self]; ok { e.refute(t, theirs, now) }
    })
}

func (e *Exchanger) observeArrival(id string, interval time.Duration) {
    a := e.arrivals[id]
    if a == nil {
        a = &arrivals{}
        e.arrivals[id] = a
    }
    a.observe(interval)
}

// refute handles a gossiped record about this node that would beat the
// node's own record (typically SUSPECTED or FAILED at the current
// generation). The node re-announces itself under a higher generation.
func (e *Exchanger) refute(t membership.Table, theirs membership.NodeState, now time.Time) {
    mine := t[e.opts.NodeID]
    if !membership.Supersedes(theirs, mine) { return }
    if e.leaving.Load() { return }
    e.bumpGeneration(theirs.Generation + 1)
    e.setSelf(t, e.selfStatus(t), now)
    obsmetrics.Refutations.Inc()
    logutil.Warnf(e.logger, "refuted %s record about this node at generation %d, now at generation %d",
        theirs.Status, theirs.Generation, e.generation.Load())
}

// digest is the local full view as a gossip message.
func (e *Exchanger) digest() membership.Digest {
    return e.store.Snapshot().Digest(e.opts.NodeID, e.generation.Load(), e.opts.Now())
}

type peerTarget struct {
    id   string // empty for seeds not yet known by ID
    addr string
}

func (p peerTarget) key() string {
    if p.id != "" { return p.id }
    return p.addr
}

// livePeers returns peers not known to be gone. With includeFailed, FAILED
// peers are candidates too so a wrongly failed node can learn about it and
// refute.
func (e *Exchanger) livePeers(includeFailed bool) []peerTarget {
    var out []peerTarget
    for _, st := range e.store.Snapshot().List() {
        if st.NodeID == e.opts.NodeID || st.Addr == "" || st.Status == membership.StatusLeaving { continue }
        if st.Status == membership.StatusFailed && !includeFailed { continue }
        out = append(out, peerTarget{id: st.NodeID, addr: st.Addr})
    }
    return out
}

// pickPeers selects up to n random peers, falling back to seeds.
func (e *Exchanger) pickPeers(n int, includeFailed bool) []peerTarget {
    peers := e.livePeers(includeFailed)
    if len(peers) == 0 {
        for _, s := range e.seedList() { peers = append(peers, peerTarget{addr: s}) }
    }
    rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
    if len(peers) > n { peers = peers[:n] }
    return peers
}

// gossipRound bumps the own heartbeat and pushes the view to Fanout peers
// without waiting for them.
func (e *Exchanger) gossipRound(ctx context.Context) {
    e.heartbeat.Add(1)
    err := e.store.Do(ctx, func(t membership.Table, now time.Time) { e.setSelf(t, e.selfStatus(t), now) })
    if err != nil { return }
    d := e.digest()
    for _, p := range e.pickPeers(e.opts.Fanout, false) {
        e.wg.Add(1)
        go func() {
            defer e.wg.Done()
            cctx, cancel := context.WithTimeout(ctx, e.opts.RPCTimeout)
            defer cancel()
            err := e.client.Gossip(cctx, p.addr, d)
            e.recordPeer(p, err)
            obsmetrics.GossipMessages.WithLabelValues("push", "out", obsmetrics.Result(err)).Inc()
            if err != nil && ctx.Err() == nil { logutil.Warnf(e.logger, "gossip to %s (%s) failed: %v", p.key(), p.addr, err) }
        }()
    }
}

// antiEntropyRound exchanges full views with one random peer. The first
// successful exchange ends the RECOVERING phase.
func (e *Exchanger) antiEntropyRound(ctx context.Context) {
    peers := e.pickPeers(1, true)
    if len(peers) == 0 {
        e.promote(ctx)
        return
    }
    p := peers[0]
    cctx, cancel := context.WithTimeout(ctx, e.opts.RPCTimeout)
    defer cancel()
    cctx, end := tracing.StartSpan(cctx, "gossip.anti_entropy_round", attribute.String("peer", p.key()))
    defer end()
    resp, err := e.client.AntiEntropy(cctx, p.addr, e.digest())
    if err == nil { err = resp.Validate() }
    e.recordPeer(p, err)
    obsmetrics.GossipMessages.WithLabelValues("anti_entropy", "out", obsmetrics.Result(err)).Inc()
    if err != nil {
        tracing.RecordError(cctx, err)
        if ctx.Err() == nil { logutil.Warnf(e.logger, "anti-entropy with %s (%s) failed: %v", p.key(), p.addr, err) }
        return
    }
    if err := e.merge(ctx, resp); err != nil { return }
    logutil.Debugf(e.logger, "anti-entropy with %s merged %d members", resp.SourceNodeID, len(resp.Members))
    e.promote(ctx)
    e.saveState()
}

func (e *Exchanger) recordPeer(p peerTarget, err error) {
    // a stale-epoch or invalid answer still proves the peer is alive
    if err != nil && transport.CodeOf(err) != "" { err = nil }
    e.tracker.Record(p.key(), err)
}

// sweep recomputes the suspicion score of every remote node from heartbeat
// silence plus its call failure penalty and escalates statuses that cross
// the thresholds.
func (e *Exchanger) sweep(ctx context.Context) error {
    return e.store.Do(ctx, func(t membership.Table, now time.Time) {
        for id, st := range t {
            if id == e.opts.NodeID || st.Status.Tombstone() { continue }
            mean := e.opts.GossipInterval
            if a := e.arrivals[id]; a != nil && a.mean > mean { mean = a.mean }
            st.Suspicion = phi(now.Sub(st.LastHeartbeat), mean) + e.tracker.Penalty(id)
            switch {
            case st.Status == membership.StatusSuspected && st.Suspicion >= e.opts.FailThreshold:
                st.Status = membership.StatusFailed
            case (st.Status == membership.StatusHealthy || st.Status == membership.StatusRecovering) && st.Suspicion >= e.opts.SuspectThreshold:
                st.Status = membership.StatusSuspected
            }
            t[id] = st
        }
    })
}

// MarkFailed applies an external failure signal for nodeID (for example a
// failed SWIM probe): HEALTHY or RECOVERING becomes SUSPECTED and SUSPECTED
// becomes FAILED.
func (e *Exchanger) MarkFailed(ctx context.Context, nodeID string) error {
    if nodeID == e.opts.NodeID { return nil }
    return e.store.Do(ctx, func(t membership.Table, now time.Time) {
        st, ok := t[nodeID]
        if !ok { return }
        switch st.Status {
        case membership.StatusHealthy, membership.StatusRecovering:
            st.Status = membership.StatusSuspected
        case membership.StatusSuspected:
            st.Status = membership.StatusFailed
        default:
            return
        }
        t[nodeID] = st
    })
}

// Leave announces LEAVING to every live peer and waits for the pushes to
// complete or time out. The node keeps serving until Stop.
func (e *Exchanger) Leave(ctx context.Context) error {
    if !e.started.Load() { return ErrNotStarted }
    if !e.leaving.CompareAndSwap(false, true) { return nil }
    if err := e.store.Do(ctx, func(t membership.Table, now time.Time) { e.setSelf(t, membership.StatusLeaving, now) }); err != nil {
        return err
    }
    d := e.digest()
    var wg sync.WaitGroup
    for _, p := range e.livePeers(false) {
        wg.Add(1)
        go func() {
            defer wg.Done()
            cctx, cancel := context.WithTimeout(ctx, e.opts.RPCTimeout)
            defer cancel()
            if err := e.client.Gossip(cctx, p.addr, d); err != nil {
                logutil.Warnf(e.logger, "leave announcement to %s failed: %v", p.id, err)
            }
        }()
    }
    wg.Wait()
    logutil.Infof(e.logger, "node %s left the cluster", e.opts.NodeID)
    return nil
}

// AddSeed registers a peer address to contact while no live peer is known.
func (e *Exchanger) AddSeed(addr string) {
    if addr == "" || addr == e.opts.Addr { return }
    e.seedMu.Lock()
    e.seeds[addr] = struct{}{}
    e.seedMu.Unlock()
}

func (e *Exchanger) seedList() []string {
    e.seedMu.Lock()
    defer e.seedMu.Unlock()
    out := make([]string, 0, len(e.seeds))
    for s := range e.seeds { out = append(out, s) }
    sort.Strings(out)
    return out
}

// Snapshot returns the current member table. It never touches the network.
func (e *Exchanger) Snapshot() membership.View { return e.store.Snapshot() }

// Self returns this node's own record.
func (e *Exchanger) Self() membership.NodeState {
    st, _ := e.store.Snapshot().Get(e.opts.NodeID)
    return st
}

func (e *Exchanger) NodeID() string { return e.opts.NodeID }

// Generation returns this node's current generation.
func (e *Exchanger) Generation() uint64 { return e.generation.Load() }

func (e *Exchanger) Tracker() *peerhealth.Tracker { return e.tracker }

func (e *Exchanger) saveState() {
    if e.opts.StatePath == "" { return }
    if err := membership.SaveFile(e.opts.StatePath, e.store.Snapshot()); err != nil {
        logutil.Warnf(e.logger, "save membership state: %v", err)
    }
}
