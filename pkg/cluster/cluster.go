// Package cluster assembles a storage node: the hash ring, the gossiped
// member table, the replication coordinator and the ClusterAPI endpoints,
// behind a small embeddable facade.
package cluster

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"
    "sync/atomic"
    "time"

    "github.com/amirimatin/go-storecluster/pkg/gossip"
    "github.com/amirimatin/go-storecluster/pkg/internal/logutil"
    "github.com/amirimatin/go-storecluster/pkg/membership"
    obsmetrics "github.com/amirimatin/go-storecluster/pkg/observability/metrics"
    "github.com/amirimatin/go-storecluster/pkg/peerhealth"
    "github.com/amirimatin/go-storecluster/pkg/replication"
    "github.com/amirimatin/go-storecluster/pkg/ring"
    "github.com/amirimatin/go-storecluster/pkg/transport"
)

// Facade exposes the high-level API for consumers.
type Facade interface {
    Start(ctx context.Context) error
    Status(ctx context.Context) (*ClusterStatus, error)
    Write(ctx context.Context, req transport.WriteRequest) (transport.WriteResponse, error)
    Read(ctx context.Context, req transport.ReadRequest) (transport.ReadResponse, error)
    Delete(ctx context.Context, req transport.DeleteRequest) (transport.WriteResponse, error)
    Subscribe(ctx context.Context) <-chan Event
    Stop(ctx context.Context) error
}

// Cluster is the concrete implementation of the Facade.
type Cluster struct {
    opts   Options
    logger *log.Logger

    // mu serializes Start and Stop; request paths only read the flags.
    mu      sync.Mutex
    started atomic.Bool
    closed  atomic.Bool
    cancel  context.CancelFunc
    wg      sync.WaitGroup
    done    chan struct{}

    ring    *ring.Ring
    tracker *peerhealth.Tracker
    ex      *gossip.Exchanger
    coord   *replication.Coordinator
    eb      eventBus
}

// New constructs a node from validated options. It performs no network
// activity; call Start to launch it.
func New(opts Options) (*Cluster, error) {
    opts.applyDefaults()
    if err := opts.Validate(); err != nil { return nil, err }
    c := &Cluster{
        opts:    opts,
        logger:  logutil.Named(opts.Logger, "node"),
        done:    make(chan struct{}),
        ring:    ring.New(opts.VirtualNodes),
        tracker: peerhealth.New(peerhealth.Options{Now: opts.Gossip.Now}),
    }

    gopts := opts.Gossip
    gopts.OnTransition = c.onTransition
    if gopts.Health == nil {
        if hr, ok := opts.Prober.(membership.HealthReporter); ok { gopts.Health = hr }
    }
    ex, err := gossip.New(gopts, opts.RPCClient, c.ring, c.tracker, opts.Stable)
    if err != nil { return nil, err }
    c.ex = ex

    coord, err := replication.New(opts.Replication, replication.Deps{
        Ring:    c.ring,
        Members: ex,
        Engine:  opts.Engine,
        Client:  opts.RPCClient,
        Epochs:  opts.Stable,
        Tracker: c.tracker,
    })
    if err != nil { return nil, err }
    c.coord = coord
    return c, nil
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error {
    return c.Stop(context.Background())
}

// Start announces the node to the cluster, then serves the ClusterAPI and
// begins polling discovery and the optional prober. The node runs until
// ctx is done or Stop is called.
func (c *Cluster) Start(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.closed.Load() { return ErrClosed }
    if c.started.Load() { return nil }
    obsmetrics.Register()

    ctx, cancel := context.WithCancel(ctx)
    c.cancel = cancel
    if c.opts.Discovery != nil { c.refreshSeeds(ctx) }
    if err := c.ex.Start(ctx); err != nil { cancel(); return err }

    if c.opts.RPCServer != nil {
        if err := c.opts.RPCServer.Start(ctx, c.handlers()); err != nil {
            cancel()
            c.ex.Stop()
            return fmt.Errorf("cluster: start api: %w", err)
        }
        logutil.Infof(c.logger, "cluster api listening at %s (advertised %s)", c.opts.RPCServer.Addr(), c.opts.APIAddr)
    }
    if c.opts.Discovery != nil {
        c.wg.Add(1)
        go c.discoveryLoop(ctx)
    }
    if p := c.opts.Prober; p != nil {
        if err := p.Start(ctx); err != nil {
            logutil.Warnf(c.logger, "failure detector disabled: %v", err)
        } else {
            if err := p.Join(c.opts.ProberSeeds); err != nil { logutil.Warnf(c.logger, "probe join: %v", err) }
            c.wg.Add(1)
            go c.probeLoop(ctx, p.Events())
        }
    }
    c.started.Store(true)
    return nil
}

// Stop announces LEAVING, then shuts down the prober, the API, the gossip
// loops and finally the engine and stable store. Pending replica calls of
// failed writes are awaited.
func (c *Cluster) Stop(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if !c.closed.CompareAndSwap(false, true) { return nil }
    defer close(c.done)
    defer c.eb.close()

    var errs []error
    if c.started.Load() {
        if p := c.opts.Prober; p != nil {
            _ = p.Leave()
            if err := p.Stop(); err != nil { errs = append(errs, err) }
        }
        if err := c.ex.Leave(ctx); err != nil { logutil.Warnf(c.logger, "leave: %v", err) }
        if c.opts.RPCServer != nil {
            if err := c.opts.RPCServer.Stop(ctx); err != nil { errs = append(errs, err) }
        }
        c.cancel()
        c.ex.Stop()
        c.wg.Wait()
        c.coord.Wait()
    }
    if cl, ok := c.opts.RPCClient.(interface{ Close() }); ok { cl.Close() }
    if err := c.opts.Engine.Close(); err != nil { errs = append(errs, fmt.Errorf("close engine: %w", err)) }
    if err := c.opts.Stable.Close(); err != nil { errs = append(errs, fmt.Errorf("close stable store: %w", err)) }
    return errors.Join(errs...)
}

func (c *Cluster) ready() error {
    if c.closed.Load() { return ErrClosed }
    if !c.started.Load() { return ErrNotStarted }
    return nil
}

// Status returns the local view: this node's record, the member table, the
// ring placement and peer failure statistics. It never touches the network.
func (c *Cluster) Status(ctx context.Context) (*ClusterStatus, error) {
    if err := ctx.Err(); err != nil { return nil, err }
    view := c.ex.Snapshot()
    self, _ := view.Get(c.opts.NodeID)
    s := &ClusterStatus{
        NodeID:       c.opts.NodeID,
        Addr:         c.opts.APIAddr,
        Status:       self.Status,
        Generation:   c.ex.Generation(),
        Members:      view.List(),
        Counts:       map[membership.Status]int{},
        RingNodes:    c.ring.Nodes(),
        VirtualNodes: c.ring.VirtualNodes(),
        Peers:        c.tracker.Snapshot(),
    }
    s.Healthy = self.Status == membership.StatusHealthy && c.ring.Has(c.opts.NodeID)
    for _, st := range []membership.Status{
        membership.StatusHealthy, membership.StatusRecovering, membership.StatusSuspected,
        membership.StatusLeaving, membership.StatusFailed,
    } {
        n := view.Count(st)
        s.Counts[st] = n
        obsmetrics.Members.WithLabelValues(string(st)).Set(float64(n))
    }
    for _, p := range s.Peers { obsmetrics.PeerFailureRate.WithLabelValues(p.Peer).Set(p.FailureRate) }

    if err := c.ready(); err != nil { s.Warnings = append(s.Warnings, err.Error()) }
    if self.Status == membership.StatusRecovering { s.Warnings = append(s.Warnings, "node is recovering its membership view") }
    if h, rf := s.Counts[membership.StatusHealthy], c.coord.ReplicationFactor(); h < rf {
        s.Warnings = append(s.Warnings, fmt.Sprintf("%d healthy nodes for replication factor %d", h, rf))
    }
    return s, nil
}

// Write coordinates a quorum write with this node as coordinator.
func (c *Cluster) Write(ctx context.Context, req transport.WriteRequest) (transport.WriteResponse, error) {
    if err := c.ready(); err != nil { return transport.WriteResponse{}, err }
    return c.coord.Write(ctx, req)
}

// Read returns the value of req.Key, locally (R == 0) or from R replicas.
func (c *Cluster) Read(ctx context.Context, req transport.ReadRequest) (transport.ReadResponse, error) {
    if err := c.ready(); err != nil { return transport.ReadResponse{}, err }
    return c.coord.Read(ctx, req)
}

// Delete replicates a tombstone for req.Key.
func (c *Cluster) Delete(ctx context.Context, req transport.DeleteRequest) (transport.WriteResponse, error) {
    if err := c.ready(); err != nil { return transport.WriteResponse{}, err }
    return c.coord.Delete(ctx, req)
}

// Members returns the local member table.
func (c *Cluster) Members() membership.View { return c.ex.Snapshot() }

// Placement returns the preference list of key on the local ring.
func (c *Cluster) Placement(key string, n int) []string { return c.ring.NodesForKey(key, n) }

func (c *Cluster) NodeID() string { return c.opts.NodeID }

func (c *Cluster) onTransition(t membership.Transition) {
    c.eb.publish(eventFor(t))
}

// refreshSeeds hands the current discovery answer to the exchanger. Seeds
// are only contacted while no live peer is known.
func (c *Cluster) refreshSeeds(ctx context.Context) {
    cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    seeds, err := c.opts.Discovery.Seeds(cctx)
    if err != nil { logutil.Warnf(c.logger, "discovery: %v", err) }
    for _, s := range seeds {
        if s != c.opts.APIAddr { c.ex.AddSeed(s) }
    }
    logutil.Debugf(c.logger, "discovery returned %d seeds", len(seeds))
}

func (c *Cluster) discoveryLoop(ctx context.Context) {
    defer c.wg.Done()
    t := time.NewTicker(c.opts.DiscoveryInterval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            c.refreshSeeds(ctx)
        }
    }
}

// probeLoop feeds SWIM observations into gossip: alive nodes become seeds,
// dead nodes are escalated one status step.
func (c *Cluster) probeLoop(ctx context.Context, events <-chan membership.ProbeEvent) {
    defer c.wg.Done()
    for {
        select {
        case <-ctx.Done():
            return
        case ev, ok := <-events:
            if !ok { return }
            switch ev.Type {
            case membership.ProbeAlive:
                if ev.APIAddr != "" { c.ex.AddSeed(ev.APIAddr) }
            case membership.ProbeDead:
                logutil.Infof(c.logger, "failure detector lost %s", ev.NodeID)
                if err := c.ex.MarkFailed(ctx, ev.NodeID); err != nil && ctx.Err() == nil {
                    logutil.Warnf(c.logger, "mark %s failed: %v", ev.NodeID, err)
                }
            }
        }
    }
}
