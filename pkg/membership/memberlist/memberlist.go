// Package memberlist is an optional SWIM failure detector built on
// hashicorp/memberlist. It probes peers directly and turns what it observes
// into membership.ProbeEvents for the gossip layer; it never owns the member
// table.
package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"

    "github.com/amirimatin/go-storecluster/pkg/internal/logutil"
    "github.com/amirimatin/go-storecluster/pkg/membership"
)

// metaAPIAddr is the node metadata key holding the ClusterAPI address.
const metaAPIAddr = "api"

// Options configures the prober.
type Options struct {
    NodeID string
    // Bind is the SWIM bind address in host:port form (e.g. ":7946").
    Bind string
    // Advertise is the SWIM address peers use; derived from Bind when empty.
    Advertise string
    // APIAddr is this node's ClusterAPI address, announced in node metadata
    // so peers learn where to gossip.
    APIAddr string

    Logger *log.Logger

    // Tuning, zero keeps memberlist's LAN defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

// Member is a node as seen by the prober.
type Member struct {
    ID      string
    Addr    string
    APIAddr string
}

// Prober implements membership.Prober and membership.HealthReporter.
type Prober struct {
    mu     sync.RWMutex
    opts   Options
    logger *log.Logger
    ml     *memberlist.Memberlist
    closed bool
    // awareness multiplier at which the local health is reported as 0
    maxAwareness int

    // emitMu guards events against sends after close; memberlist may
    // deliver notifications while it shuts down.
    emitMu       sync.RWMutex
    events       chan membership.ProbeEvent
    eventsClosed bool
}

func New(opts Options) (*Prober, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("memberlist: empty NodeID") }
    if opts.Bind == "" { return nil, fmt.Errorf("memberlist: empty Bind address") }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Prober{
        opts:   opts,
        logger: logutil.Named(opts.Logger, "swim"),
        events: make(chan membership.ProbeEvent, 64),
    }, nil
}

// Start creates the memberlist instance; it shuts down when ctx is done.
func (p *Prober) Start(ctx context.Context) error {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.ml != nil { return nil }
    if p.closed { return fmt.Errorf("memberlist: prober stopped") }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = p.opts.NodeID
    host, port, err := splitHostPort(p.opts.Bind)
    if err != nil { return err }
    cfg.BindAddr, cfg.BindPort = host, port
    if p.opts.Advertise != "" {
        ahost, aport, err := splitHostPort(p.opts.Advertise)
        if err != nil { return err }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
    }
    if p.opts.ProbeInterval > 0 { cfg.ProbeInterval = p.opts.ProbeInterval }
    if p.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = p.opts.ProbeTimeout }
    if p.opts.SuspicionMult > 0 { cfg.SuspicionMult = p.opts.SuspicionMult }
    cfg.LogOutput = p.logger.Writer()

    meta, err := json.Marshal(map[string]string{metaAPIAddr: p.opts.APIAddr})
    if err != nil { return err }
    cfg.Delegate = &nodeDelegate{meta: meta}
    cfg.Events = &eventDelegate{self: p.opts.NodeID, emit: p.emit}
    p.maxAwareness = cfg.AwarenessMaxMultiplier

    ml, err := memberlist.Create(cfg)
    if err != nil { return fmt.Errorf("memberlist: create: %w", err) }
    p.ml = ml
    go func() {
        <-ctx.Done()
        _ = p.Stop()
    }()
    return nil
}

// Join contacts SWIM seed addresses. No seeds is not an error.
func (p *Prober) Join(seeds []string) error {
    ml := p.list()
    if ml == nil { return fmt.Errorf("memberlist: not started") }
    if len(seeds) == 0 { return nil }
    n, err := ml.Join(seeds)
    if err != nil && n == 0 { return fmt.Errorf("memberlist: join %v: %w", seeds, err) }
    return nil
}

func (p *Prober) Events() <-chan membership.ProbeEvent { return p.events }

// Members returns the nodes memberlist currently considers alive, the local
// node included.
func (p *Prober) Members() []Member {
    ml := p.list()
    if ml == nil { return nil }
    nodes := ml.Members()
    out := make([]Member, 0, len(nodes))
    for _, n := range nodes { out = append(out, toMember(n)) }
    return out
}

// LocalAddr returns the SWIM address actually bound.
func (p *Prober) LocalAddr() string {
    ml := p.list()
    if ml == nil { return "" }
    return toMember(ml.LocalNode()).Addr
}

// Leave broadcasts an intent to leave and waits up to a second for it to spread.
func (p *Prober) Leave() error {
    ml := p.list()
    if ml == nil { return nil }
    return ml.Leave(time.Second)
}

func (p *Prober) Stop() error {
    p.mu.Lock()
    if p.closed { p.mu.Unlock(); return nil }
    p.closed = true
    ml := p.ml
    p.ml = nil
    p.mu.Unlock()

    var err error
    if ml != nil { err = ml.Shutdown() }
    p.emitMu.Lock()
    p.eventsClosed = true
    close(p.events)
    p.emitMu.Unlock()
    return err
}

// HealthScore maps memberlist's awareness (0 healthy, growing with missed
// probes and refuted suspicions) onto 0..100, higher is healthier. It
// returns -1 before Start.
func (p *Prober) HealthScore() int {
    p.mu.RLock()
    defer p.mu.RUnlock()
    if p.ml == nil || p.maxAwareness <= 0 { return -1 }
    aw := p.ml.GetHealthScore()
    score := 100 - aw*100/p.maxAwareness
    if score < 0 { score = 0 }
    return score
}

func (p *Prober) list() *memberlist.Memberlist {
    p.mu.RLock()
    defer p.mu.RUnlock()
    return p.ml
}

func (p *Prober) emit(e membership.ProbeEvent) {
    p.emitMu.RLock()
    defer p.emitMu.RUnlock()
    if p.eventsClosed { return }
    select {
    case p.events <- e:
    default:
        logutil.Warnf(p.logger, "dropping %s event for %s: channel full", e.Type, e.NodeID)
    }
}

func toMember(n *memberlist.Node) Member {
    m := Member{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))}
    if len(n.Meta) > 0 {
        meta := map[string]string{}
        if json.Unmarshal(n.Meta, &meta) == nil { m.APIAddr = meta[metaAPIAddr] }
    }
    return m
}

func splitHostPort(addr string) (string, int, error) {
    host, portStr, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, fmt.Errorf("memberlist: invalid address %q: %w", addr, err) }
    port, err := strconv.Atoi(portStr)
    if err != nil || port < 0 || port > 65535 { return "", 0, fmt.Errorf("memberlist: invalid port in %q", addr) }
    return host, port, nil
}

// eventDelegate turns memberlist notifications about other nodes into probe
// events. Memberlist does not tell a graceful leave from a failure; both are
// reported as dead and the gossip layer escalates them step by step.
type eventDelegate struct {
    self string
    emit func(membership.ProbeEvent)
}

func (d *eventDelegate) notify(t membership.ProbeEventType, n *memberlist.Node) {
    if n == nil || n.Name == d.self { return }
    m := toMember(n)
    d.emit(membership.ProbeEvent{Type: t, NodeID: m.ID, APIAddr: m.APIAddr, At: time.Now()})
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.notify(membership.ProbeAlive, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.notify(membership.ProbeAlive, n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { d.notify(membership.ProbeDead, n) }

// nodeDelegate only publishes node metadata.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) > limit { return nil }
    return d.meta
}
func (d *nodeDelegate) NotifyMsg([]byte)                { }
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte { return nil }
func (d *nodeDelegate) LocalState(bool) []byte          { return nil }
func (d *nodeDelegate) MergeRemoteState([]byte, bool)   { }

var (
    _ membership.Prober         = (*Prober)(nil)
    _ membership.HealthReporter = (*Prober)(nil)
)
