// Package peerhealth tracks the recent outcome of outbound calls per peer.
// The failure rate feeds the gossip sweep as an additional suspicion signal;
// it never blocks calls on its own.
package peerhealth

import (
    "sort"
    "sync"
    "time"

    obsmetrics "github.com/amirimatin/go-storecluster/pkg/observability/metrics"
)

const (
    DefaultWindow     = 30 * time.Second
    DefaultMinSamples = 5
    DefaultWeight     = 4.0
)

type Options struct {
    // Window is how long an outcome counts towards the failure rate.
    Window time.Duration
    // MinSamples is the number of outcomes in the window below which the
    // penalty is zero.
    MinSamples int
    // Weight scales the failure rate into a suspicion penalty.
    Weight float64
    Now    func() time.Time
}

func (o *Options) applyDefaults() {
    if o.Window <= 0 { o.Window = DefaultWindow }
    if o.MinSamples <= 0 { o.MinSamples = DefaultMinSamples }
    if o.Weight <= 0 { o.Weight = DefaultWeight }
    if o.Now == nil { o.Now = time.Now }
}

type outcome struct {
    at time.Time
    ok bool
}

// PeerStats is a point-in-time summary for one peer.
type PeerStats struct {
    Peer             string    `json:"peer"`
    Samples          int       `json:"samples"`
    Failures         int       `json:"failures"`
    FailureRate      float64   `json:"failureRate"`
    ConsecutiveFails int       `json:"consecutiveFails"`
    LastFailure      time.Time `json:"lastFailure,omitempty"`
}

// Tracker keeps a sliding window of call outcomes per peer. Safe for
// concurrent use.
type Tracker struct {
    opts  Options
    mu    sync.Mutex
    peers map[string]*peer
}

type peer struct {
    outcomes    []outcome
    consecutive int
    lastFailure time.Time
}

func New(opts Options) *Tracker {
    opts.applyDefaults()
    return &Tracker{opts: opts, peers: map[string]*peer{}}
}

// Record stores the outcome of one call to peer. A nil error is a success.
func (t *Tracker) Record(peerID string, err error) {
    if peerID == "" { return }
    now := t.opts.Now()
    t.mu.Lock()
    p := t.peers[peerID]
    if p == nil {
        p = &peer{}
        t.peers[peerID] = p
    }
    p.outcomes = append(p.outcomes, outcome{at: now, ok: err == nil})
    if err != nil {
        p.consecutive++
        p.lastFailure = now
    } else {
        p.consecutive = 0
    }
    t.prune(p, now)
    rate := p.rate()
    t.mu.Unlock()
    obsmetrics.PeerFailureRate.WithLabelValues(peerID).Set(rate)
}

// FailureRate returns the fraction of failed calls to peer within the window.
func (t *Tracker) FailureRate(peerID string) float64 {
    t.mu.Lock()
    defer t.mu.Unlock()
    p := t.peers[peerID]
    if p == nil { return 0 }
    t.prune(p, t.opts.Now())
    return p.rate()
}

// Penalty is the suspicion added for peer: the failure rate times the weight,
// or zero while fewer than MinSamples outcomes are in the window.
func (t *Tracker) Penalty(peerID string) float64 {
    t.mu.Lock()
    defer t.mu.Unlock()
    p := t.peers[peerID]
    if p == nil { return 0 }
    t.prune(p, t.opts.Now())
    if len(p.outcomes) < t.opts.MinSamples { return 0 }
    return p.rate() * t.opts.Weight
}

// Forget drops all outcomes for peer.
func (t *Tracker) Forget(peerID string) {
    t.mu.Lock()
    delete(t.peers, peerID)
    t.mu.Unlock()
    obsmetrics.PeerFailureRate.DeleteLabelValues(peerID)
}

// Snapshot returns per-peer stats sorted by peer ID.
func (t *Tracker) Snapshot() []PeerStats {
    now := t.opts.Now()
    t.mu.Lock()
    defer t.mu.Unlock()
    out := make([]PeerStats, 0, len(t.peers))
    for id, p := range t.peers {
        t.prune(p, now)
        fails := 0
        for _, o := range p.outcomes {
            if !o.ok { fails++ }
        }
        out = append(out, PeerStats{
            Peer: id, Samples: len(p.outcomes), Failures: fails, FailureRate: p.rate(),
            ConsecutiveFails: p.consecutive, LastFailure: p.lastFailure,
        })
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
    return out
}

// prune drops outcomes older than the window. Caller holds t.mu.
func (t *Tracker) prune(p *peer, now time.Time) {
    cutoff := now.Add(-t.opts.Window)
    i := 0
    for i < len(p.outcomes) && p.outcomes[i].at.Before(cutoff) { i++ }
    if i > 0 { p.outcomes = append(p.outcomes[:0], p.outcomes[i:]...) }
}

func (p *peer) rate() float64 {
    if len(p.outcomes) == 0 { return 0 }
    fails := 0
    for _, o := range p.outcomes {
        if !o.ok { fails++ }
    }
    return float64(fails) / float64(len(p.outcomes))
}
