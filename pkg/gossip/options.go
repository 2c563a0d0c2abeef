package gossip

import (
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-storecluster/pkg/membership"
)

const (
    DefaultGossipInterval      = time.Second
    DefaultAntiEntropyInterval = 10 * time.Second
    DefaultSweepInterval       = 500 * time.Millisecond
    DefaultRPCTimeout          = 2 * time.Second
    DefaultFanout              = 3
    DefaultSuspectThreshold    = 8.0
    DefaultFailThreshold       = 16.0
)

// Options configure an Exchanger.
type Options struct {
    NodeID string
    // Addr is the advertised ClusterAPI address peers use to reach this node.
    Addr string
    Zone string
    // Seeds are ClusterAPI addresses contacted while no live peer is known.
    Seeds []string

    GossipInterval      time.Duration
    AntiEntropyInterval time.Duration
    SweepInterval       time.Duration
    RPCTimeout          time.Duration
    // RecoveryGrace bounds how long the node stays RECOVERING when no
    // anti-entropy exchange succeeds. Zero means 3x AntiEntropyInterval.
    RecoveryGrace time.Duration
    Fanout        int

    // Suspicion score thresholds (phi) for HEALTHY->SUSPECTED and
    // SUSPECTED->FAILED.
    SuspectThreshold float64
    FailThreshold    float64

    // StatePath, when set, stores the member table across restarts.
    StatePath string

    Health membership.HealthReporter
    // OnTransition is called for every status change after the ring was
    // updated. It runs on the membership writer and must not block.
    OnTransition func(membership.Transition)

    Logger *log.Logger
    Now    func() time.Time
}

func (o *Options) applyDefaults() {
    if o.GossipInterval <= 0 { o.GossipInterval = DefaultGossipInterval }
    if o.AntiEntropyInterval <= 0 { o.AntiEntropyInterval = DefaultAntiEntropyInterval }
    if o.SweepInterval <= 0 { o.SweepInterval = DefaultSweepInterval }
    if o.RPCTimeout <= 0 { o.RPCTimeout = DefaultRPCTimeout }
    if o.RecoveryGrace <= 0 { o.RecoveryGrace = 3 * o.AntiEntropyInterval }
    if o.Fanout <= 0 { o.Fanout = DefaultFanout }
    if o.SuspectThreshold <= 0 { o.SuspectThreshold = DefaultSuspectThreshold }
    if o.FailThreshold <= 0 { o.FailThreshold = DefaultFailThreshold }
    if o.Now == nil { o.Now = time.Now }
    if o.Logger == nil { o.Logger = log.Default() }
}

// Validate checks required fields after defaults were applied.
func (o Options) Validate() error {
    if o.NodeID == "" { return errors.New("gossip: empty NodeID") }
    if o.Addr == "" { return errors.New("gossip: empty Addr") }
    if o.FailThreshold <= o.SuspectThreshold {
        return errors.New("gossip: FailThreshold must be greater than SuspectThreshold")
    }
    return nil
}
