package membership

import (
    "context"
    "time"
)

type ProbeEventType string

const (
    // ProbeAlive indicates the prober reached the node (join or update).
    ProbeAlive ProbeEventType = "alive"
    // ProbeDead indicates the prober lost the node (failure or leave).
    ProbeDead ProbeEventType = "dead"
)

// ProbeEvent is a liveness observation from an external failure detector.
// APIAddr is the node's ClusterAPI address when the detector knows it.
type ProbeEvent struct {
    Type    ProbeEventType
    NodeID  string
    APIAddr string
    At      time.Time
}

// Prober is an optional external failure detector (e.g. SWIM probing) whose
// events feed the gossip layer as explicit liveness signals and peer
// addresses. It never mutates the member table itself.
type Prober interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Events() <-chan ProbeEvent
    Leave() error
    Stop() error
}
