package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "storecluster"

var (
    once sync.Once

    // Membership
    Members = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "membership",
        Name:      "members",
        Help:      "Known cluster members by status",
    }, []string{"status"})
    Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "membership",
        Name:      "transitions_total",
        Help:      "Observed node status transitions",
    }, []string{"from", "to"})
    Refutations = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "membership",
        Name:      "refutations_total",
        Help:      "Generation bumps issued to refute suspicion about the local node",
    })
    RingNodes = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "ring",
        Name:      "nodes",
        Help:      "Physical nodes currently placed on the hash ring",
    })

    // Gossip
    GossipMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "gossip",
        Name:      "messages_total",
        Help:      "Gossip and anti-entropy messages by kind, direction and result",
    }, []string{"kind", "direction", "result"})
    DigestsDropped = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "gossip",
        Name:      "digests_dropped_total",
        Help:      "Malformed membership digests dropped on receipt",
    })

    // Replication
    Writes = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "replication",
        Name:      "writes_total",
        Help:      "Coordinated writes by result",
    }, []string{"result"})
    WriteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: namespace,
        Subsystem: "replication",
        Name:      "write_latency_seconds",
        Help:      "Time until a coordinated write reached its quorum decision",
        Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
    })
    ReplicaAcks = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "replication",
        Name:      "replica_responses_total",
        Help:      "Replica responses by result (ack, nack, stale_epoch, late_ack)",
    }, []string{"result"})
    StaleEpochRejects = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "replication",
        Name:      "stale_epoch_rejects_total",
        Help:      "Inbound replicate requests rejected for a stale coordinator generation",
    })
    PeerFailureRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "peer",
        Name:      "failure_rate",
        Help:      "Windowed failure rate of outbound calls per peer",
    }, []string{"peer"})

    // Storage
    StorageOps = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "storage",
        Name:      "ops_total",
        Help:      "Storage engine operations by op and result",
    }, []string{"op", "result"})

    // gRPC connection cache
    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(Members, Transitions, Refutations, RingNodes)
        prometheus.MustRegister(GossipMessages, DigestsDropped)
        prometheus.MustRegister(Writes, WriteLatency, ReplicaAcks, StaleEpochRejects, PeerFailureRate)
        prometheus.MustRegister(StorageOps)
        prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
    })
}

// Result maps an error to the "ok"/"error" label used by counters.
func Result(err error) string {
    if err != nil { return "error" }
    return "ok"
}
