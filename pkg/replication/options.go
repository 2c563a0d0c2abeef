package replication

import (
    "errors"
    "fmt"
    "log"
    "time"

    "github.com/amirimatin/go-storecluster/pkg/transport"
)

const (
    DefaultReplicationFactor = 3
    DefaultWriteQuorum       = 2
    DefaultReadQuorum        = 1
    DefaultTimeout           = 5 * time.Second
)

// ExternalLineage is the fencing lineage of writes that carry a caller
// supplied epoch. Such epochs are shared by all coordinators, like a leader
// term handed out by an external election.
const ExternalLineage = "external"

var (
    ErrStaleEpoch = transport.ErrStaleEpoch
    ErrNoQuorum   = transport.ErrNoQuorum
    // ErrInvalidQuorum rejects a write quorum outside [1, replication factor].
    ErrInvalidQuorum = fmt.Errorf("%w: write quorum outside [1, replication factor]", transport.ErrInvalid)
    // ErrInsufficientReplicas is returned under PolicyFailFast when fewer
    // HEALTHY nodes than the replication factor are placed for a key.
    ErrInsufficientReplicas = fmt.Errorf("%w: not enough healthy replicas", transport.ErrNoQuorum)
)

// Policy decides what a write does when the ring has fewer nodes than the
// replication factor.
type Policy string

const (
    // PolicyBestEffort writes to the nodes available and clamps the write
    // quorum to their number.
    PolicyBestEffort Policy = "best-effort"
    PolicyFailFast   Policy = "fail-fast"
)

// ParsePolicy accepts "best-effort" (also the empty string) and "fail-fast".
func ParsePolicy(s string) (Policy, error) {
    switch Policy(s) {
    case "", PolicyBestEffort:
        return PolicyBestEffort, nil
    case PolicyFailFast:
        return PolicyFailFast, nil
    }
    return "", fmt.Errorf("replication: unknown under-replication policy %q", s)
}

// Options configure a Coordinator. Zero values select the defaults.
type Options struct {
    NodeID            string
    ReplicationFactor int
    WriteQuorum       int
    ReadQuorum        int
    // Timeout bounds every replica call and the quorum decision.
    Timeout time.Duration
    Policy  Policy
    Logger  *log.Logger
    Now     func() time.Time
}

func (o *Options) applyDefaults() {
    if o.ReplicationFactor <= 0 { o.ReplicationFactor = DefaultReplicationFactor }
    if o.WriteQuorum <= 0 { o.WriteQuorum = min(DefaultWriteQuorum, o.ReplicationFactor) }
    if o.ReadQuorum <= 0 { o.ReadQuorum = DefaultReadQuorum }
    if o.Timeout <= 0 { o.Timeout = DefaultTimeout }
    if o.Policy == "" { o.Policy = PolicyBestEffort }
    if o.Now == nil { o.Now = time.Now }
    if o.Logger == nil { o.Logger = log.Default() }
}

func (o Options) Validate() error {
    if o.NodeID == "" { return errors.New("replication: empty NodeID") }
    if o.WriteQuorum > o.ReplicationFactor { return ErrInvalidQuorum }
    if _, err := ParsePolicy(string(o.Policy)); err != nil { return err }
    return nil
}
