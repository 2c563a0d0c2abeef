package membership

import (
    "errors"
    "fmt"
    "sort"
    "time"
)

// Status is the health status of a node as seen by the local member table.
type Status string

const (
    StatusHealthy    Status = "HEALTHY"
    StatusSuspected  Status = "SUSPECTED"
    StatusFailed     Status = "FAILED"
    StatusRecovering Status = "RECOVERING"
    StatusLeaving    Status = "LEAVING"
)

// Precedence orders statuses for merging records of equal generation; the
// more severe status wins. Unknown statuses return -1.
func (s Status) Precedence() int {
    switch s {
    case StatusHealthy:
        return 0
    case StatusRecovering:
        return 1
    case StatusSuspected:
        return 2
    case StatusLeaving:
        return 3
    case StatusFailed:
        return 4
    }
    return -1
}

func (s Status) Valid() bool { return s.Precedence() >= 0 }

// Tombstone reports whether the status marks a node that is gone for its generation.
func (s Status) Tombstone() bool { return s == StatusFailed || s == StatusLeaving }

// NodeState is one member record. Generation, Status and Heartbeat are
// gossiped and decide merges; LastHeartbeat, Suspicion and ChangedAt are local
// observations and are ignored when comparing records.
type NodeState struct {
    NodeID      string `json:"nodeId"`
    Addr        string `json:"address"`
    Status      Status `json:"status"`
    Generation  uint64 `json:"generation"`
    Heartbeat   uint64 `json:"heartbeat"`
    HealthScore int    `json:"healthScore,omitempty"`
    Zone        string `json:"zone,omitempty"`

    LastHeartbeat time.Time `json:"lastHeartbeat"`
    Suspicion     float64   `json:"suspicionScore"`
    ChangedAt     time.Time `json:"statusChangedAt"`
}

// Compare orders two records of the same node by (generation, status
// precedence, heartbeat). It returns -1, 0 or +1.
func Compare(a, b NodeState) int {
    switch {
    case a.Generation != b.Generation:
        return cmp(a.Generation < b.Generation)
    case a.Status.Precedence() != b.Status.Precedence():
        return cmp(a.Status.Precedence() < b.Status.Precedence())
    case a.Heartbeat != b.Heartbeat:
        return cmp(a.Heartbeat < b.Heartbeat)
    }
    return 0
}

func cmp(less bool) int {
    if less { return -1 }
    return 1
}

// Supersedes reports whether incoming must replace local.
func Supersedes(incoming, local NodeState) bool { return Compare(incoming, local) > 0 }

// Merge returns the record that survives merging incoming into local and
// whether it differs from local. The result is the maximum under Compare, so
// merging is commutative, associative and idempotent. Local observation
// fields are carried over from local.
func Merge(local, incoming NodeState) (NodeState, bool) {
    if !Supersedes(incoming, local) { return local, false }
    out := incoming
    out.LastHeartbeat, out.Suspicion, out.ChangedAt = local.LastHeartbeat, local.Suspicion, local.ChangedAt
    return out, true
}

// Progressed reports whether incoming carries evidence that the node was alive
// more recently than local: a newer generation or a higher heartbeat counter.
func Progressed(local, incoming NodeState) bool {
    if incoming.Generation != local.Generation { return incoming.Generation > local.Generation }
    return incoming.Heartbeat > local.Heartbeat
}

// ErrMalformedDigest is returned for digests missing required fields.
var ErrMalformedDigest = errors.New("membership: malformed digest")

// Digest is the gossip wire message: the sender's view of the cluster.
type Digest struct {
    SourceNodeID     string               `json:"sourceNodeId"`
    SourceGeneration uint64               `json:"sourceGeneration"`
    Members          map[string]NodeState `json:"members"`
    Timestamp        time.Time            `json:"timestamp"`
}

// Validate checks the digest shape. Merge conflicts are never errors; only
// structurally broken digests are rejected.
func (d Digest) Validate() error {
    if d.SourceNodeID == "" { return fmt.Errorf("%w: empty sourceNodeId", ErrMalformedDigest) }
    if d.SourceGeneration == 0 { return fmt.Errorf("%w: zero sourceGeneration", ErrMalformedDigest) }
    if d.Members == nil { return fmt.Errorf("%w: missing members", ErrMalformedDigest) }
    for id, st := range d.Members {
        switch {
        case id == "" || st.NodeID == "":
            return fmt.Errorf("%w: member with empty nodeId", ErrMalformedDigest)
        case id != st.NodeID:
            return fmt.Errorf("%w: member key %q does not match nodeId %q", ErrMalformedDigest, id, st.NodeID)
        case !st.Status.Valid():
            return fmt.Errorf("%w: member %q has unknown status %q", ErrMalformedDigest, id, st.Status)
        case st.Generation == 0:
            return fmt.Errorf("%w: member %q has zero generation", ErrMalformedDigest, id)
        }
    }
    return nil
}

// Table is a mutable member table. It is only handed out by Store to the
// function running inside the store's writer goroutine.
type Table map[string]NodeState

// Apply merges incoming into the table. A previously unknown node, a newer
// generation or a higher heartbeat counts as a fresh heartbeat and resets the
// node's suspicion. It reports whether the stored record changed.
func (t Table) Apply(incoming NodeState, now time.Time) bool {
    local, known := t[incoming.NodeID]
    if !known {
        incoming.LastHeartbeat, incoming.Suspicion, incoming.ChangedAt = now, 0, now
        t[incoming.NodeID] = incoming
        return true
    }
    fresh := Progressed(local, incoming)
    merged, changed := Merge(local, incoming)
    if fresh {
        merged.LastHeartbeat, merged.Suspicion = now, 0
        changed = true
    }
    if changed { t[incoming.NodeID] = merged }
    return changed
}

// ApplyDigest merges every member of d except skip (the local node, whose
// record only its owner may change). It returns the IDs whose record changed.
func (t Table) ApplyDigest(d Digest, now time.Time, skip string) []string {
    var changed []string
    for id, st := range d.Members {
        if id == skip { continue }
        if t.Apply(st, now) { changed = append(changed, id) }
    }
    sort.Strings(changed)
    return changed
}

// Touch records direct contact with nodeID: its suspicion resets without
// changing the gossiped record.
func (t Table) Touch(nodeID string, generation uint64, now time.Time) {
    st, ok := t[nodeID]
    if !ok || generation < st.Generation { return }
    st.LastHeartbeat, st.Suspicion = now, 0
    t[nodeID] = st
}
