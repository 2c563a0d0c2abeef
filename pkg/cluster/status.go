package cluster

import (
    "github.com/amirimatin/go-storecluster/pkg/membership"
    "github.com/amirimatin/go-storecluster/pkg/peerhealth"
)

// ClusterStatus is a JSON-serializable snapshot of what this node currently
// believes about the cluster, suitable for /status and tooling.
type ClusterStatus struct {
    NodeID     string            `json:"nodeId"`
    Addr       string            `json:"address"`
    Status     membership.Status `json:"status"`
    Generation uint64            `json:"generation"`
    // Healthy is true when the local node is HEALTHY and placed on the ring.
    Healthy bool `json:"healthy"`
    // Members lists the local member table ordered by node ID.
    Members []membership.NodeState `json:"members"`
    // Counts is the number of members per status.
    Counts map[membership.Status]int `json:"counts"`
    // RingNodes are the nodes currently owning ring positions.
    RingNodes    []string `json:"ringNodes"`
    VirtualNodes int      `json:"virtualNodes"`
    // Peers summarizes outbound call failures per peer.
    Peers []peerhealth.PeerStats `json:"peers,omitempty"`
    // Warnings contains any non-fatal observations (e.g., degraded states).
    Warnings []string `json:"warnings,omitempty"`
}
