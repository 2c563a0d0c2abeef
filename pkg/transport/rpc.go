package transport

import (
    "context"
    "time"

    "github.com/amirimatin/go-storecluster/pkg/membership"
)

// StatusFunc returns a JSON-encoded status payload for /status.
// Using []byte avoids import cycles on cluster types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// WriteRequest is a client write sent to a coordinator. Zero values select
// the coordinator's defaults. Followers, when set, replaces ring placement
// with the local node plus the given node IDs or addresses.
type WriteRequest struct {
    Key               string   `json:"key"`
    Value             []byte   `json:"value"`
    Followers         []string `json:"followers,omitempty"`
    Epoch             uint64   `json:"epoch,omitempty"`
    ReplicationFactor int      `json:"replicationFactor,omitempty"`
    WriteQuorum       int      `json:"writeQuorum,omitempty"`
}

// WriteResponse reports the outcome of a coordinated write or delete.
type WriteResponse struct {
    RequestID string    `json:"requestId"`
    Success   bool      `json:"success"`
    Key       string    `json:"key"`
    Version   uint64    `json:"version"`
    Timestamp time.Time `json:"timestamp"`
    Acks      int       `json:"acks"`
    Required  int       `json:"required"`
    Replicas  []string  `json:"replicas"`
    Acked     []string  `json:"acked,omitempty"`
    Error     string    `json:"error,omitempty"`
    Code      string    `json:"code,omitempty"`
}

// DeleteRequest removes key through a replicated tombstone.
type DeleteRequest struct {
    Key               string `json:"key"`
    Epoch             uint64 `json:"epoch,omitempty"`
    ReplicationFactor int    `json:"replicationFactor,omitempty"`
    WriteQuorum       int    `json:"writeQuorum,omitempty"`
}

// ReplicationRequest is sent from a coordinator to each replica.
// CoordinatorID names the lineage that Generation fences.
type ReplicationRequest struct {
    RequestID     string `json:"requestId"`
    CoordinatorID string `json:"coordinatorId"`
    Key           string `json:"key"`
    Value         []byte `json:"value,omitempty"`
    Version       uint64 `json:"version"`
    Generation    uint64 `json:"generation"`
    Deleted       bool   `json:"deleted,omitempty"`
}

type ReplicationResponse struct {
    RequestID string `json:"requestId"`
    Success   bool   `json:"success"`
    NodeID    string `json:"nodeId"`
    Version   uint64 `json:"version"`
    Error     string `json:"error,omitempty"`
    Code      string `json:"code,omitempty"`
}

// ReadRequest reads key. R == 0 reads the local engine only; R > 0 asks the
// node to coordinate a read across R replicas. Tombstones are returned only
// when requested.
type ReadRequest struct {
    Key        string `json:"key"`
    R          int    `json:"r,omitempty"`
    Tombstones bool   `json:"tombstones,omitempty"`
}

type ReadResponse struct {
    Key       string    `json:"key"`
    Value     []byte    `json:"value,omitempty"`
    Version   uint64    `json:"version"`
    Timestamp time.Time `json:"timestamp"`
    Deleted   bool      `json:"deleted,omitempty"`
    NodeID    string    `json:"nodeId,omitempty"`
    Responded int       `json:"responded,omitempty"`
}

// Handlers are the node-side implementations of the ClusterAPI. A nil
// handler is reported as not implemented.
type Handlers struct {
    Gossip      func(ctx context.Context, d membership.Digest) error
    AntiEntropy func(ctx context.Context, d membership.Digest) (membership.Digest, error)
    Membership  func(ctx context.Context) (map[string]membership.NodeState, error)
    Write       func(ctx context.Context, req WriteRequest) (WriteResponse, error)
    Replicate   func(ctx context.Context, req ReplicationRequest) (ReplicationResponse, error)
    Read        func(ctx context.Context, req ReadRequest) (ReadResponse, error)
    Delete      func(ctx context.Context, req DeleteRequest) (WriteResponse, error)
    Status      StatusFunc
}

// RPCServer exposes the ClusterAPI to peers and operators.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    // Addr returns the bound listener address once started.
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient calls the ClusterAPI of another node. Errors carrying a wire
// code are mapped back to the package sentinels (see ErrorFromCode).
type RPCClient interface {
    Gossip(ctx context.Context, addr string, d membership.Digest) error
    AntiEntropy(ctx context.Context, addr string, d membership.Digest) (membership.Digest, error)
    Membership(ctx context.Context, addr string) (map[string]membership.NodeState, error)
    Write(ctx context.Context, addr string, req WriteRequest) (WriteResponse, error)
    Replicate(ctx context.Context, addr string, req ReplicationRequest) (ReplicationResponse, error)
    Read(ctx context.Context, addr string, req ReadRequest) (ReadResponse, error)
    Delete(ctx context.Context, addr string, req DeleteRequest) (WriteResponse, error)
    GetStatus(ctx context.Context, addr string) ([]byte, error)
}
