package cluster

import (
    "context"
    "encoding/json"

    "github.com/amirimatin/go-storecluster/pkg/membership"
    "github.com/amirimatin/go-storecluster/pkg/transport"
)

// handlers maps the ClusterAPI onto the exchanger and the coordinator.
// Client-facing operations refuse requests once the node is stopping.
func (c *Cluster) handlers() transport.Handlers {
    return transport.Handlers{
        Gossip:      c.ex.ReceiveGossip,
        AntiEntropy: c.ex.AntiEntropy,
        Membership: func(ctx context.Context) (map[string]membership.NodeState, error) {
            return c.ex.Snapshot().Members(), nil
        },
        Write:     c.Write,
        Replicate: c.coord.HandleReplicate,
        Read:      c.Read,
        Delete:    c.Delete,
        Status:    c.statusJSON,
    }
}

func (c *Cluster) statusJSON(ctx context.Context) ([]byte, error) {
    st, err := c.Status(ctx)
    if err != nil { return nil, err }
    return json.Marshal(st)
}
