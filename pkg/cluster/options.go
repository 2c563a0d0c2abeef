package cluster

import (
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-storecluster/pkg/discovery"
    "github.com/amirimatin/go-storecluster/pkg/gossip"
    "github.com/amirimatin/go-storecluster/pkg/membership"
    "github.com/amirimatin/go-storecluster/pkg/replication"
    "github.com/amirimatin/go-storecluster/pkg/ring"
    "github.com/amirimatin/go-storecluster/pkg/stable"
    "github.com/amirimatin/go-storecluster/pkg/storage"
    "github.com/amirimatin/go-storecluster/pkg/transport"
)

// DefaultDiscoveryInterval is how often discovery is polled for new seeds.
const DefaultDiscoveryInterval = 30 * time.Second

// Options carries dependency-injected components and runtime configuration used
// to assemble a node. Instances are typically produced from bootstrap.Config.
// The node takes ownership of Engine, Stable and RPCClient and closes them on Stop.
type Options struct {
    // NodeID is the unique identifier of this node within the cluster.
    NodeID string
    // APIAddr is the ClusterAPI address advertised to peers.
    APIAddr string
    Zone    string

    // Engine is the local replica store (required).
    Engine storage.Engine
    // Stable persists the generation counter and epoch fencing state (required).
    Stable *stable.Store

    RPCServer transport.RPCServer
    // RPCClient reaches the ClusterAPI of peers (required).
    RPCClient transport.RPCClient

    // Discovery provides seed addresses; polled every DiscoveryInterval.
    Discovery         discovery.Discovery
    DiscoveryInterval time.Duration

    // Prober is an optional SWIM failure detector. Its alive events add
    // seeds and its dead events escalate suspicion. ProberSeeds are the
    // SWIM addresses it joins on Start.
    Prober      membership.Prober
    ProberSeeds []string

    VirtualNodes int
    // Gossip and Replication tune the exchanger and the coordinator; their
    // identity fields are filled from NodeID and APIAddr.
    Gossip      gossip.Options
    Replication replication.Options

    Logger *log.Logger
}

func (o *Options) applyDefaults() {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.VirtualNodes <= 0 { o.VirtualNodes = ring.DefaultVirtualNodes }
    if o.DiscoveryInterval <= 0 { o.DiscoveryInterval = DefaultDiscoveryInterval }
    o.Gossip.NodeID, o.Gossip.Addr, o.Gossip.Zone = o.NodeID, o.APIAddr, o.Zone
    if o.Gossip.Logger == nil { o.Gossip.Logger = o.Logger }
    o.Replication.NodeID = o.NodeID
    if o.Replication.Logger == nil { o.Replication.Logger = o.Logger }
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.NodeID == "" { return errors.New("cluster: empty NodeID") }
    if o.APIAddr == "" { return errors.New("cluster: empty APIAddr") }
    if o.Engine == nil { return errors.New("cluster: nil Engine") }
    if o.Stable == nil { return errors.New("cluster: nil Stable") }
    if o.RPCClient == nil { return errors.New("cluster: nil RPCClient") }
    return nil
}
