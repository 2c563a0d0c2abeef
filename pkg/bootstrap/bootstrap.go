// Package bootstrap assembles a storage node from a flat Config, the way a
// service embeds the cluster without touching the individual components.
package bootstrap

import (
    "bytes"
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "io"
    "log"
    "net"
    "os"
    "path/filepath"
    "time"

    "gopkg.in/yaml.v3"

    "github.com/amirimatin/go-storecluster/pkg/cluster"
    "github.com/amirimatin/go-storecluster/pkg/discovery"
    dDNS "github.com/amirimatin/go-storecluster/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-storecluster/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-storecluster/pkg/discovery/static"
    "github.com/amirimatin/go-storecluster/pkg/gossip"
    "github.com/amirimatin/go-storecluster/pkg/internal/logutil"
    "github.com/amirimatin/go-storecluster/pkg/membership"
    ml "github.com/amirimatin/go-storecluster/pkg/membership/memberlist"
    "github.com/amirimatin/go-storecluster/pkg/replication"
    "github.com/amirimatin/go-storecluster/pkg/ring"
    tlsx "github.com/amirimatin/go-storecluster/pkg/security/tlsconfig"
    "github.com/amirimatin/go-storecluster/pkg/stable"
    "github.com/amirimatin/go-storecluster/pkg/storage"
    "github.com/amirimatin/go-storecluster/pkg/storage/leveldb"
    "github.com/amirimatin/go-storecluster/pkg/storage/memory"
    "github.com/amirimatin/go-storecluster/pkg/transport"
    apigrpc "github.com/amirimatin/go-storecluster/pkg/transport/grpc"
    "github.com/amirimatin/go-storecluster/pkg/transport/httpjson"
)

const (
    DefaultAPIAddr = ":8080"
    ProtoHTTP      = "http"
    ProtoGRPC      = "grpc"
    EngineMemory   = "memory"
    EngineLevelDB  = "leveldb"
)

// Config defines high-level inputs to assemble a node with sensible
// defaults. Zero tuning values keep the component defaults.
type Config struct {
    // Identity and addresses
    NodeID    string `yaml:"nodeId"`
    Zone      string `yaml:"zone"`
    APIAddr   string `yaml:"apiAddr"`   // ClusterAPI bind host:port
    Advertise string `yaml:"advertise"` // address peers dial; derived from APIAddr when empty
    Proto     string `yaml:"proto"`     // "http" (default) or "grpc"

    // Persistence: empty DataDir keeps everything in memory
    DataDir string `yaml:"dataDir"`
    Engine  string `yaml:"engine"` // "memory" or "leveldb"

    // Discovery settings
    DiscoveryKind string        `yaml:"discovery"` // "static" (default), "dns" or "file"
    SeedsCSV      string        `yaml:"seeds"`     // used when DiscoveryKind=static
    DNSNamesCSV   string        `yaml:"dnsNames"`  // used when DiscoveryKind=dns
    DNSPort       int           `yaml:"dnsPort"`   // used when DiscoveryKind=dns (A/AAAA)
    DiscRefresh   time.Duration `yaml:"discoveryRefresh"`
    FilePath      string        `yaml:"filePath"` // used when DiscoveryKind=file
    FileEnv       string        `yaml:"fileEnv"`  // used when DiscoveryKind=file

    // Optional SWIM failure detector; disabled when SWIMBind is empty
    SWIMBind      string `yaml:"swimBind"`
    SWIMAdvertise string `yaml:"swimAdvertise"`
    SWIMSeedsCSV  string `yaml:"swimSeeds"`

    // Membership tuning
    VirtualNodes        int           `yaml:"virtualNodes"`
    GossipInterval      time.Duration `yaml:"gossipInterval"`
    AntiEntropyInterval time.Duration `yaml:"antiEntropyInterval"`
    SweepInterval       time.Duration `yaml:"sweepInterval"`
    RPCTimeout          time.Duration `yaml:"rpcTimeout"`
    Fanout              int           `yaml:"fanout"`
    SuspectThreshold    float64       `yaml:"suspectThreshold"`
    FailThreshold       float64       `yaml:"failThreshold"`

    // Replication tuning
    ReplicationFactor  int           `yaml:"replicationFactor"`
    WriteQuorum        int           `yaml:"writeQuorum"`
    ReplicationTimeout time.Duration `yaml:"replicationTimeout"`
    UnderReplication   string        `yaml:"underReplication"` // "best-effort" (default) or "fail-fast"

    // TLS (optional) for the ClusterAPI, both directions
    TLS tlsx.Options `yaml:"tls"`

    // Logging
    LogJSON  bool `yaml:"logJson"`
    LogDebug bool `yaml:"logDebug"`
    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger `yaml:"-"`
}

// LoadFile reads a YAML config. Unknown keys are rejected.
func LoadFile(path string) (Config, error) {
    var cfg Config
    b, err := os.ReadFile(path)
    if err != nil { return cfg, err }
    dec := yaml.NewDecoder(bytes.NewReader(b))
    dec.KnownFields(true)
    if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
        return cfg, fmt.Errorf("bootstrap: parse %s: %w", path, err)
    }
    return cfg, nil
}

// WithDefaults returns a copy with empty identity, protocol and storage
// fields filled in.
func (c Config) WithDefaults() Config {
    if c.APIAddr == "" { c.APIAddr = DefaultAPIAddr }
    if c.Proto == "" { c.Proto = ProtoHTTP }
    if c.DiscoveryKind == "" { c.DiscoveryKind = "static" }
    if c.VirtualNodes <= 0 { c.VirtualNodes = ring.DefaultVirtualNodes }
    if c.Engine == "" {
        c.Engine = EngineMemory
        if c.DataDir != "" { c.Engine = EngineLevelDB }
    }
    if c.Advertise == "" { c.Advertise = advertiseFor(c.APIAddr) }
    if c.Logger == nil { c.Logger = log.Default() }
    return c
}

// advertiseFor replaces an unspecified bind host with the host name.
func advertiseFor(bind string) string {
    host, port, err := net.SplitHostPort(bind)
    if err != nil { return bind }
    if host == "" || host == "0.0.0.0" || host == "::" {
        if h, err := os.Hostname(); err == nil { host = h } else { host = "127.0.0.1" }
    }
    return net.JoinHostPort(host, port)
}

// Validate checks values Build cannot default.
func (c Config) Validate() error {
    if c.NodeID == "" { return errors.New("bootstrap: empty NodeID") }
    switch c.Proto {
    case ProtoHTTP, ProtoGRPC:
    default:
        return fmt.Errorf("bootstrap: unknown protocol %q", c.Proto)
    }
    switch c.Engine {
    case EngineMemory:
    case EngineLevelDB:
        if c.DataDir == "" { return errors.New("bootstrap: leveldb engine requires a data dir") }
    default:
        return fmt.Errorf("bootstrap: unknown storage engine %q", c.Engine)
    }
    switch c.DiscoveryKind {
    case "static", "dns", "file":
    default:
        return fmt.Errorf("bootstrap: unknown discovery %q", c.DiscoveryKind)
    }
    if _, err := replication.ParsePolicy(c.UnderReplication); err != nil { return err }
    return nil
}

// Build assembles a cluster.Cluster from Config without starting it.
func Build(cfg Config) (*cluster.Cluster, error) {
    cfg = cfg.WithDefaults()
    if err := cfg.Validate(); err != nil { return nil, err }
    if cfg.LogJSON { logutil.SetJSON(true) }
    if cfg.LogDebug { logutil.SetDebug(true) }
    policy, _ := replication.ParsePolicy(cfg.UnderReplication)

    srv, cli, err := buildTransport(cfg)
    if err != nil { return nil, err }
    prober, err := buildProber(cfg)
    if err != nil { return nil, err }

    st, err := stable.Open(cfg.DataDir)
    if err != nil { return nil, err }
    engine, err := buildEngine(cfg)
    if err != nil { _ = st.Close(); return nil, err }

    var statePath string
    if cfg.DataDir != "" { statePath = filepath.Join(cfg.DataDir, "membership.json") }

    opts := cluster.Options{
        NodeID:            cfg.NodeID,
        APIAddr:           cfg.Advertise,
        Zone:              cfg.Zone,
        Engine:            engine,
        Stable:            st,
        RPCServer:         srv,
        RPCClient:         cli,
        Discovery:         buildDiscovery(cfg),
        DiscoveryInterval: cfg.DiscRefresh,
        VirtualNodes:      cfg.VirtualNodes,
        Gossip: gossip.Options{
            GossipInterval:      cfg.GossipInterval,
            AntiEntropyInterval: cfg.AntiEntropyInterval,
            SweepInterval:       cfg.SweepInterval,
            RPCTimeout:          cfg.RPCTimeout,
            Fanout:              cfg.Fanout,
            SuspectThreshold:    cfg.SuspectThreshold,
            FailThreshold:       cfg.FailThreshold,
            StatePath:           statePath,
        },
        Replication: replication.Options{
            ReplicationFactor: cfg.ReplicationFactor,
            WriteQuorum:       cfg.WriteQuorum,
            Timeout:           cfg.ReplicationTimeout,
            Policy:            policy,
        },
        Logger: cfg.Logger,
    }
    if prober != nil {
        opts.Prober = prober
        opts.ProberSeeds = discovery.SplitList(cfg.SWIMSeedsCSV)
    }
    c, err := cluster.New(opts)
    if err != nil {
        _ = engine.Close()
        _ = st.Close()
        return nil, err
    }
    return c, nil
}

// Run builds and starts the node, returning the instance for lifecycle
// control. The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*cluster.Cluster, error) {
    cl, err := Build(cfg)
    if err != nil { return nil, err }
    if err := cl.Start(ctx); err != nil {
        _ = cl.Close()
        return nil, err
    }
    return cl, nil
}

func buildEngine(cfg Config) (storage.Engine, error) {
    if cfg.Engine == EngineLevelDB {
        db, err := leveldb.Open(filepath.Join(cfg.DataDir, "data"), cfg.Logger)
        if err != nil { return nil, err }
        return db, nil
    }
    return memory.New(), nil
}

func buildDiscovery(cfg Config) discovery.Discovery {
    switch cfg.DiscoveryKind {
    case "dns":
        return dDNS.New(dDNS.Options{Names: discovery.SplitList(cfg.DNSNamesCSV), Port: cfg.DNSPort, Refresh: cfg.DiscRefresh})
    case "file":
        return dFile.New(dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv, Refresh: cfg.DiscRefresh})
    default:
        return dStatic.Parse(cfg.SeedsCSV)
    }
}

// buildTransport selects the ClusterAPI binding; TLS applies to both the
// server and the client so peers authenticate each other.
func buildTransport(cfg Config) (transport.RPCServer, transport.RPCClient, error) {
    var srvTLS, cliTLS *tls.Config
    if cfg.TLS.Enable {
        var err error
        if srvTLS, err = cfg.TLS.Server(); err != nil { return nil, nil, fmt.Errorf("bootstrap: tls server: %w", err) }
        if cliTLS, err = cfg.TLS.Client(); err != nil { return nil, nil, fmt.Errorf("bootstrap: tls client: %w", err) }
    }
    timeout := cfg.RPCTimeout
    if timeout <= 0 { timeout = 3 * time.Second }
    switch cfg.Proto {
    case ProtoGRPC:
        s := apigrpc.NewServer(cfg.APIAddr)
        c := apigrpc.NewClient(timeout)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return s, c, nil
    default:
        s := httpjson.NewServer(cfg.APIAddr, cfg.Logger)
        c := httpjson.NewClient(timeout)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return s, c, nil
    }
}

func buildProber(cfg Config) (membership.Prober, error) {
    if cfg.SWIMBind == "" { return nil, nil }
    p, err := ml.New(ml.Options{
        NodeID:    cfg.NodeID,
        Bind:      cfg.SWIMBind,
        Advertise: cfg.SWIMAdvertise,
        APIAddr:   cfg.Advertise,
        Logger:    cfg.Logger,
    })
    if err != nil { return nil, err }
    return p, nil
}
