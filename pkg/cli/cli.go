// Package cli provides the cobra commands of clusterctl so services can
// mount them under their own root command.
package cli

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "sort"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-storecluster/pkg/bootstrap"
    "github.com/amirimatin/go-storecluster/pkg/discovery"
    "github.com/amirimatin/go-storecluster/pkg/membership"
    tracing "github.com/amirimatin/go-storecluster/pkg/observability/tracing"
    "github.com/amirimatin/go-storecluster/pkg/ring"
    tlsx "github.com/amirimatin/go-storecluster/pkg/security/tlsconfig"
    "github.com/amirimatin/go-storecluster/pkg/transport"
    apigrpc "github.com/amirimatin/go-storecluster/pkg/transport/grpc"
    "github.com/amirimatin/go-storecluster/pkg/transport/httpjson"
)

// AddAll attaches the node and data commands to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewMembershipCmd())
    root.AddCommand(NewWriteCmd())
    root.AddCommand(NewReadCmd())
    root.AddCommand(NewDeleteCmd())
    root.AddCommand(NewRingCmd())
}

// NewClusterCommand returns a parent command "cluster" containing all subcommands.
func NewClusterCommand() *cobra.Command {
    parent := &cobra.Command{Use: "cluster", Short: "storage cluster commands"}
    AddAll(parent)
    return parent
}

// NewRunCmd returns the "run" command used to start a node. Flags that were
// set explicitly override values from --config.
func NewRunCmd() *cobra.Command {
    var (
        fl          bootstrap.Config
        configPath  string
        traceEnable bool
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a storage node",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg := fl
            if configPath != "" {
                loaded, err := bootstrap.LoadFile(configPath)
                if err != nil { return err }
                cfg = overrideChanged(cmd, loaded, fl)
            }
            if cfg.NodeID == "" { return fmt.Errorf("missing --id") }
            ctx, cancel := signalContext()
            defer cancel()

            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            cfg.Logger = log.Default()
            cl, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer cl.Close()

            fmt.Println("node running. Press Ctrl+C to exit.")
            <-ctx.Done()
            return nil
        },
    }
    f := cmd.Flags()
    f.StringVar(&configPath, "config", "", "YAML config file; explicit flags override it")
    f.StringVar(&fl.NodeID, "id", "", "node id (required)")
    f.StringVar(&fl.Zone, "zone", "", "availability zone reported in membership")
    f.StringVar(&fl.APIAddr, "api-addr", bootstrap.DefaultAPIAddr, "cluster API bind address (host:port)")
    f.StringVar(&fl.Advertise, "advertise", "", "address peers use to reach this node (default derived from --api-addr)")
    f.StringVar(&fl.Proto, "proto", bootstrap.ProtoHTTP, "cluster API protocol: http|grpc")
    f.StringVar(&fl.DataDir, "data", "", "data dir for the storage engine and stable state (empty keeps everything in memory)")
    f.StringVar(&fl.Engine, "engine", "", "storage engine: memory|leveldb (default leveldb when --data is set)")
    f.StringVar(&fl.DiscoveryKind, "discovery", "static", "discovery backend: static|dns|file")
    f.StringVar(&fl.SeedsCSV, "join", "", "comma-separated seed API addresses (host:port), used by discovery=static")
    f.StringVar(&fl.DNSNamesCSV, "dns-names", "", "comma-separated DNS names or SRV records (e.g., _storecluster._tcp.example.com)")
    f.IntVar(&fl.DNSPort, "dns-port", 0, "port used for A/AAAA lookups")
    f.DurationVar(&fl.DiscRefresh, "disc-refresh", 0, "discovery refresh/cache duration")
    f.StringVar(&fl.FilePath, "file-path", "", "path or glob to a file with seeds (one per line or CSV)")
    f.StringVar(&fl.FileEnv, "file-env", "", "ENV var name containing CSV seeds; overrides file when set")
    f.StringVar(&fl.SWIMBind, "swim-bind", "", "enable the SWIM failure detector on this address (host:port)")
    f.StringVar(&fl.SWIMAdvertise, "swim-adv", "", "SWIM advertise address (host:port, optional)")
    f.StringVar(&fl.SWIMSeedsCSV, "swim-join", "", "comma-separated SWIM seed addresses")
    f.IntVar(&fl.VirtualNodes, "vnodes", 0, "virtual nodes per physical node on the hash ring")
    f.DurationVar(&fl.GossipInterval, "gossip-interval", 0, "push gossip interval")
    f.DurationVar(&fl.AntiEntropyInterval, "anti-entropy-interval", 0, "full view exchange interval")
    f.IntVar(&fl.Fanout, "fanout", 0, "peers per gossip round")
    f.Float64Var(&fl.SuspectThreshold, "suspect-threshold", 0, "suspicion score at which a node is SUSPECTED")
    f.Float64Var(&fl.FailThreshold, "fail-threshold", 0, "suspicion score at which a SUSPECTED node is FAILED")
    f.IntVar(&fl.ReplicationFactor, "rf", 0, "default replication factor")
    f.IntVar(&fl.WriteQuorum, "w", 0, "default write quorum")
    f.DurationVar(&fl.ReplicationTimeout, "replication-timeout", 0, "replica call deadline")
    f.StringVar(&fl.UnderReplication, "under-replication", "", "when fewer replicas than RF are healthy: best-effort|fail-fast")
    f.BoolVar(&fl.LogJSON, "log-json", false, "emit JSON log lines")
    f.BoolVar(&fl.LogDebug, "debug", false, "emit debug log lines")
    f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    bindTLS(cmd, &fl.TLS)
    return cmd
}

// overrideChanged copies the explicitly set flags of cmd from fl onto cfg.
func overrideChanged(cmd *cobra.Command, cfg, fl bootstrap.Config) bootstrap.Config {
    set := func(name string, apply func()) {
        if cmd.Flags().Changed(name) { apply() }
    }
    set("id", func() { cfg.NodeID = fl.NodeID })
    set("zone", func() { cfg.Zone = fl.Zone })
    set("api-addr", func() { cfg.APIAddr = fl.APIAddr })
    set("advertise", func() { cfg.Advertise = fl.Advertise })
    set("proto", func() { cfg.Proto = fl.Proto })
    set("data", func() { cfg.DataDir = fl.DataDir })
    set("engine", func() { cfg.Engine = fl.Engine })
    set("discovery", func() { cfg.DiscoveryKind = fl.DiscoveryKind })
    set("join", func() { cfg.SeedsCSV = fl.SeedsCSV })
    set("dns-names", func() { cfg.DNSNamesCSV = fl.DNSNamesCSV })
    set("dns-port", func() { cfg.DNSPort = fl.DNSPort })
    set("disc-refresh", func() { cfg.DiscRefresh = fl.DiscRefresh })
    set("file-path", func() { cfg.FilePath = fl.FilePath })
    set("file-env", func() { cfg.FileEnv = fl.FileEnv })
    set("swim-bind", func() { cfg.SWIMBind = fl.SWIMBind })
    set("swim-adv", func() { cfg.SWIMAdvertise = fl.SWIMAdvertise })
    set("swim-join", func() { cfg.SWIMSeedsCSV = fl.SWIMSeedsCSV })
    set("vnodes", func() { cfg.VirtualNodes = fl.VirtualNodes })
    set("gossip-interval", func() { cfg.GossipInterval = fl.GossipInterval })
    set("anti-entropy-interval", func() { cfg.AntiEntropyInterval = fl.AntiEntropyInterval })
    set("fanout", func() { cfg.Fanout = fl.Fanout })
    set("suspect-threshold", func() { cfg.SuspectThreshold = fl.SuspectThreshold })
    set("fail-threshold", func() { cfg.FailThreshold = fl.FailThreshold })
    set("rf", func() { cfg.ReplicationFactor = fl.ReplicationFactor })
    set("w", func() { cfg.WriteQuorum = fl.WriteQuorum })
    set("replication-timeout", func() { cfg.ReplicationTimeout = fl.ReplicationTimeout })
    set("under-replication", func() { cfg.UnderReplication = fl.UnderReplication })
    set("log-json", func() { cfg.LogJSON = fl.LogJSON })
    set("debug", func() { cfg.LogDebug = fl.LogDebug })
    set("tls-enable", func() { cfg.TLS.Enable = fl.TLS.Enable })
    set("tls-ca", func() { cfg.TLS.CAFile = fl.TLS.CAFile })
    set("tls-cert", func() { cfg.TLS.CertFile = fl.TLS.CertFile })
    set("tls-key", func() { cfg.TLS.KeyFile = fl.TLS.KeyFile })
    set("tls-skip-verify", func() { cfg.TLS.InsecureSkipVerify = fl.TLS.InsecureSkipVerify })
    set("tls-server-name", func() { cfg.TLS.ServerName = fl.TLS.ServerName })
    return cfg
}

// clientFlags are shared by the commands that talk to a running node.
type clientFlags struct {
    addr    string
    proto   string
    timeout time.Duration
    tls     tlsx.Options
}

func (c *clientFlags) bind(cmd *cobra.Command) {
    cmd.Flags().StringVar(&c.addr, "addr", "127.0.0.1:8080", "cluster API address of a node (host:port)")
    cmd.Flags().StringVar(&c.proto, "proto", bootstrap.ProtoHTTP, "cluster API protocol: http|grpc")
    cmd.Flags().DurationVar(&c.timeout, "timeout", 5*time.Second, "request timeout")
    bindTLS(cmd, &c.tls)
}

func (c *clientFlags) client() (transport.RPCClient, error) {
    var cliTLS *tls.Config
    if c.tls.Enable {
        var err error
        cliTLS, err = c.tls.Client()
        if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    }
    switch c.proto {
    case bootstrap.ProtoGRPC:
        cli := apigrpc.NewClient(c.timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, nil
    case bootstrap.ProtoHTTP:
        cli := httpjson.NewClient(c.timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, nil
    }
    return nil, fmt.Errorf("unknown protocol %q", c.proto)
}

func (c *clientFlags) ctx() (context.Context, context.CancelFunc) {
    return context.WithTimeout(context.Background(), c.timeout)
}

func bindTLS(cmd *cobra.Command, o *tlsx.Options) {
    cmd.Flags().BoolVar(&o.Enable, "tls-enable", false, "enable mTLS for the cluster API")
    cmd.Flags().StringVar(&o.CAFile, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&o.CertFile, "tls-cert", "", "path to certificate (PEM)")
    cmd.Flags().StringVar(&o.KeyFile, "tls-key", "", "path to private key (PEM)")
    cmd.Flags().BoolVar(&o.InsecureSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&o.ServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch a node's status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.ctx()
            defer cancel()
            data, err := client.GetStatus(ctx, cf.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            out := cmd.OutOrStdout()
            _, _ = out.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { _, _ = out.Write([]byte("\n")) }
            return nil
        },
    }
    cf.bind(cmd)
    return cmd
}

// NewMembershipCmd returns the "membership" command.
func NewMembershipCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "membership",
        Short: "Print a node's member table",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.ctx()
            defer cancel()
            members, err := client.Membership(ctx, cf.addr)
            if err != nil { return fmt.Errorf("membership error: %w", err) }
            return printJSON(cmd, members)
        },
    }
    cf.bind(cmd)
    return cmd
}

// NewWriteCmd returns the "write" command.
func NewWriteCmd() *cobra.Command {
    var (
        cf           clientFlags
        req          transport.WriteRequest
        value        string
        followersCSV string
    )
    cmd := &cobra.Command{
        Use:   "write",
        Short: "Write a key through a coordinator node",
        RunE: func(cmd *cobra.Command, args []string) error {
            if req.Key == "" { return fmt.Errorf("missing --key") }
            client, err := cf.client()
            if err != nil { return err }
            req.Value = []byte(value)
            req.Followers = discovery.SplitList(followersCSV)
            ctx, cancel := cf.ctx()
            defer cancel()
            resp, err := client.Write(ctx, cf.addr, req)
            if err != nil { return fmt.Errorf("write error: %w", err) }
            return printJSON(cmd, resp)
        },
    }
    cf.bind(cmd)
    cmd.Flags().StringVar(&req.Key, "key", "", "key (required)")
    cmd.Flags().StringVar(&value, "value", "", "value")
    cmd.Flags().StringVar(&followersCSV, "followers", "", "comma-separated follower node IDs or addresses, replacing ring placement")
    cmd.Flags().Uint64Var(&req.Epoch, "epoch", 0, "caller-supplied epoch for fencing")
    cmd.Flags().IntVar(&req.ReplicationFactor, "rf", 0, "replication factor (node default when 0)")
    cmd.Flags().IntVar(&req.WriteQuorum, "w", 0, "write quorum (node default when 0)")
    return cmd
}

// NewReadCmd returns the "read" command.
func NewReadCmd() *cobra.Command {
    var (
        cf  clientFlags
        req transport.ReadRequest
    )
    cmd := &cobra.Command{
        Use:   "read",
        Short: "Read a key from a node",
        RunE: func(cmd *cobra.Command, args []string) error {
            if req.Key == "" { return fmt.Errorf("missing --key") }
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.ctx()
            defer cancel()
            resp, err := client.Read(ctx, cf.addr, req)
            if err != nil { return fmt.Errorf("read error: %w", err) }
            return printJSON(cmd, resp)
        },
    }
    cf.bind(cmd)
    cmd.Flags().StringVar(&req.Key, "key", "", "key (required)")
    cmd.Flags().IntVar(&req.R, "r", 0, "replicas that must answer (0 reads the node's local copy)")
    cmd.Flags().BoolVar(&req.Tombstones, "tombstones", false, "return deleted entries")
    return cmd
}

// NewDeleteCmd returns the "delete" command.
func NewDeleteCmd() *cobra.Command {
    var (
        cf  clientFlags
        req transport.DeleteRequest
    )
    cmd := &cobra.Command{
        Use:   "delete",
        Short: "Delete a key through a coordinator node",
        RunE: func(cmd *cobra.Command, args []string) error {
            if req.Key == "" { return fmt.Errorf("missing --key") }
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.ctx()
            defer cancel()
            resp, err := client.Delete(ctx, cf.addr, req)
            if err != nil { return fmt.Errorf("delete error: %w", err) }
            return printJSON(cmd, resp)
        },
    }
    cf.bind(cmd)
    cmd.Flags().StringVar(&req.Key, "key", "", "key (required)")
    cmd.Flags().Uint64Var(&req.Epoch, "epoch", 0, "caller-supplied epoch for fencing")
    cmd.Flags().IntVar(&req.ReplicationFactor, "rf", 0, "replication factor (node default when 0)")
    cmd.Flags().IntVar(&req.WriteQuorum, "w", 0, "write quorum (node default when 0)")
    return cmd
}

// Placement is the output of the "ring" command.
type Placement struct {
    Key      string   `json:"key"`
    Replicas []string `json:"replicas"`
    Healthy  []string `json:"healthy"`
}

// NewRingCmd returns the "ring" command: it rebuilds the hash ring from a
// node's member table and prints the replicas of a key.
func NewRingCmd() *cobra.Command {
    var (
        cf     clientFlags
        key    string
        n      int
        vnodes int
    )
    cmd := &cobra.Command{
        Use:   "ring",
        Short: "Show the replicas the ring assigns to a key",
        RunE: func(cmd *cobra.Command, args []string) error {
            if key == "" { return fmt.Errorf("missing --key") }
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.ctx()
            defer cancel()
            members, err := client.Membership(ctx, cf.addr)
            if err != nil { return fmt.Errorf("membership error: %w", err) }
            return printJSON(cmd, place(members, key, n, vnodes))
        },
    }
    cf.bind(cmd)
    cmd.Flags().StringVar(&key, "key", "", "key (required)")
    cmd.Flags().IntVar(&n, "n", 3, "number of replicas")
    cmd.Flags().IntVar(&vnodes, "vnodes", ring.DefaultVirtualNodes, "virtual nodes per node; must match the cluster")
    return cmd
}

func place(members map[string]membership.NodeState, key string, n, vnodes int) Placement {
    r := ring.New(vnodes)
    p := Placement{Key: key}
    for id, st := range members {
        if st.Status != membership.StatusHealthy { continue }
        r.AddNode(id)
        p.Healthy = append(p.Healthy, id)
    }
    sort.Strings(p.Healthy)
    p.Replicas = r.NodesForKey(key, n)
    return p
}

func printJSON(cmd *cobra.Command, v any) error {
    enc := json.NewEncoder(cmd.OutOrStdout())
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
