package bootstrap

import (
    "context"
    "io"
    "log"
    "net"
    "os"
    "path/filepath"
    "strings"
    "testing"
    "time"

    "github.com/amirimatin/go-storecluster/pkg/transport"
)

func freePort(t *testing.T) string {
    t.Helper()
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    addr := ln.Addr().String()
    _ = ln.Close()
    return addr
}

func TestLoadFile(t *testing.T) {
    path := filepath.Join(t.TempDir(), "node.yaml")
    body := `
nodeId: n1
apiAddr: 127.0.0.1:9000
proto: grpc
seeds: 10.0.0.1:9000,10.0.0.2:9000
gossipInterval: 250ms
replicationFactor: 5
writeQuorum: 3
underReplication: fail-fast
tls:
  enable: true
  caFile: /etc/ca.pem
`
    if err := os.WriteFile(path, []byte(body), 0o644); err != nil { t.Fatal(err) }
    cfg, err := LoadFile(path)
    if err != nil { t.Fatalf("load: %v", err) }
    if cfg.NodeID != "n1" || cfg.Proto != ProtoGRPC || cfg.GossipInterval != 250*time.Millisecond {
        t.Fatalf("cfg = %+v", cfg)
    }
    if cfg.ReplicationFactor != 5 || cfg.WriteQuorum != 3 || cfg.UnderReplication != "fail-fast" {
        t.Fatalf("replication settings = %+v", cfg)
    }
    if !cfg.TLS.Enable || cfg.TLS.CAFile != "/etc/ca.pem" { t.Fatalf("tls = %+v", cfg.TLS) }
}

func TestLoadFile_RejectsUnknownKeys(t *testing.T) {
    path := filepath.Join(t.TempDir(), "node.yaml")
    if err := os.WriteFile(path, []byte("nodeId: n1\nraftAddr: :9521\n"), 0o644); err != nil { t.Fatal(err) }
    if _, err := LoadFile(path); err == nil || !strings.Contains(err.Error(), "raftAddr") {
        t.Fatalf("expected unknown field error, got %v", err)
    }
}

func TestWithDefaults(t *testing.T) {
    c := Config{NodeID: "n1"}.WithDefaults()
    if c.APIAddr != DefaultAPIAddr || c.Proto != ProtoHTTP || c.Engine != EngineMemory || c.DiscoveryKind != "static" {
        t.Fatalf("defaults = %+v", c)
    }
    if c.Advertise == "" || strings.HasPrefix(c.Advertise, ":") { t.Fatalf("advertise not derived: %q", c.Advertise) }

    d := Config{NodeID: "n1", DataDir: "/tmp/x", APIAddr: "10.1.2.3:7000"}.WithDefaults()
    if d.Engine != EngineLevelDB || d.Advertise != "10.1.2.3:7000" { t.Fatalf("defaults with data dir = %+v", d) }
}

func TestValidate(t *testing.T) {
    cases := map[string]Config{
        "node id":   {},
        "protocol":  {NodeID: "n", Proto: "udp"},
        "engine":    {NodeID: "n", Engine: "rocks"},
        "leveldb":   {NodeID: "n", Engine: EngineLevelDB},
        "discovery": {NodeID: "n", DiscoveryKind: "consul"},
        "policy":    {NodeID: "n", UnderReplication: "sometimes"},
    }
    for name, cfg := range cases {
        if err := cfg.WithDefaults().Validate(); err == nil { t.Fatalf("%s: expected error", name) }
    }
}

func TestRun_SingleNodeLevelDB(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    dir := t.TempDir()
    cfg := Config{
        NodeID:  "n1",
        APIAddr: freePort(t),
        DataDir: dir,
        Logger:  log.New(io.Discard, "", 0),
    }
    cl, err := Run(ctx, cfg)
    if err != nil { t.Fatalf("run: %v", err) }
    deadline := time.Now().Add(3 * time.Second)
    for {
        st, _ := cl.Status(ctx)
        if st.Healthy { break }
        if time.Now().After(deadline) { t.Fatalf("node never became healthy: %+v", st) }
        time.Sleep(50 * time.Millisecond)
    }
    if _, err := cl.Write(ctx, transport.WriteRequest{Key: "k", Value: []byte("v")}); err != nil { t.Fatalf("write: %v", err) }
    gen := cl.Members().List()[0].Generation
    if err := cl.Close(); err != nil { t.Fatalf("close: %v", err) }

    // the entry and the generation survive a restart
    cfg.APIAddr = freePort(t)
    cl2, err := Run(ctx, cfg)
    if err != nil { t.Fatalf("rerun: %v", err) }
    defer cl2.Close()
    got, err := cl2.Read(ctx, transport.ReadRequest{Key: "k"})
    if err != nil || string(got.Value) != "v" { t.Fatalf("read after restart: %+v err=%v", got, err) }
    st, _ := cl2.Status(ctx)
    if st.Generation <= gen { t.Fatalf("generation %d not above previous %d", st.Generation, gen) }
}
