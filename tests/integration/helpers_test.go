//go:build integration

package integration

import (
    "context"
    "encoding/json"
    "errors"
    "io"
    "log"
    "net"
    "testing"
    "time"

    "github.com/amirimatin/go-storecluster/pkg/bootstrap"
    "github.com/amirimatin/go-storecluster/pkg/cluster"
    "github.com/amirimatin/go-storecluster/pkg/membership"
)

var errNotYet = errors.New("not yet")

// statusClient is the part of the ClusterAPI clients the helpers need.
type statusClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
}

func freePort(t *testing.T) string {
    t.Helper()
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    addr := ln.Addr().String()
    _ = ln.Close()
    return addr
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    var last error
    for time.Now().Before(deadline) {
        if last = fn(); last == nil { return }
        time.Sleep(100 * time.Millisecond)
    }
    t.Fatalf("condition not met within %s: %v", timeout, last)
}

// nodeConfig returns a quiet config with short gossip intervals.
func nodeConfig(id, apiAddr string, seeds string) bootstrap.Config {
    return bootstrap.Config{
        NodeID:              id,
        APIAddr:             apiAddr,
        DiscoveryKind:       "static",
        SeedsCSV:            seeds,
        GossipInterval:      100 * time.Millisecond,
        AntiEntropyInterval: 200 * time.Millisecond,
        SweepInterval:       100 * time.Millisecond,
        RPCTimeout:          time.Second,
        ReplicationFactor:   3,
        WriteQuorum:         2,
        ReplicationTimeout:  2 * time.Second,
        Logger:              log.New(io.Discard, "", 0),
    }
}

func mustRun(t *testing.T, ctx context.Context, cfg bootstrap.Config) *cluster.Cluster {
    t.Helper()
    c, err := bootstrap.Run(ctx, cfg)
    if err != nil { t.Fatalf("%s: %v", cfg.NodeID, err) }
    return c
}

// startThree boots n1 without seeds and n2, n3 seeded with n1.
func startThree(t *testing.T, ctx context.Context, mutate func(*bootstrap.Config)) (nodes [3]*cluster.Cluster, addrs [3]string) {
    t.Helper()
    for i := range addrs { addrs[i] = freePort(t) }
    for i, id := range []string{"n1", "n2", "n3"} {
        seeds := ""
        if i > 0 { seeds = addrs[0] }
        cfg := nodeConfig(id, addrs[i], seeds)
        if mutate != nil { mutate(&cfg) }
        nodes[i] = mustRun(t, ctx, cfg)
        t.Cleanup(func() { _ = nodes[i].Close() })
    }
    return nodes, addrs
}

func fetchStatus(ctx context.Context, cli statusClient, addr string) (cluster.ClusterStatus, error) {
    var s cluster.ClusterStatus
    b, err := cli.GetStatus(ctx, addr)
    if err != nil { return s, err }
    if err := json.Unmarshal(b, &s); err != nil { return s, err }
    return s, nil
}

// waitHealthy polls every address until it reports want HEALTHY members.
func waitHealthy(t *testing.T, ctx context.Context, cli statusClient, want int, addrs ...string) {
    t.Helper()
    waitUntil(t, 20*time.Second, func() error {
        for _, a := range addrs {
            s, err := fetchStatus(ctx, cli, a)
            if err != nil { return err }
            if !s.Healthy || s.Counts[membership.StatusHealthy] != want { return errNotYet }
        }
        return nil
    })
}
