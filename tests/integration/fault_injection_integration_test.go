//go:build integration

package integration

import (
    "context"
    "errors"
    "path/filepath"
    "testing"
    "time"

    "github.com/amirimatin/go-storecluster/pkg/membership"
    "github.com/amirimatin/go-storecluster/pkg/transport"
    "github.com/amirimatin/go-storecluster/pkg/transport/httpjson"
)

// A node stopped gracefully is seen as LEAVING, and comes back HEALTHY under
// a newer generation when restarted from the same data directory.
func TestRestart_RejoinsUnderNewGeneration(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
    defer cancel()
    cli := httpjson.NewClient(3 * time.Second)

    a1, a2, a3 := freePort(t), freePort(t), freePort(t)
    n1 := mustRun(t, ctx, nodeConfig("n1", a1, ""))
    defer n1.Close()
    n2 := mustRun(t, ctx, nodeConfig("n2", a2, a1))
    defer n2.Close()
    cfg3 := nodeConfig("n3", a3, a1)
    cfg3.DataDir = filepath.Join(t.TempDir(), "n3")
    n3 := mustRun(t, ctx, cfg3)
    waitHealthy(t, ctx, cli, 3, a1, a2, a3)

    if _, err := cli.Write(ctx, a1, transport.WriteRequest{Key: "k", Value: []byte("v"), WriteQuorum: 3}); err != nil { t.Fatalf("write: %v", err) }
    before, _ := n1.Members().Get("n3")
    if err := n3.Close(); err != nil { t.Fatalf("close n3: %v", err) }

    waitUntil(t, 10*time.Second, func() error {
        st, ok := n1.Members().Get("n3")
        if !ok || st.Status != membership.StatusLeaving { return errNotYet }
        return nil
    })
    if got := n1.Placement("k", 3); len(got) != 2 { t.Fatalf("leaving node still placed: %v", got) }

    // writes keep meeting the default quorum with two replicas
    if _, err := cli.Write(ctx, a2, transport.WriteRequest{Key: "k2", Value: []byte("v2")}); err != nil { t.Fatalf("write with n3 gone: %v", err) }

    cfg3.APIAddr = freePort(t)
    cfg3.Advertise = ""
    n3b := mustRun(t, ctx, cfg3)
    defer n3b.Close()

    waitUntil(t, 20*time.Second, func() error {
        st, ok := n1.Members().Get("n3")
        if !ok || st.Status != membership.StatusHealthy || st.Generation <= before.Generation || st.Addr != cfg3.APIAddr { return errNotYet }
        return nil
    })
    got, err := cli.Read(ctx, cfg3.APIAddr, transport.ReadRequest{Key: "k"})
    if err != nil || string(got.Value) != "v" { t.Fatalf("entry lost across restart: %+v err=%v", got, err) }
}

// Replication requests carrying a generation older than the one gossiped for
// the coordinator are fenced off.
func TestReplicate_RejectsStaleGeneration(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
    defer cancel()
    cli := httpjson.NewClient(3 * time.Second)

    a1, a2 := freePort(t), freePort(t)
    n1 := mustRun(t, ctx, nodeConfig("n1", a1, ""))
    defer n1.Close()
    n2 := mustRun(t, ctx, nodeConfig("n2", a2, a1))
    defer n2.Close()
    waitHealthy(t, ctx, cli, 2, a1, a2)

    st, _ := n2.Members().Get("n1")
    if st.Generation < 2 { t.Fatalf("n1 generation %d, want a promoted generation", st.Generation) }
    _, err := cli.Replicate(ctx, a2, transport.ReplicationRequest{
        RequestID: "r1", CoordinatorID: "n1", Key: "fenced", Value: []byte("old"), Version: 1, Generation: st.Generation - 1,
    })
    if !errors.Is(err, transport.ErrStaleEpoch) { t.Fatalf("want stale epoch, got %v", err) }
    if _, err := cli.Read(ctx, a2, transport.ReadRequest{Key: "fenced"}); err == nil { t.Fatalf("fenced write applied") }

    // an external epoch lineage only moves forward
    if _, err := cli.Write(ctx, a1, transport.WriteRequest{Key: "e", Value: []byte("5"), Epoch: 5}); err != nil { t.Fatalf("epoch 5: %v", err) }
    if _, err := cli.Write(ctx, a1, transport.WriteRequest{Key: "e", Value: []byte("3"), Epoch: 3}); err == nil { t.Fatalf("epoch 3 accepted after 5") }
    got, err := cli.Read(ctx, a2, transport.ReadRequest{Key: "e", R: 2})
    if err != nil || string(got.Value) != "5" { t.Fatalf("read after fenced write: %+v err=%v", got, err) }
}
