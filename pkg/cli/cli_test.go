package cli

import (
    "bytes"
    "context"
    "encoding/json"
    "io"
    "log"
    "net/http/httptest"
    "strings"
    "testing"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-storecluster/pkg/bootstrap"
    "github.com/amirimatin/go-storecluster/pkg/membership"
    "github.com/amirimatin/go-storecluster/pkg/storage"
    "github.com/amirimatin/go-storecluster/pkg/transport"
    "github.com/amirimatin/go-storecluster/pkg/transport/httpjson"
)

// apiStub serves the cluster API over HTTP from canned handlers.
func apiStub(t *testing.T, h transport.Handlers) string {
    t.Helper()
    srv := httptest.NewServer(httpjson.NewServer("", log.New(io.Discard, "", 0)).Handler(h))
    t.Cleanup(srv.Close)
    return strings.TrimPrefix(srv.URL, "http://")
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
    t.Helper()
    var out bytes.Buffer
    root := &cobra.Command{Use: "clusterctl", SilenceUsage: true, SilenceErrors: true}
    root.AddCommand(cmd)
    root.SetOut(&out)
    root.SetArgs(args)
    err := root.Execute()
    return out.String(), err
}

func TestWriteCmd_SendsRequest(t *testing.T) {
    var got transport.WriteRequest
    addr := apiStub(t, transport.Handlers{
        Write: func(ctx context.Context, req transport.WriteRequest) (transport.WriteResponse, error) {
            got = req
            return transport.WriteResponse{Success: true, Key: req.Key, Version: 7, Acks: 2, Required: 2}, nil
        },
    })
    out, err := execute(t, NewWriteCmd(), "write", "--addr", addr, "--key", "k", "--value", "v",
        "--followers", "n2,n3", "--rf", "3", "--w", "2", "--epoch", "9")
    if err != nil { t.Fatalf("write: %v", err) }
    if got.Key != "k" || string(got.Value) != "v" || got.Epoch != 9 || got.ReplicationFactor != 3 || got.WriteQuorum != 2 {
        t.Fatalf("request = %+v", got)
    }
    if len(got.Followers) != 2 || got.Followers[1] != "n3" { t.Fatalf("followers = %v", got.Followers) }
    var resp transport.WriteResponse
    if err := json.Unmarshal([]byte(out), &resp); err != nil || resp.Version != 7 { t.Fatalf("output %q: %v", out, err) }
}

func TestWriteCmd_ReportsNoQuorum(t *testing.T) {
    addr := apiStub(t, transport.Handlers{
        Write: func(ctx context.Context, req transport.WriteRequest) (transport.WriteResponse, error) {
            return transport.WriteResponse{Key: req.Key, Acks: 1, Required: 2}, transport.ErrNoQuorum
        },
    })
    if _, err := execute(t, NewWriteCmd(), "write", "--addr", addr, "--key", "k"); err == nil || !strings.Contains(err.Error(), "quorum") {
        t.Fatalf("expected a quorum error, got %v", err)
    }
}

func TestDeleteCmd_SendsEpoch(t *testing.T) {
    var got transport.DeleteRequest
    addr := apiStub(t, transport.Handlers{
        Delete: func(ctx context.Context, req transport.DeleteRequest) (transport.WriteResponse, error) {
            got = req
            return transport.WriteResponse{Success: true, Key: req.Key}, nil
        },
    })
    if _, err := execute(t, NewDeleteCmd(), "delete", "--addr", addr, "--key", "k", "--epoch", "7", "--w", "1"); err != nil {
        t.Fatalf("delete: %v", err)
    }
    if got.Key != "k" || got.Epoch != 7 || got.WriteQuorum != 1 { t.Fatalf("request = %+v", got) }
}

func TestReadCmd_NotFound(t *testing.T) {
    addr := apiStub(t, transport.Handlers{
        Read: func(ctx context.Context, req transport.ReadRequest) (transport.ReadResponse, error) {
            if req.R != 2 { t.Errorf("r = %d", req.R) }
            return transport.ReadResponse{}, storage.ErrNotFound
        },
    })
    if _, err := execute(t, NewReadCmd(), "read", "--addr", addr, "--key", "missing", "--r", "2"); err == nil {
        t.Fatalf("expected not found")
    }
    if _, err := execute(t, NewReadCmd(), "read", "--addr", addr); err == nil { t.Fatalf("missing key accepted") }
}

func TestRingCmd_UsesHealthyMembers(t *testing.T) {
    addr := apiStub(t, transport.Handlers{
        Membership: func(ctx context.Context) (map[string]membership.NodeState, error) {
            return map[string]membership.NodeState{
                "n1": {NodeID: "n1", Status: membership.StatusHealthy, Generation: 1},
                "n2": {NodeID: "n2", Status: membership.StatusHealthy, Generation: 1},
                "n3": {NodeID: "n3", Status: membership.StatusFailed, Generation: 1},
            }, nil
        },
    })
    out, err := execute(t, NewRingCmd(), "ring", "--addr", addr, "--key", "user:1", "--n", "3")
    if err != nil { t.Fatalf("ring: %v", err) }
    var p Placement
    if err := json.Unmarshal([]byte(out), &p); err != nil { t.Fatalf("output %q: %v", out, err) }
    if len(p.Replicas) != 2 || len(p.Healthy) != 2 { t.Fatalf("placement = %+v", p) }
    for _, id := range p.Replicas {
        if id == "n3" { t.Fatalf("failed node placed: %+v", p) }
    }
}

func TestOverrideChanged(t *testing.T) {
    cmd := NewRunCmd()
    if err := cmd.Flags().Parse([]string{"--id", "flag-id", "--rf", "5"}); err != nil { t.Fatal(err) }
    var fl bootstrap.Config
    fl.NodeID, fl.ReplicationFactor, fl.APIAddr = "flag-id", 5, bootstrap.DefaultAPIAddr
    file := bootstrap.Config{NodeID: "file-id", APIAddr: "10.0.0.1:9000", WriteQuorum: 2}
    got := overrideChanged(cmd, file, fl)
    if got.NodeID != "flag-id" || got.ReplicationFactor != 5 { t.Fatalf("explicit flags not applied: %+v", got) }
    if got.APIAddr != "10.0.0.1:9000" || got.WriteQuorum != 2 { t.Fatalf("file values overridden by flag defaults: %+v", got) }
}
