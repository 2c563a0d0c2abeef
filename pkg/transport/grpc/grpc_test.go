package grpc

import (
    "context"
    "errors"
    "fmt"
    "testing"
    "time"

    "github.com/amirimatin/go-storecluster/pkg/membership"
    "github.com/amirimatin/go-storecluster/pkg/storage"
    "github.com/amirimatin/go-storecluster/pkg/transport"
)

func startServer(t *testing.T, h transport.Handlers) (string, *Client) {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    s := NewServer("127.0.0.1:0")
    if err := s.Start(ctx, h); err != nil { t.Fatalf("start: %v", err) }
    c := NewClient(2 * time.Second)
    t.Cleanup(func() {
        c.Close()
        cancel()
        _ = s.Stop(context.Background())
    })
    return s.Addr(), c
}

func TestClusterService_RoundTrip(t *testing.T) {
    addr, c := startServer(t, transport.Handlers{
        Gossip: func(_ context.Context, d membership.Digest) error { return d.Validate() },
        Membership: func(context.Context) (map[string]membership.NodeState, error) {
            return map[string]membership.NodeState{"a": {NodeID: "a", Status: membership.StatusHealthy, Generation: 1}}, nil
        },
        Read: func(_ context.Context, req transport.ReadRequest) (transport.ReadResponse, error) {
            if req.Key == "missing" { return transport.ReadResponse{}, storage.ErrNotFound }
            return transport.ReadResponse{Key: req.Key, Value: []byte("v"), Version: 7}, nil
        },
        Status: func(context.Context) ([]byte, error) { return []byte(`{"node":"a"}`), nil },
    })
    ctx := context.Background()

    d := membership.Digest{SourceNodeID: "x", SourceGeneration: 1, Members: map[string]membership.NodeState{}}
    if err := c.Gossip(ctx, addr, d); err != nil { t.Fatalf("gossip: %v", err) }
    if err := c.Gossip(ctx, addr, membership.Digest{}); !errors.Is(err, transport.ErrInvalid) {
        t.Fatalf("malformed digest: want ErrInvalid, got %v", err)
    }
    m, err := c.Membership(ctx, addr)
    if err != nil || m["a"].Status != membership.StatusHealthy { t.Fatalf("membership: %v %v", m, err) }
    r, err := c.Read(ctx, addr, transport.ReadRequest{Key: "k"})
    if err != nil || r.Version != 7 || string(r.Value) != "v" { t.Fatalf("read: %+v %v", r, err) }
    if _, err := c.Read(ctx, addr, transport.ReadRequest{Key: "missing"}); !errors.Is(err, storage.ErrNotFound) {
        t.Fatalf("want ErrNotFound, got %v", err)
    }
    st, err := c.GetStatus(ctx, addr)
    if err != nil || string(st) != `{"node":"a"}` { t.Fatalf("status: %s %v", st, err) }
    if c.cm.Len() != 1 { t.Fatalf("expected one cached connection, got %d", c.cm.Len()) }
}

func TestClusterService_FailuresKeepBody(t *testing.T) {
    addr, c := startServer(t, transport.Handlers{
        Write: func(_ context.Context, req transport.WriteRequest) (transport.WriteResponse, error) {
            return transport.WriteResponse{Key: req.Key, Acks: 1, Required: 2}, fmt.Errorf("%w: 1/2", transport.ErrNoQuorum)
        },
        Replicate: func(_ context.Context, req transport.ReplicationRequest) (transport.ReplicationResponse, error) {
            if req.Generation < 3 { return transport.ReplicationResponse{NodeID: "b"}, transport.ErrStaleEpoch }
            return transport.ReplicationResponse{RequestID: req.RequestID, Success: true, NodeID: "b", Version: req.Version}, nil
        },
    })
    ctx := context.Background()

    out, err := c.Write(ctx, addr, transport.WriteRequest{Key: "k"})
    if !errors.Is(err, transport.ErrNoQuorum) || out.Acks != 1 { t.Fatalf("write: %+v %v", out, err) }

    if _, err := c.Replicate(ctx, addr, transport.ReplicationRequest{Generation: 2}); !errors.Is(err, transport.ErrStaleEpoch) {
        t.Fatalf("want ErrStaleEpoch, got %v", err)
    }
    ok, err := c.Replicate(ctx, addr, transport.ReplicationRequest{RequestID: "r", Generation: 3, Version: 9})
    if err != nil || !ok.Success || ok.Version != 9 { t.Fatalf("replicate: %+v %v", ok, err) }
}

func TestConnManager_EvictsIdle(t *testing.T) {
    c := NewClient(time.Second)
    defer c.Close()
    cc, rel, err := c.getConn(context.Background(), "127.0.0.1:1")
    if err != nil || cc == nil { t.Fatalf("getConn: %v", err) }
    if n := c.cm.evictIdle(time.Now().Add(time.Hour)); n != 0 { t.Fatalf("evicted a connection in use") }
    rel()
    if n := c.cm.evictIdle(time.Now().Add(time.Hour)); n != 1 { t.Fatalf("evicted %d, want 1", n) }
    if c.cm.Len() != 0 { t.Fatalf("cache not empty") }
}
