package grpc

import (
    "context"
    "crypto/tls"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/metadata"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-storecluster/pkg/membership"
    "github.com/amirimatin/go-storecluster/pkg/transport"
)

// Client implements transport.RPCClient over gRPC with cached connections.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config

    once sync.Once
    cm   *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. Call before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    // Use JSON codec and set content subtype accordingly.
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.NewClient(target, opts...)
}

// invoke calls method on addr within the client timeout and maps failures
// back to transport sentinels using the code trailer.
func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.getConn(cctx, addr)
    if err != nil { return err }
    defer rel()
    var trailer metadata.MD
    err = cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out, grpc.Trailer(&trailer))
    if err == nil { return nil }
    if codes := trailer.Get(codeTrailer); len(codes) > 0 {
        return transport.ErrorFromCode(codes[0], status.Convert(err).Message())
    }
    return err
}

func (c *Client) Gossip(ctx context.Context, addr string, d membership.Digest) error {
    return c.invoke(ctx, addr, "Gossip", &d, &empty{})
}

func (c *Client) AntiEntropy(ctx context.Context, addr string, d membership.Digest) (membership.Digest, error) {
    var out membership.Digest
    err := c.invoke(ctx, addr, "AntiEntropy", &d, &out)
    return out, err
}

func (c *Client) Membership(ctx context.Context, addr string) (map[string]membership.NodeState, error) {
    var out membershipView
    if err := c.invoke(ctx, addr, "Membership", &empty{}, &out); err != nil { return nil, err }
    return out.Members, nil
}

func (c *Client) Write(ctx context.Context, addr string, req transport.WriteRequest) (transport.WriteResponse, error) {
    var out transport.WriteResponse
    if err := c.invoke(ctx, addr, "Write", &req, &out); err != nil { return out, err }
    return out, bodyError(out.Success, out.Code, out.Error)
}

func (c *Client) Replicate(ctx context.Context, addr string, req transport.ReplicationRequest) (transport.ReplicationResponse, error) {
    var out transport.ReplicationResponse
    if err := c.invoke(ctx, addr, "Replicate", &req, &out); err != nil { return out, err }
    return out, bodyError(out.Success, out.Code, out.Error)
}

func (c *Client) Read(ctx context.Context, addr string, req transport.ReadRequest) (transport.ReadResponse, error) {
    var out transport.ReadResponse
    err := c.invoke(ctx, addr, "Read", &req, &out)
    return out, err
}

func (c *Client) Delete(ctx context.Context, addr string, req transport.DeleteRequest) (transport.WriteResponse, error) {
    var out transport.WriteResponse
    if err := c.invoke(ctx, addr, "Delete", &req, &out); err != nil { return out, err }
    return out, bodyError(out.Success, out.Code, out.Error)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(statusBlob)
    if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func bodyError(success bool, code, msg string) error {
    if success || (code == "" && msg == "") { return nil }
    return transport.ErrorFromCode(code, msg)
}

// Close releases cached connections.
func (c *Client) Close() {
    if c.cm != nil { c.cm.Close() }
}

// getConn returns a managed connection, creating the manager on first use.
func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
    c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dialCtx) })
    return c.cm.Get(ctx, addr)
}

var _ transport.RPCClient = (*Client)(nil)
