package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strconv"
    "time"

    "github.com/amirimatin/go-storecluster/pkg/membership"
    "github.com/amirimatin/go-storecluster/pkg/transport"
)

// Client is a thin HTTP client for the ClusterAPI. GET requests are retried
// with backoff; POST and DELETE are sent once and left to the caller's own
// retry policy (gossip rounds, client-initiated writes).
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{MaxIdleConnsPerHost: 16, IdleConnTimeout: 90 * time.Second}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

func (c *Client) Gossip(ctx context.Context, addr string, d membership.Digest) error {
    return c.send(ctx, http.MethodPost, c.url(addr, "/cluster/gossip"), d, nil)
}

func (c *Client) AntiEntropy(ctx context.Context, addr string, d membership.Digest) (membership.Digest, error) {
    var out membership.Digest
    err := c.send(ctx, http.MethodPost, c.url(addr, "/cluster/anti-entropy"), d, &out)
    return out, err
}

func (c *Client) Membership(ctx context.Context, addr string) (map[string]membership.NodeState, error) {
    var out map[string]membership.NodeState
    b, err := c.get(ctx, c.url(addr, "/cluster/membership"))
    if err != nil { return nil, err }
    if err := json.Unmarshal(b, &out); err != nil { return nil, fmt.Errorf("decode membership: %w", err) }
    return out, nil
}

func (c *Client) Write(ctx context.Context, addr string, req transport.WriteRequest) (transport.WriteResponse, error) {
    var out transport.WriteResponse
    err := c.send(ctx, http.MethodPost, c.url(addr, "/storage/write"), req, &out)
    return out, err
}

func (c *Client) Replicate(ctx context.Context, addr string, req transport.ReplicationRequest) (transport.ReplicationResponse, error) {
    var out transport.ReplicationResponse
    err := c.send(ctx, http.MethodPost, c.url(addr, "/storage/replicate"), req, &out)
    return out, err
}

func (c *Client) Read(ctx context.Context, addr string, req transport.ReadRequest) (transport.ReadResponse, error) {
    var out transport.ReadResponse
    q := url.Values{}
    if req.R > 0 { q.Set("r", strconv.Itoa(req.R)) }
    if req.Tombstones { q.Set("tombstones", "1") }
    u := c.url(addr, "/storage/read/"+url.PathEscape(req.Key))
    if len(q) > 0 { u += "?" + q.Encode() }
    b, err := c.get(ctx, u)
    if err != nil { return out, err }
    if err := json.Unmarshal(b, &out); err != nil { return out, fmt.Errorf("decode read: %w", err) }
    return out, nil
}

func (c *Client) Delete(ctx context.Context, addr string, req transport.DeleteRequest) (transport.WriteResponse, error) {
    var out transport.WriteResponse
    q := url.Values{}
    if req.ReplicationFactor > 0 { q.Set("rf", strconv.Itoa(req.ReplicationFactor)) }
    if req.WriteQuorum > 0 { q.Set("w", strconv.Itoa(req.WriteQuorum)) }
    if req.Epoch > 0 { q.Set("epoch", strconv.FormatUint(req.Epoch, 10)) }
    u := c.url(addr, "/storage/delete/"+url.PathEscape(req.Key))
    if len(q) > 0 { u += "?" + q.Encode() }
    err := c.send(ctx, http.MethodDelete, u, nil, &out)
    return out, err
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    return c.get(ctx, c.url(addr, "/status"))
}

// get performs a GET with up to three attempts. Definite answers (4xx with a
// wire code) are not retried.
func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
        if err != nil { return nil, err }
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, rerr := io.ReadAll(resp.Body)
            resp.Body.Close()
            switch {
            case rerr != nil:
                lastErr = rerr
            case resp.StatusCode == http.StatusOK:
                return b, nil
            default:
                lastErr = decodeError(resp.StatusCode, b)
                if resp.StatusCode < 500 { return nil, lastErr }
            }
        }
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return nil, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, lastErr
}

// send performs a single JSON request. On non-2xx responses the body is
// still decoded into out (write responses carry an ack summary) and the
// returned error carries the wire code.
func (c *Client) send(ctx context.Context, method, u string, in, out any) error {
    var body io.Reader
    if in != nil {
        b, err := json.Marshal(in)
        if err != nil { return err }
        body = bytes.NewReader(b)
    }
    req, err := http.NewRequestWithContext(ctx, method, u, body)
    if err != nil { return err }
    if in != nil { req.Header.Set("Content-Type", "application/json") }
    resp, err := c.httpc.Do(req)
    if err != nil { return err }
    defer resp.Body.Close()
    b, err := io.ReadAll(resp.Body)
    if err != nil { return err }
    if resp.StatusCode/100 != 2 {
        if out != nil { _ = json.Unmarshal(b, out) }
        return decodeError(resp.StatusCode, b)
    }
    if out == nil || len(bytes.TrimSpace(b)) == 0 { return nil }
    return json.Unmarshal(b, out)
}

func decodeError(status int, b []byte) error {
    var eb transport.ErrorBody
    if err := json.Unmarshal(b, &eb); err == nil && (eb.Code != "" || eb.Error != "") {
        if eb.Code == "" { return fmt.Errorf("status %d: %s", status, eb.Error) }
        return transport.ErrorFromCode(eb.Code, eb.Error)
    }
    return fmt.Errorf("status %d: %s", status, bytes.TrimSpace(b))
}

var _ transport.RPCClient = (*Client)(nil)
