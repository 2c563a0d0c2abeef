package replication

import (
    "context"
    "errors"
    "fmt"

    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-storecluster/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-storecluster/pkg/observability/metrics"
    "github.com/amirimatin/go-storecluster/pkg/observability/tracing"
    "github.com/amirimatin/go-storecluster/pkg/storage"
    "github.com/amirimatin/go-storecluster/pkg/transport"
)

type readOutcome struct {
    replica replica
    entry   storage.Entry
    found   bool
    err     error
}

// Read returns the entry for req.Key. With R == 0 only the local engine is
// consulted. Otherwise the key's replicas are queried in parallel and the
// read completes once R of them answered, returning the highest version
// among the answers (last-writer-wins). Divergent replicas are not repaired.
func (c *Coordinator) Read(ctx context.Context, req transport.ReadRequest) (transport.ReadResponse, error) {
    if req.Key == "" { return transport.ReadResponse{}, fmt.Errorf("%w: empty key", transport.ErrInvalid) }
    if req.R <= 0 { return c.readLocal(ctx, req) }

    ctx, end := tracing.StartSpan(ctx, "replication.read", attribute.String("key", req.Key), attribute.Int("r", req.R))
    defer end()
    targets, rf := c.resolve(req.Key, max(c.opts.ReplicationFactor, req.R), nil)
    r := req.R
    if len(targets) < r {
        if c.opts.Policy == PolicyFailFast {
            return transport.ReadResponse{}, fmt.Errorf("%w: %d of %d replicas placed for %q", ErrInsufficientReplicas, len(targets), rf, req.Key)
        }
        r = len(targets)
    }
    if r == 0 { return transport.ReadResponse{}, fmt.Errorf("%w: no replica available for %q", storage.ErrUnavailable, req.Key) }

    callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
    defer cancel()
    results := make(chan readOutcome, len(targets))
    for _, t := range targets {
        go func() { results <- c.readReplica(callCtx, t, req.Key) }()
    }

    var (
        best      readOutcome
        responded int
        pending   = len(targets)
    )
    for responded < r && responded+pending >= r {
        select {
        case o := <-results:
            pending--
            if o.err != nil {
                if !o.replica.local && transport.CodeOf(o.err) == "" { c.track(o.replica, o.err) }
                logutil.Warnf(c.logger, "read %q from %s failed: %v", req.Key, o.replica.id, o.err)
                continue
            }
            c.track(o.replica, nil)
            responded++
            if o.found && (!best.found || storage.Newer(o.entry, best.entry)) { best = o }
        case <-callCtx.Done():
            pending = 0
        }
    }
    if responded < r {
        err := fmt.Errorf("%w: %d of %d replicas answered for %q", storage.ErrUnavailable, responded, r, req.Key)
        tracing.RecordError(ctx, err)
        return transport.ReadResponse{}, err
    }
    if !best.found || (best.entry.Deleted && !req.Tombstones) {
        return transport.ReadResponse{Key: req.Key, Responded: responded}, storage.ErrNotFound
    }
    out := toResponse(best.entry, best.replica.id)
    out.Responded = responded
    return out, nil
}

func (c *Coordinator) readLocal(ctx context.Context, req transport.ReadRequest) (transport.ReadResponse, error) {
    e, err := c.deps.Engine.Lookup(ctx, req.Key)
    if errors.Is(err, storage.ErrNotFound) { err = nil }
    obsmetrics.StorageOps.WithLabelValues("get", obsmetrics.Result(err)).Inc()
    if err != nil { return transport.ReadResponse{}, err }
    if e.Key == "" || (e.Deleted && !req.Tombstones) {
        return transport.ReadResponse{Key: req.Key, Responded: 1}, storage.ErrNotFound
    }
    out := toResponse(e, c.opts.NodeID)
    out.Responded = 1
    return out, nil
}

func (c *Coordinator) readReplica(ctx context.Context, r replica, key string) readOutcome {
    var (
        resp transport.ReadResponse
        err  error
    )
    if r.local {
        resp, err = c.readLocal(ctx, transport.ReadRequest{Key: key, Tombstones: true})
    } else {
        resp, err = c.deps.Client.Read(ctx, r.addr, transport.ReadRequest{Key: key, Tombstones: true})
    }
    if errors.Is(err, storage.ErrNotFound) { return readOutcome{replica: r} }
    if err != nil { return readOutcome{replica: r, err: err} }
    return readOutcome{replica: r, found: true, entry: storage.Entry{
        Key: key, Value: resp.Value, Version: resp.Version, Timestamp: resp.Timestamp, Deleted: resp.Deleted,
    }}
}

func toResponse(e storage.Entry, nodeID string) transport.ReadResponse {
    return transport.ReadResponse{
        Key: e.Key, Value: e.Value, Version: e.Version, Timestamp: e.Timestamp, Deleted: e.Deleted, NodeID: nodeID,
    }
}
