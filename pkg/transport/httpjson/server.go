package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net"
    "net/http"
    "net/url"
    "strconv"
    "sync"
    "time"

    "github.com/gorilla/mux"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-storecluster/pkg/internal/logutil"
    "github.com/amirimatin/go-storecluster/pkg/membership"
    obsmetrics "github.com/amirimatin/go-storecluster/pkg/observability/metrics"
    "github.com/amirimatin/go-storecluster/pkg/observability/tracing"
    "github.com/amirimatin/go-storecluster/pkg/transport"
)

// StopTimeout bounds the graceful part of Stop.
const StopTimeout = 2 * time.Second

// Server exposes the ClusterAPI over HTTP/JSON together with /status,
// /healthz and /metrics.
type Server struct {
    bind   string
    logger *log.Logger
    tlsCfg *tls.Config

    mu  sync.Mutex
    srv *http.Server
    ln  net.Listener
}

// NewServer binds to the given TCP address (e.g., ":7946" or "127.0.0.1:0").
func NewServer(bind string, logger *log.Logger) *Server {
    return &Server{bind: bind, logger: logutil.Named(logger, "api")}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler builds the router for h. It is exposed for tests and embedding.
func (s *Server) Handler(h transport.Handlers) http.Handler {
    r := mux.NewRouter()
    r.UseEncodedPath()

    r.HandleFunc("/cluster/gossip", func(w http.ResponseWriter, req *http.Request) {
        if h.Gossip == nil { notImplemented(w, "gossip"); return }
        var d membership.Digest
        if err := json.NewDecoder(req.Body).Decode(&d); err != nil {
            s.dropDigest(w, req, fmt.Errorf("%w: %v", membership.ErrMalformedDigest, err))
            return
        }
        ctx, end := tracing.StartSpan(req.Context(), "http.gossip", attribute.String("source", d.SourceNodeID))
        defer end()
        if err := h.Gossip(ctx, d); err != nil { writeError(w, err); return }
        w.WriteHeader(http.StatusOK)
    }).Methods(http.MethodPost)

    r.HandleFunc("/cluster/anti-entropy", func(w http.ResponseWriter, req *http.Request) {
        if h.AntiEntropy == nil { notImplemented(w, "anti-entropy"); return }
        var d membership.Digest
        if err := json.NewDecoder(req.Body).Decode(&d); err != nil {
            s.dropDigest(w, req, fmt.Errorf("%w: %v", membership.ErrMalformedDigest, err))
            return
        }
        ctx, end := tracing.StartSpan(req.Context(), "http.anti_entropy", attribute.String("source", d.SourceNodeID))
        defer end()
        out, err := h.AntiEntropy(ctx, d)
        if err != nil { writeError(w, err); return }
        writeJSON(w, http.StatusOK, out)
    }).Methods(http.MethodPost)

    r.HandleFunc("/cluster/membership", func(w http.ResponseWriter, req *http.Request) {
        if h.Membership == nil { notImplemented(w, "membership"); return }
        out, err := h.Membership(req.Context())
        if err != nil { writeError(w, err); return }
        writeJSON(w, http.StatusOK, out)
    }).Methods(http.MethodGet)

    r.HandleFunc("/storage/write", func(w http.ResponseWriter, req *http.Request) {
        if h.Write == nil { notImplemented(w, "write"); return }
        var in transport.WriteRequest
        if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
            writeError(w, fmt.Errorf("%w: %v", transport.ErrInvalid, err))
            return
        }
        ctx, end := tracing.StartSpan(req.Context(), "http.write", attribute.String("key", in.Key))
        defer end()
        out, err := h.Write(ctx, in)
        if err != nil {
            out.Error, out.Code = err.Error(), transport.CodeOf(err)
            writeJSON(w, transport.HTTPStatus(err), out)
            return
        }
        writeJSON(w, http.StatusOK, out)
    }).Methods(http.MethodPost)

    r.HandleFunc("/storage/replicate", func(w http.ResponseWriter, req *http.Request) {
        if h.Replicate == nil { notImplemented(w, "replicate"); return }
        var in transport.ReplicationRequest
        if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
            writeError(w, fmt.Errorf("%w: %v", transport.ErrInvalid, err))
            return
        }
        ctx, end := tracing.StartSpan(req.Context(), "http.replicate",
            attribute.String("key", in.Key), attribute.String("coordinator", in.CoordinatorID))
        defer end()
        out, err := h.Replicate(ctx, in)
        if err != nil {
            out.Success, out.Error, out.Code = false, err.Error(), transport.CodeOf(err)
            writeJSON(w, transport.HTTPStatus(err), out)
            return
        }
        writeJSON(w, http.StatusOK, out)
    }).Methods(http.MethodPost)

    r.HandleFunc("/storage/read/{key}", func(w http.ResponseWriter, req *http.Request) {
        if h.Read == nil { notImplemented(w, "read"); return }
        key, err := url.PathUnescape(mux.Vars(req)["key"])
        if err != nil { writeError(w, fmt.Errorf("%w: key: %v", transport.ErrInvalid, err)); return }
        in := transport.ReadRequest{Key: key, Tombstones: req.URL.Query().Get("tombstones") == "1"}
        if in.R, err = intParam(req, "r"); err != nil { writeError(w, err); return }
        ctx, end := tracing.StartSpan(req.Context(), "http.read", attribute.String("key", key))
        defer end()
        out, err := h.Read(ctx, in)
        if err != nil { writeError(w, err); return }
        writeJSON(w, http.StatusOK, out)
    }).Methods(http.MethodGet)

    r.HandleFunc("/storage/delete/{key}", func(w http.ResponseWriter, req *http.Request) {
        if h.Delete == nil { notImplemented(w, "delete"); return }
        key, err := url.PathUnescape(mux.Vars(req)["key"])
        if err != nil { writeError(w, fmt.Errorf("%w: key: %v", transport.ErrInvalid, err)); return }
        in := transport.DeleteRequest{Key: key}
        if in.ReplicationFactor, err = intParam(req, "rf"); err != nil { writeError(w, err); return }
        if in.WriteQuorum, err = intParam(req, "w"); err != nil { writeError(w, err); return }
        if in.Epoch, err = uintParam(req, "epoch"); err != nil { writeError(w, err); return }
        ctx, end := tracing.StartSpan(req.Context(), "http.delete", attribute.String("key", key))
        defer end()
        out, err := h.Delete(ctx, in)
        if err != nil {
            out.Error, out.Code = err.Error(), transport.CodeOf(err)
            writeJSON(w, transport.HTTPStatus(err), out)
            return
        }
        writeJSON(w, http.StatusOK, out)
    }).Methods(http.MethodDelete)

    r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
        if h.Status == nil { notImplemented(w, "status"); return }
        ctx, end := tracing.StartSpan(req.Context(), "http.status")
        defer end()
        data, err := h.Status(ctx)
        if err != nil { writeError(w, err); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    }).Methods(http.MethodGet)

    r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    }).Methods(http.MethodGet)

    r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
    return r
}

// Start listens on the bind address and serves h until ctx is canceled or
// Stop is called.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    srv := &http.Server{Handler: s.Handler(h), ReadHeaderTimeout: 5 * time.Second}

    s.mu.Lock()
    s.srv, s.ln = srv, ln
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "server error: %v", err)
        }
    }()
    logutil.Infof(s.logger, "http api listening on %s", ln.Addr())
    return nil
}

// Addr returns the bound listener address, or the configured bind address
// before Start.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.ln != nil { return s.ln.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown bounded by StopTimeout. Connections
// still open at the deadline (idle pooled connections from peers count as
// active until they are a few seconds old) are closed and the stop is
// reported as clean.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    srv.SetKeepAlivesEnabled(false)
    c, cancel := context.WithTimeout(ctx, StopTimeout)
    defer cancel()
    err := srv.Shutdown(c)
    if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
        logutil.Debugf(s.logger, "graceful shutdown cut short: %v", err)
        return srv.Close()
    }
    return err
}

// dropDigest answers a body that does not even decode as a digest. Digests
// that decode but fail validation are dropped by the gossip layer.
func (s *Server) dropDigest(w http.ResponseWriter, r *http.Request, err error) {
    obsmetrics.DigestsDropped.Inc()
    logutil.Warnf(s.logger, "dropping digest from %s: %v", r.RemoteAddr, err)
    writeJSON(w, http.StatusBadRequest, transport.ErrorBody{Error: err.Error(), Code: transport.CodeInvalid})
}

func intParam(r *http.Request, name string) (int, error) {
    v := r.URL.Query().Get(name)
    if v == "" { return 0, nil }
    n, err := strconv.Atoi(v)
    if err != nil || n < 0 { return 0, fmt.Errorf("%w: %s=%q", transport.ErrInvalid, name, v) }
    return n, nil
}

func uintParam(r *http.Request, name string) (uint64, error) {
    v := r.URL.Query().Get(name)
    if v == "" { return 0, nil }
    n, err := strconv.ParseUint(v, 10, 64)
    if err != nil { return 0, fmt.Errorf("%w: %s=%q", transport.ErrInvalid, name, v) }
    return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
    writeJSON(w, transport.HTTPStatus(err), transport.ErrorBody{Error: err.Error(), Code: transport.CodeOf(err)})
}

func notImplemented(w http.ResponseWriter, what string) {
    http.Error(w, what+" not supported", http.StatusNotImplemented)
}

var _ transport.RPCServer = (*Server)(nil)
