package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/metadata"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-storecluster/pkg/membership"
    "github.com/amirimatin/go-storecluster/pkg/observability/tracing"
    "github.com/amirimatin/go-storecluster/pkg/transport"
)

const serviceName = "storecluster.v1.Cluster"

// codeTrailer carries the transport wire code of a failed call.
const codeTrailer = "x-storecluster-code"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    tlsCfg *tls.Config

    mu     sync.Mutex
    lis    net.Listener
    srv    *grpc.Server
    health *health.Server
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// internal request/response types used over the gRPC JSON codec
type empty struct{}
type statusBlob struct{ Data []byte `json:"data"` }
type membershipView struct{ Members map[string]membership.NodeState `json:"members"` }

// clusterServer defines the methods we expose.
type clusterServer interface {
    Gossip(ctx context.Context, in *membership.Digest) (*empty, error)
    AntiEntropy(ctx context.Context, in *membership.Digest) (*membership.Digest, error)
    Membership(ctx context.Context, in *empty) (*membershipView, error)
    Write(ctx context.Context, in *transport.WriteRequest) (*transport.WriteResponse, error)
    Replicate(ctx context.Context, in *transport.ReplicationRequest) (*transport.ReplicationResponse, error)
    Read(ctx context.Context, in *transport.ReadRequest) (*transport.ReadResponse, error)
    Delete(ctx context.Context, in *transport.DeleteRequest) (*transport.WriteResponse, error)
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
}

type clusterImpl struct{ h transport.Handlers }

var errNotImplemented = status.Error(codes.Unimplemented, "not supported")

func (m *clusterImpl) Gossip(ctx context.Context, in *membership.Digest) (*empty, error) {
    if m.h.Gossip == nil { return nil, errNotImplemented }
    ctx, end := tracing.StartSpan(ctx, "grpc.gossip")
    defer end()
    if err := m.h.Gossip(ctx, *in); err != nil { return nil, toStatus(ctx, err) }
    return &empty{}, nil
}

func (m *clusterImpl) AntiEntropy(ctx context.Context, in *membership.Digest) (*membership.Digest, error) {
    if m.h.AntiEntropy == nil { return nil, errNotImplemented }
    ctx, end := tracing.StartSpan(ctx, "grpc.anti_entropy")
    defer end()
    out, err := m.h.AntiEntropy(ctx, *in)
    if err != nil { return nil, toStatus(ctx, err) }
    return &out, nil
}

func (m *clusterImpl) Membership(ctx context.Context, _ *empty) (*membershipView, error) {
    if m.h.Membership == nil { return nil, errNotImplemented }
    out, err := m.h.Membership(ctx)
    if err != nil { return nil, toStatus(ctx, err) }
    return &membershipView{Members: out}, nil
}

// Write and Delete failures travel in the response body so the caller keeps
// the ack summary.
func (m *clusterImpl) Write(ctx context.Context, in *transport.WriteRequest) (*transport.WriteResponse, error) {
    if m.h.Write == nil { return nil, errNotImplemented }
    ctx, end := tracing.StartSpan(ctx, "grpc.write")
    defer end()
    out, err := m.h.Write(ctx, *in)
    if err != nil { out.Success, out.Error, out.Code = false, err.Error(), transport.CodeOf(err) }
    return &out, nil
}

func (m *clusterImpl) Replicate(ctx context.Context, in *transport.ReplicationRequest) (*transport.ReplicationResponse, error) {
    if m.h.Replicate == nil { return nil, errNotImplemented }
    ctx, end := tracing.StartSpan(ctx, "grpc.replicate")
    defer end()
    out, err := m.h.Replicate(ctx, *in)
    if err != nil { out.Success, out.Error, out.Code = false, err.Error(), transport.CodeOf(err) }
    return &out, nil
}

func (m *clusterImpl) Read(ctx context.Context, in *transport.ReadRequest) (*transport.ReadResponse, error) {
    if m.h.Read == nil { return nil, errNotImplemented }
    ctx, end := tracing.StartSpan(ctx, "grpc.read")
    defer end()
    out, err := m.h.Read(ctx, *in)
    if err != nil { return nil, toStatus(ctx, err) }
    return &out, nil
}

func (m *clusterImpl) Delete(ctx context.Context, in *transport.DeleteRequest) (*transport.WriteResponse, error) {
    if m.h.Delete == nil { return nil, errNotImplemented }
    ctx, end := tracing.StartSpan(ctx, "grpc.delete")
    defer end()
    out, err := m.h.Delete(ctx, *in)
    if err != nil { out.Success, out.Error, out.Code = false, err.Error(), transport.CodeOf(err) }
    return &out, nil
}

func (m *clusterImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    if m.h.Status == nil { return nil, errNotImplemented }
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    b, err := m.h.Status(ctx)
    if err != nil { return nil, toStatus(ctx, err) }
    return &statusBlob{Data: b}, nil
}

// toStatus converts err into a gRPC status and attaches its wire code as a
// trailer.
func toStatus(ctx context.Context, err error) error {
    code := transport.CodeOf(err)
    if code != "" { _ = grpc.SetTrailer(ctx, metadata.Pairs(codeTrailer, code)) }
    gc := codes.Internal
    switch code {
    case transport.CodeStaleEpoch:
        gc = codes.FailedPrecondition
    case transport.CodeNoQuorum, transport.CodeUnavailable:
        gc = codes.Unavailable
    case transport.CodeNotFound:
        gc = codes.NotFound
    case transport.CodeInvalid:
        gc = codes.InvalidArgument
    }
    return status.Error(gc, err.Error())
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Cluster_serviceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*clusterServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "Gossip", Handler: unary("Gossip", func(s clusterServer, ctx context.Context, in *membership.Digest) (any, error) { return s.Gossip(ctx, in) })},
        {MethodName: "AntiEntropy", Handler: unary("AntiEntropy", func(s clusterServer, ctx context.Context, in *membership.Digest) (any, error) { return s.AntiEntropy(ctx, in) })},
        {MethodName: "Membership", Handler: unary("Membership", func(s clusterServer, ctx context.Context, in *empty) (any, error) { return s.Membership(ctx, in) })},
        {MethodName: "Write", Handler: unary("Write", func(s clusterServer, ctx context.Context, in *transport.WriteRequest) (any, error) { return s.Write(ctx, in) })},
        {MethodName: "Replicate", Handler: unary("Replicate", func(s clusterServer, ctx context.Context, in *transport.ReplicationRequest) (any, error) { return s.Replicate(ctx, in) })},
        {MethodName: "Read", Handler: unary("Read", func(s clusterServer, ctx context.Context, in *transport.ReadRequest) (any, error) { return s.Read(ctx, in) })},
        {MethodName: "Delete", Handler: unary("Delete", func(s clusterServer, ctx context.Context, in *transport.DeleteRequest) (any, error) { return s.Delete(ctx, in) })},
        {MethodName: "GetStatus", Handler: unary("GetStatus", func(s clusterServer, ctx context.Context, in *empty) (any, error) { return s.GetStatus(ctx, in) })},
    },
}

// unary builds a grpc.MethodDesc handler decoding into a fresh *Req.
func unary[Req any](method string, call func(clusterServer, context.Context, *Req) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
    full := "/" + serviceName + "/" + method
    return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
        in := new(Req)
        if err := dec(in); err != nil { return nil, err }
        if interceptor == nil { return call(srv.(clusterServer), ctx, in) }
        info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
        handler := func(ctx context.Context, req any) (any, error) {
            return call(srv.(clusterServer), ctx, req.(*Req))
        }
        return interceptor(ctx, in, info, handler)
    }
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    // Force JSON codec to avoid requiring protobuf types
    var opts []grpc.ServerOption
    opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    healthSrv := health.NewServer()
    healthpb.RegisterHealthServer(srv, healthSrv)
    srv.RegisterService(&_Cluster_serviceDesc, &clusterImpl{h: h})
    healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

    s.mu.Lock()
    s.lis, s.srv, s.health = lis, srv, healthSrv
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(c)
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// Addr returns the bound listener address once started.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv, hs := s.srv, s.health
    s.srv, s.health = nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    if hs != nil { hs.Shutdown() }
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
