package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "net"
    "sync"
    "time"

    "github.com/sirupsen/logrus"
    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    obsmetrics "github.com/amirimatin/go-flowcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-flowcluster/pkg/observability/tracing"
    "github.com/amirimatin/go-flowcluster/pkg/routing"
    "github.com/amirimatin/go-flowcluster/pkg/transport"
)

const serviceName = "flowcluster.v1.Management"

var errNotSupported = errors.New("not supported")

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    tlsCfg *tls.Config
    log    logrus.FieldLogger

    mu  sync.Mutex
    lis net.Listener
    srv *grpc.Server
}

func NewServer(bind string, logger logrus.FieldLogger) *Server {
    return &Server{bind: bind, log: logutil.Component(logger, "grpc")}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// wire messages that have no transport-level type
type empty struct{}
type blob struct{ Data []byte `json:"data"` }

type managementServer interface {
    GetStatus(ctx context.Context, in *empty) (*blob, error)
    GetState(ctx context.Context, in *empty) (*blob, error)
    Route(ctx context.Context, in *routing.JobRoutingRequest) (*transport.RouteResponse, error)
    Deliver(ctx context.Context, in *transport.DeliverRequest) (*transport.DeliverResponse, error)
    Apply(ctx context.Context, in *transport.ApplyRequest) (*transport.ApplyResponse, error)
    Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error)
    Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error)
}

type mgmtImpl struct{ h transport.Handlers }

func count(method string, err error) {
    result := "ok"
    if err != nil { result = "error" }
    obsmetrics.RPCRequests.WithLabelValues("grpc", method, result).Inc()
}

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*blob, error) {
    if m.h.Status == nil { return nil, errNotSupported }
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    b, err := m.h.Status(ctx)
    count("GetStatus", err)
    if err != nil { return nil, err }
    return &blob{Data: b}, nil
}

func (m *mgmtImpl) GetState(ctx context.Context, _ *empty) (*blob, error) {
    if m.h.State == nil { return nil, errNotSupported }
    ctx, end := tracing.StartSpan(ctx, "grpc.state")
    defer end()
    b, err := m.h.State(ctx)
    count("GetState", err)
    if err != nil { return nil, err }
    return &blob{Data: b}, nil
}

func (m *mgmtImpl) Route(ctx context.Context, in *routing.JobRoutingRequest) (*transport.RouteResponse, error) {
    if m.h.Route == nil { return &transport.RouteResponse{Error: errNotSupported.Error()}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.route", "job_type", in.JobType)
    defer end()
    d, err := m.h.Route(ctx, *in)
    count("Route", err)
    if err != nil {
        return &transport.RouteResponse{Decision: d, Backpressure: errors.Is(err, routing.ErrNoEligibleNode), Error: err.Error()}, nil
    }
    return &transport.RouteResponse{Decision: d}, nil
}

func (m *mgmtImpl) Deliver(ctx context.Context, in *transport.DeliverRequest) (*transport.DeliverResponse, error) {
    if m.h.Deliver == nil { return &transport.DeliverResponse{Error: errNotSupported.Error()}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.deliver")
    defer end()
    err := m.h.Deliver(ctx, in.Payload)
    count("Deliver", err)
    if err != nil { return &transport.DeliverResponse{Error: err.Error()}, nil }
    return &transport.DeliverResponse{}, nil
}

func (m *mgmtImpl) Apply(ctx context.Context, in *transport.ApplyRequest) (*transport.ApplyResponse, error) {
    if m.h.Apply == nil { return &transport.ApplyResponse{Error: errNotSupported.Error()}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.apply")
    defer end()
    out, err := m.h.Apply(ctx, in.Command)
    count("Apply", err)
    if err != nil { return &transport.ApplyResponse{Error: err.Error()}, nil }
    return &transport.ApplyResponse{Data: out}, nil
}

func (m *mgmtImpl) Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
    if m.h.Join == nil { return &transport.JoinResponse{Error: errNotSupported.Error()}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.join")
    defer end()
    out, err := m.h.Join(ctx, *in)
    count("Join", err)
    if err != nil { return &transport.JoinResponse{Leader: out.Leader, Error: err.Error()}, nil }
    return &out, nil
}

func (m *mgmtImpl) Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
    if m.h.Leave == nil { return &transport.LeaveResponse{Error: errNotSupported.Error()}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.leave")
    defer end()
    out, err := m.h.Leave(ctx, *in)
    count("Leave", err)
    if err != nil { return &transport.LeaveResponse{Error: err.Error()}, nil }
    return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetStatus", Handler: unary("GetStatus", managementServer.GetStatus)},
        {MethodName: "GetState", Handler: unary("GetState", managementServer.GetState)},
        {MethodName: "Route", Handler: unary("Route", managementServer.Route)},
        {MethodName: "Deliver", Handler: unary("Deliver", managementServer.Deliver)},
        {MethodName: "Apply", Handler: unary("Apply", managementServer.Apply)},
        {MethodName: "Join", Handler: unary("Join", managementServer.Join)},
        {MethodName: "Leave", Handler: unary("Leave", managementServer.Leave)},
    },
}

// unary builds the grpc.MethodDesc handler for one management method.
func unary[In, Out any](method string, call func(managementServer, context.Context, *In) (*Out, error)) grpc.MethodHandler {
    full := "/" + serviceName + "/" + method
    return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
        in := new(In)
        if err := dec(in); err != nil { return nil, err }
        if interceptor == nil { return call(srv.(managementServer), ctx, in) }
        info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
        handler := func(ctx context.Context, req any) (any, error) {
            return call(srv.(managementServer), ctx, req.(*In))
        }
        return interceptor(ctx, in, info, handler)
    }
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    healthpb.RegisterHealthServer(srv, health.NewServer())
    srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{h: h})

    s.mu.Lock()
    s.lis, s.srv = lis, srv
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(c)
    }()
    go func() {
        if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
            s.log.WithError(err).Warn("serve")
        }
    }()
    return nil
}

// Addr returns the bound address, which differs from the configured one
// when binding to port 0.
func (s *Server) Addr() string {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
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
