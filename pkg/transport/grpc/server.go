package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "sync"
    "time"

    "go.opentelemetry.io/otel/attribute"
    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-ticketd/pkg/observability/tracing"
    "github.com/amirimatin/go-ticketd/pkg/transport"
)

const serviceName = "ticketd.v1.Management"

// Server exposes transport.Service over gRPC with a JSON codec.
type Server struct {
    bind   string
    offset int
    tlsCfg *tls.Config

    mu  sync.Mutex
    lis net.Listener
    srv *grpc.Server
}

func NewServer(bind string, mgmtOffset int) *Server { return &Server{bind: bind, offset: mgmtOffset} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}
type statusBlob struct {
    Data []byte `json:"data"`
}

type managementServer interface {
    Issue(ctx context.Context, in *empty) (*transport.IssueResponse, error)
    Lookup(ctx context.Context, in *transport.LookupRequest) (*transport.LookupResponse, error)
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
    Leave(ctx context.Context, in *empty) (*transport.LeaveResponse, error)
}

type mgmtImpl struct {
    svc    transport.Service
    offset int
}

// Issue answers followers' redirects in-band through the Leader field.
func (m *mgmtImpl) Issue(ctx context.Context, _ *empty) (*transport.IssueResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "grpc.issue")
    defer end()
    t, err := m.svc.Issue(ctx)
    outcome, leader := transport.Classify(err, m.offset)
    switch outcome {
    case transport.OutcomeOK:
        tracing.Annotate(ctx, attribute.Int64("ticket", int64(t.Value)))
        return &transport.IssueResponse{Ticket: t.Value, ID: t.EntryID}, nil
    case transport.OutcomeRedirect:
        return &transport.IssueResponse{Leader: leader, Error: err.Error()}, nil
    case transport.OutcomeNoLeader:
        return nil, status.Error(codes.Unavailable, err.Error())
    case transport.OutcomeTryAgain:
        return nil, status.Error(codes.Aborted, transport.ErrTryAgain.Error())
    case transport.OutcomeTimeout:
        return nil, status.Error(codes.DeadlineExceeded, err.Error())
    }
    tracing.RecordError(ctx, err)
    return nil, status.Error(codes.Internal, err.Error())
}

func (m *mgmtImpl) Lookup(ctx context.Context, in *transport.LookupRequest) (*transport.LookupResponse, error) {
    if in == nil { in = &transport.LookupRequest{} }
    ok, err := m.svc.Lookup(ctx, in.Ticket)
    if err != nil { return nil, status.Error(codes.Internal, err.Error()) }
    return &transport.LookupResponse{Ticket: in.Ticket, Issued: ok}, nil
}

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    b, err := m.svc.Status(ctx)
    if err != nil { return nil, err }
    return &statusBlob{Data: b}, nil
}

func (m *mgmtImpl) Leave(ctx context.Context, _ *empty) (*transport.LeaveResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "grpc.leave")
    defer end()
    if err := m.svc.Leave(ctx); err != nil { return &transport.LeaveResponse{Error: err.Error()}, nil }
    return &transport.LeaveResponse{Accepted: true}, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "Issue", Handler: _Management_Issue_Handler},
        {MethodName: "Lookup", Handler: _Management_Lookup_Handler},
        {MethodName: "GetStatus", Handler: _Management_GetStatus_Handler},
        {MethodName: "Leave", Handler: _Management_Leave_Handler},
    },
}

func _Management_Issue_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).Issue(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Issue"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).Issue(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Management_Lookup_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.LookupRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).Lookup(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Lookup"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).Lookup(ctx, req.(*transport.LookupRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func _Management_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).GetStatus(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetStatus"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).GetStatus(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Management_Leave_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).Leave(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Leave"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).Leave(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

// Start listens and serves svc until ctx is canceled.
func (s *Server) Start(ctx context.Context, svc transport.Service) error {
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
    srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{svc: svc, offset: s.offset})
    s.mu.Lock()
    s.lis, s.srv = lis, srv
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(sctx)
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// Stop drains in-flight calls, forcing the stop once ctx is done.
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
