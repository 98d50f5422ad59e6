package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"SafeLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const ServiceName = "safeledger.v1.Ledger"

// jsonCodec carries the service's plain Go messages. Clients select it with
// grpc.CallContentSubtype(jsonCodec{}.Name()).
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// unary builds a method descriptor for one request/response pair.
func unary[Req, Resp any](name string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// LedgerServiceDesc describes safeledger.v1.Ledger for grpc.Server.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Deposit", LedgerServer.Deposit),
		unary("Settle", LedgerServer.Settle),
		unary("Enqueue", LedgerServer.Enqueue),
		unary("ProcessNext", LedgerServer.ProcessNext),
		unary("Cancel", LedgerServer.Cancel),
		unary("Balance", LedgerServer.Balance),
		unary("Value", LedgerServer.Value),
		unary("SharePrice", LedgerServer.SharePrice),
		unary("QueueStatus", LedgerServer.QueueStatus),
		unary("Operation", LedgerServer.Operation),
		unary("History", LedgerServer.History),
		unary("Journal", LedgerServer.Journal),
		unary("VerifyIntegrity", LedgerServer.VerifyIntegrity),
		unary("TakeSnapshot", LedgerServer.TakeSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "safeledger/v1/ledger",
}

// RegisterLedgerServer registers srv on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}

// GRPCServer serves the ledger service and the standard health service.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	log        zerolog.Logger
}

func NewGRPCServer(addr string, srv LedgerServer, metrics *observability.Metrics) *GRPCServer {
	log := observability.NewLogger("grpc")
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(metricsInterceptor(metrics, log)))
	RegisterLedgerServer(gs, srv)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{grpcServer: gs, health: hs, addr: addr, log: log}
}

// SetServing flips the health status once recovery has finished.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Run serves until ctx is cancelled, then stops gracefully.
func (s *GRPCServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve is Run on an existing listener.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// metricsInterceptor counts and times every call of the ledger service.
func metricsInterceptor(m *observability.Metrics, log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
			return handler(ctx, req)
		}
		method := info.FullMethod[len(ServiceName)+2:]
		start := time.Now()
		resp, err := handler(ctx, req)
		observe(m, log, method, start, err)
		return resp, err
	}
}

func observe(m *observability.Metrics, log zerolog.Logger, method string, start time.Time, err error) {
	code := status.Code(err)
	if m != nil {
		m.QueryRequests.WithLabelValues(method, code.String()).Inc()
		m.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		log.Debug().Err(err).Str("method", method).Str("code", code.String()).Str("reason", ErrorReason(err)).Msg("call failed")
	}
}
