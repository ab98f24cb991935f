package server

import (
	"CurvePool/internal/ingestion"
	"CurvePool/internal/observability"
	"CurvePool/internal/query"
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "curvepool.v1.CurvePool"

type curvePoolServer interface {
	isCurvePoolServer()
}

// unary adapts an API method to a gRPC method handler.
func unary[Req, Resp any](name string, call func(*API, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			api := srv.(*API)
			if interceptor == nil {
				return call(api, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(api, ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes the CurvePool service. Messages are JSON encoded
// with the codec registered under CodecName.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*curvePoolServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", (*API).Submit),
		unary("GetPool", (*API).GetPool),
		unary("ListPools", (*API).ListPools),
		unary("GetPrice", (*API).GetPrice),
		unary("Quote", (*API).Quote),
		unary("ListTrades", (*API).ListTrades),
		unary("GetBalance", (*API).GetBalance),
		unary("ListJournals", (*API).ListJournals),
		unary("GetFeeInfo", (*API).GetFeeInfo),
		unary("GetEventLogInfo", (*API).GetEventLogInfo),
		unary("VerifyIntegrity", (*API).VerifyIntegrity),
		unary("TakeSnapshot", (*API).TakeSnapshot),
		unary("RebuildProjections", (*API).RebuildProjections),
	},
	Metadata: "curvepool/v1/curvepool.json",
}

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	api           *API
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the services.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	Snapshot      SnapshotFunc
	AdminToken    string
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	logger := deps.Logger.With().Str("component", "server").Logger()
	s := &GRPCServer{
		api: &API{
			queries:    deps.QueryService,
			ingest:     deps.IngestService,
			db:         deps.DB,
			snapshot:   deps.Snapshot,
			adminToken: deps.AdminToken,
			logger:     logger,
		},
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
		logger:        logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.observe))
	s.grpcServer.RegisterService(&ServiceDesc, s.api)

	// Health check
	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// SetServing flips the gRPC health status once recovery has completed.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(ServiceName, st)
}

// observe maps errors to status codes and records request metrics.
func (s *GRPCServer) observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	err = toStatus(err)
	s.record(info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:], start, err)
	return resp, err
}

func (s *GRPCServer) record(endpoint string, start time.Time, err error) {
	code := status.Code(err)
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, code.String()).Inc()
		if err != nil {
			s.metrics.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
		}
	}
	if err != nil {
		s.logger.Debug().Err(err).Str("endpoint", endpoint).Dur("took", time.Since(start)).Msg("request failed")
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves gRPC on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}
