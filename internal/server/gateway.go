package server

import (
	"CurvePool/internal/auth"
	"CurvePool/internal/command"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// route binds an HTTP path to an API call.
type route struct {
	method, path string
	name         string
	call         func(ctx context.Context, r *http.Request, params map[string]string) (any, error)
}

func (s *GRPCServer) routes() []route {
	a := s.api
	return []route{
		{"POST", "/v1/commands/{type}", "Submit", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
			}
			return a.Submit(ctx, &SubmitRequest{
				Type:      command.Type(p["type"]),
				Command:   body,
				Signature: r.Header.Get(auth.SignatureHeader),
			})
		}},
		{"GET", "/v1/pools", "ListPools", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return a.ListPools(ctx, &Empty{})
		}},
		{"GET", "/v1/pools/{asset}", "GetPool", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return a.GetPool(ctx, &PoolRequest{Asset: p["asset"]})
		}},
		{"GET", "/v1/pools/{asset}/price", "GetPrice", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return a.GetPrice(ctx, &PriceRequest{Asset: p["asset"], Supply: r.URL.Query().Get("supply")})
		}},
		{"GET", "/v1/pools/{asset}/quote", "Quote", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			q := r.URL.Query()
			return a.Quote(ctx, &QuoteRequest{Asset: p["asset"], Side: q.Get("side"), Amount: q.Get("amount")})
		}},
		{"GET", "/v1/pools/{asset}/trades", "ListTrades", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			limit, before, err := paging(r)
			if err != nil {
				return nil, err
			}
			return a.ListTrades(ctx, &TradesRequest{Asset: p["asset"], Limit: limit, Before: before})
		}},
		{"GET", "/v1/holders/{holder}/balances/{asset}", "GetBalance", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return a.GetBalance(ctx, &BalanceRequest{Holder: p["holder"], Asset: p["asset"]})
		}},
		{"GET", "/v1/holders/{holder}/journals", "ListJournals", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			limit, before, err := paging(r)
			if err != nil {
				return nil, err
			}
			return a.ListJournals(ctx, &JournalsRequest{Holder: p["holder"], Limit: limit, Before: before})
		}},
		{"GET", "/v1/fees", "GetFeeInfo", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return a.GetFeeInfo(ctx, &Empty{})
		}},
		{"GET", "/v1/admin/event-log", "GetEventLogInfo", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return a.GetEventLogInfo(ctx, &Empty{})
		}},
		{"POST", "/v1/admin/verify", "VerifyIntegrity", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return a.VerifyIntegrity(ctx, &Empty{})
		}},
		{"POST", "/v1/admin/snapshots", "TakeSnapshot", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return a.TakeSnapshot(ctx, &Empty{})
		}},
		{"POST", "/v1/admin/projections/rebuild", "RebuildProjections", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return a.RebuildProjections(ctx, &Empty{})
		}},
	}
}

func paging(r *http.Request) (limit int, before int64, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return 0, 0, status.Errorf(codes.InvalidArgument, "invalid limit %q", v)
		}
	}
	if v := q.Get("before"); v != "" {
		if before, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, 0, status.Errorf(codes.InvalidArgument, "invalid before %q", v)
		}
	}
	return limit, before, nil
}

// Gateway returns the HTTP/JSON handler: API routes on a grpc-gateway mux
// plus the health endpoints.
func (s *GRPCServer) Gateway() (http.Handler, error) {
	mux := runtime.NewServeMux()
	marshaler := &runtime.JSONPb{}

	for _, rt := range s.routes() {
		err := mux.HandlePath(rt.method, rt.path, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			start := time.Now()
			ctx := r.Context()
			if tok := r.Header.Get(adminTokenKey); tok != "" {
				ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(adminTokenKey, tok))
			}

			resp, err := rt.call(ctx, r, params)
			err = toStatus(err)
			s.record(rt.name, start, err)
			if err != nil {
				runtime.HTTPError(ctx, mux, marshaler, w, r, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		})
		if err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.path, err)
		}
	}

	// Health endpoints
	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTPGateway starts the HTTP gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Gateway()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
