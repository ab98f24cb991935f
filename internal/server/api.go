package server

import (
	"CurvePool/internal/auth"
	"CurvePool/internal/command"
	"CurvePool/internal/ingestion"
	"CurvePool/internal/projection"
	"CurvePool/internal/query"
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const adminTokenKey = "x-admin-token"

// SnapshotFunc takes a snapshot now and reports its sequence and size.
type SnapshotFunc func(ctx context.Context) (sequence int64, sizeBytes int, err error)

// API implements every CurvePool RPC. The gRPC service and the HTTP
// gateway both call into it.
type API struct {
	queries    *query.QueryService
	ingest     *ingestion.GRPCIngestService
	db         *sql.DB
	snapshot   SnapshotFunc
	adminToken string
	logger     zerolog.Logger
}

func (*API) isCurvePoolServer() {}

// --- Requests and responses ---

// SubmitRequest carries a command body and the caller's signature over it
// (auth.Sign). The signer, not the body, decides who the caller is.
type SubmitRequest struct {
	Type      command.Type    `json:"type"`
	Command   json.RawMessage `json:"command"`
	Signature string          `json:"signature"`
}

type SubmitResponse struct {
	CommandID string `json:"command_id"`
	Duplicate bool   `json:"duplicate"`
	Sequence  int64  `json:"sequence"` // -1 for duplicates
	EventType string `json:"event_type,omitempty"`
	StateHash string `json:"state_hash,omitempty"`
	Out       string `json:"out,omitempty"`
}

type Empty struct{}

type PoolRequest struct {
	Asset string `json:"asset"`
}

type ListPoolsResponse struct {
	Pools []query.PoolResponse `json:"pools"`
}

type PriceRequest struct {
	Asset  string `json:"asset"`
	Supply string `json:"supply"`
}

type PriceResponse struct {
	Asset        string `json:"asset"`
	Supply       string `json:"supply"`
	Price        string `json:"price"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type QuoteRequest struct {
	Asset  string `json:"asset"`
	Side   string `json:"side"`
	Amount string `json:"amount"`
}

type TradesRequest struct {
	Asset  string `json:"asset"`
	Limit  int    `json:"limit"`
	Before int64  `json:"before"`
}

type BalanceRequest struct {
	Holder string `json:"holder"`
	Asset  string `json:"asset"`
}

type JournalsRequest struct {
	Holder string `json:"holder"`
	Limit  int    `json:"limit"`
	Before int64  `json:"before"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type SnapshotResponse struct {
	Sequence  int64 `json:"sequence"`
	SizeBytes int   `json:"size_bytes"`
}

type RebuildResponse struct {
	Completed bool `json:"completed"`
}

// --- Commands ---

// Submit applies one command and waits for its outcome.
func (a *API) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if a.ingest == nil {
		return nil, status.Error(codes.Unavailable, "command submission disabled")
	}
	if req.Type == "" || len(req.Command) == 0 {
		return nil, status.Error(codes.InvalidArgument, "type and command are required")
	}
	sig, err := auth.ParseSignature(req.Signature)
	if err != nil {
		return nil, err
	}
	cmd, res, err := a.ingest.SubmitSigned(ctx, req.Type, req.Command, sig)
	if err != nil {
		return nil, err
	}

	resp := &SubmitResponse{
		CommandID: cmd.Meta().ID.String(),
		Duplicate: res.Duplicate,
		Sequence:  -1,
	}
	if env := res.Envelope; env != nil {
		resp.Sequence = env.Sequence
		resp.EventType = env.EventType.String()
		resp.StateHash = hex.EncodeToString(env.StateHash[:])
	}
	if res.Out != nil {
		resp.Out = res.Out.Dec()
	}
	return resp, nil
}

// --- Queries ---

func (a *API) GetPool(ctx context.Context, req *PoolRequest) (*query.PoolResponse, error) {
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	return a.queries.GetPool(ctx, asset)
}

func (a *API) ListPools(ctx context.Context, _ *Empty) (*ListPoolsResponse, error) {
	pools, err := a.queries.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	return &ListPoolsResponse{Pools: pools}, nil
}

func (a *API) GetPrice(ctx context.Context, req *PriceRequest) (*PriceResponse, error) {
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	var supply *uint256.Int
	if req.Supply == "" {
		pool, err := a.queries.GetPool(ctx, asset)
		if err != nil {
			return nil, err
		}
		if supply, err = parseAmount("supply", pool.Supply); err != nil {
			return nil, err
		}
	} else if supply, err = parseAmount("supply", req.Supply); err != nil {
		return nil, err
	}

	price, asOf, err := a.queries.GetPrice(ctx, asset, supply)
	if err != nil {
		return nil, err
	}
	return &PriceResponse{Asset: asset.Hex(), Supply: supply.Dec(), Price: price.Dec(), AsOfSequence: asOf}, nil
}

func (a *API) Quote(ctx context.Context, req *QuoteRequest) (*query.QuoteResponse, error) {
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	if req.Side != "buy" && req.Side != "sell" {
		return nil, status.Errorf(codes.InvalidArgument, "side must be buy or sell, got %q", req.Side)
	}
	return a.queries.Quote(ctx, asset, req.Side, amount)
}

func (a *API) ListTrades(ctx context.Context, req *TradesRequest) (*query.TradePage, error) {
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	return a.queries.ListTrades(ctx, asset, req.Limit, req.Before)
}

func (a *API) GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceResponse, error) {
	holder, err := parseAddress("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	return a.queries.GetBalance(ctx, holder, asset)
}

func (a *API) ListJournals(ctx context.Context, req *JournalsRequest) (*JournalsResponse, error) {
	holder, err := parseAddress("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var before *int64
	if req.Before > 0 {
		before = &req.Before
	}
	entries, err := a.queries.GetJournalHistory(ctx, holder, limit, before)
	if err != nil {
		return nil, err
	}
	return &JournalsResponse{Journals: entries}, nil
}

func (a *API) GetFeeInfo(ctx context.Context, _ *Empty) (*query.FeeInfo, error) {
	return a.queries.GetFeeInfo(ctx)
}

func (a *API) GetEventLogInfo(ctx context.Context, _ *Empty) (*query.EventLogInfo, error) {
	return a.queries.GetEventLogInfo(ctx)
}

// --- Admin ---

func (a *API) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if err := a.requireAdmin(ctx); err != nil {
		return nil, err
	}
	return a.queries.VerifyIntegrity(ctx)
}

func (a *API) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if err := a.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if a.snapshot == nil {
		return nil, status.Error(codes.Unavailable, "snapshots disabled")
	}
	seq, size, err := a.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &SnapshotResponse{Sequence: seq, SizeBytes: size}, nil
}

func (a *API) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if err := a.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if a.db == nil {
		return nil, status.Error(codes.Unavailable, "no database")
	}
	if err := projection.RebuildProjections(ctx, a.db, a.logger); err != nil {
		return nil, fmt.Errorf("rebuild failed: %w", err)
	}
	return &RebuildResponse{Completed: true}, nil
}

// requireAdmin checks the admin token when one is configured.
func (a *API) requireAdmin(ctx context.Context) error {
	if a.adminToken == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get(adminTokenKey) {
		if subtle.ConstantTimeCompare([]byte(v), []byte(a.adminToken)) == 1 {
			return nil
		}
	}
	return status.Error(codes.PermissionDenied, "admin token required")
}

// --- Helpers ---

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid %s %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s %q: %v", field, s, err)
	}
	return v, nil
}
