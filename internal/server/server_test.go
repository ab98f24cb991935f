package server_test

import (
	"CurvePool/internal/auth"
	"CurvePool/internal/command"
	"CurvePool/internal/core"
	"CurvePool/internal/custody"
	"CurvePool/internal/ingestion"
	"CurvePool/internal/pricing"
	"CurvePool/internal/query"
	"CurvePool/internal/server"
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func testKey(b byte) *ecdsa.PrivateKey {
	return crypto.ToECDSAUnsafe(common.LeftPadBytes([]byte{b}, 32))
}

var (
	ownerKey   = testKey(1)
	factoryKey = testKey(2)
	routerKey  = testKey(3)
	userKey    = testKey(0xb1)

	owner   = crypto.PubkeyToAddress(ownerKey.PublicKey)
	factory = crypto.PubkeyToAddress(factoryKey.PublicKey)
	router  = crypto.PubkeyToAddress(routerKey.PublicKey)
	user    = crypto.PubkeyToAddress(userKey.PublicKey)

	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	collector  = common.HexToAddress("0x0000000000000000000000000000000000000004")
	usdt       = common.HexToAddress("0x0000000000000000000000000000000000000005")
	token      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

const adminToken = "s3cret"

// newServer runs a processor behind the API and returns the server with
// its HTTP handler.
func newServer(t *testing.T) (*server.GRPCServer, http.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bank := custody.NewBank()
	eng, err := core.NewEngine(engineAddr, owner, bank, core.WithOracle(pricing.Constant(uint256.NewInt(2_000_000))))
	require.NoError(t, err)
	require.NoError(t, bank.Mint(token, factory, uint256.NewInt(1_000_000_000_000)))
	require.NoError(t, bank.Mint(usdt, factory, uint256.NewInt(1_000_000)))
	require.NoError(t, bank.Mint(usdt, router, uint256.NewInt(10_000_000)))

	proc := core.NewProcessor(eng, nil, nil, zerolog.Nop())
	submit := make(chan core.Submission)
	go proc.Run(ctx, submit)

	srv := server.NewGRPCServer("", "", &server.ServerDeps{
		QueryService:  query.NewQueryService(nil, eng, nil, nil),
		IngestService: ingestion.NewGRPCIngestService(submit),
		AdminToken:    adminToken,
		Logger:        zerolog.Nop(),
	})
	handler, err := srv.Gateway()
	require.NoError(t, err)
	return srv, handler
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, header map[string]string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, rec.Body.Bytes()
}

// submit posts body as a command of type typ signed by key. A nil key sends
// it unsigned. A command_id is added when body has none.
func submit(t *testing.T, h http.Handler, key *ecdsa.PrivateKey, typ string, body map[string]any) (int, server.SubmitResponse) {
	t.Helper()
	if _, ok := body["command_id"]; !ok {
		body["command_id"] = uuid.NewString()
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	header := map[string]string{}
	if key != nil {
		sig, err := auth.Sign(command.Type(typ), data, key)
		require.NoError(t, err)
		header[auth.SignatureHeader] = auth.FormatSignature(sig)
	}
	code, raw := do(t, h, "POST", "/v1/commands/"+typ, data, header)
	var resp server.SubmitResponse
	if code == http.StatusOK {
		require.NoError(t, json.Unmarshal(raw, &resp))
	}
	return code, resp
}

func bootstrap(t *testing.T, h http.Handler) {
	t.Helper()
	for field, v := range map[string]common.Address{
		"quote_asset": usdt, "factory": factory, "router": router, "fee_collector": collector,
	} {
		code, _ := submit(t, h, ownerKey, "SetAddress", map[string]any{"field": field, "value": v.Hex()})
		require.Equal(t, http.StatusOK, code, field)
	}
	code, resp := submit(t, h, factoryKey, "RegisterPool", map[string]any{
		"asset": token.Hex(), "creator": user.Hex(),
		"initial_supply": "1000000000000", "initial_quote": "1000000",
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "PoolRegistered", resp.EventType)
}

func TestGateway_TradeFlow(t *testing.T) {
	_, h := newServer(t)
	bootstrap(t, h)

	id := uuid.NewString()
	buy := map[string]any{
		"command_id": id, "caller": router.Hex(), "asset": token.Hex(),
		"quote_in": "1000000", "recipient": user.Hex(),
	}
	code, resp := submit(t, h, routerKey, "Buy", buy)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "497500", resp.Out)
	require.Equal(t, int64(5), resp.Sequence)
	require.Equal(t, id, resp.CommandID)

	code, resp = submit(t, h, routerKey, "Buy", buy)
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Duplicate)
	require.Equal(t, int64(-1), resp.Sequence)

	code, raw := do(t, h, "GET", "/v1/pools/"+token.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, code)
	var pool query.PoolResponse
	require.NoError(t, json.Unmarshal(raw, &pool))
	require.Equal(t, "999999502500", pool.Supply)

	code, raw = do(t, h, "GET", "/v1/pools/"+token.Hex()+"/quote?side=sell&amount=1000", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var q query.QuoteResponse
	require.NoError(t, json.Unmarshal(raw, &q))
	require.Equal(t, "1990", q.Out)

	code, raw = do(t, h, "GET", fmt.Sprintf("/v1/holders/%s/balances/%s", user.Hex(), token.Hex()), nil, nil)
	require.Equal(t, http.StatusOK, code)
	var bal query.BalanceResponse
	require.NoError(t, json.Unmarshal(raw, &bal))
	require.Equal(t, "497500", bal.Balance)
}

func TestGateway_ErrorCodes(t *testing.T) {
	_, h := newServer(t)
	bootstrap(t, h)

	code, _ := do(t, h, "GET", "/v1/pools/not-an-address", nil, nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, h, "GET", "/v1/pools/"+user.Hex(), nil, nil)
	require.Equal(t, http.StatusNotFound, code)

	// Only the router may trade.
	code, _ = submit(t, h, userKey, "Buy", map[string]any{
		"asset": token.Hex(), "quote_in": "10", "recipient": user.Hex(),
	})
	require.Equal(t, http.StatusForbidden, code)

	code, _ = submit(t, h, userKey, "Liquidate", map[string]any{})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, h, "POST", "/v1/admin/verify", nil, nil)
	require.Equal(t, http.StatusForbidden, code)

	code, raw := do(t, h, "POST", "/v1/admin/verify", nil, map[string]string{"X-Admin-Token": adminToken})
	require.Equal(t, http.StatusOK, code)
	var report query.IntegrityReport
	require.NoError(t, json.Unmarshal(raw, &report))
	require.True(t, report.IsHealthy)

	code, _ = do(t, h, "GET", "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, code)
}

func TestGRPC_JSONCodec(t *testing.T) {
	srv, h := newServer(t)
	bootstrap(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lis := bufconn.Listen(1 << 20)
	go srv.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	require.NoError(t, err)
	defer conn.Close()

	var pool query.PoolResponse
	err = conn.Invoke(ctx, "/"+server.ServiceName+"/GetPool", &server.PoolRequest{Asset: token.Hex()}, &pool)
	require.NoError(t, err)
	require.Equal(t, "1000000000000", pool.Supply)
	require.Equal(t, "2000000", pool.Price)

	err = conn.Invoke(ctx, "/"+server.ServiceName+"/GetPool", &server.PoolRequest{Asset: user.Hex()}, &pool)
	require.Equal(t, codes.NotFound, status.Code(err))

	var price server.PriceResponse
	err = conn.Invoke(ctx, "/"+server.ServiceName+"/GetPrice", &server.PriceRequest{Asset: token.Hex(), Supply: "1000000000000000001"}, &price)
	require.Equal(t, codes.OutOfRange, status.Code(err))

	var resp server.SubmitResponse
	body, err := json.Marshal(map[string]any{"command_id": uuid.NewString(), "amount": "1"})
	require.NoError(t, err)
	err = conn.Invoke(ctx, "/"+server.ServiceName+"/Submit", &server.SubmitRequest{Type: "WithdrawFees", Command: body}, &resp)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	sig, err := auth.Sign(command.TypeWithdrawFees, body, ownerKey)
	require.NoError(t, err)
	req := &server.SubmitRequest{Type: command.TypeWithdrawFees, Command: body, Signature: auth.FormatSignature(sig)}
	err = conn.Invoke(ctx, "/"+server.ServiceName+"/Submit", req, &resp)
	require.Equal(t, codes.PermissionDenied, status.Code(err), "only the fee collector withdraws")
}

func TestGateway_CallerIsAuthenticated(t *testing.T) {
	_, h := newServer(t)
	bootstrap(t, h)

	takeover := map[string]any{"caller": owner.Hex(), "field": "router", "value": user.Hex()}
	code, _ := submit(t, h, nil, "SetAddress", takeover)
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = submit(t, h, userKey, "SetAddress", takeover)
	require.Equal(t, http.StatusForbidden, code)

	// Spending the router's quote on the user's behalf.
	code, _ = submit(t, h, userKey, "Buy", map[string]any{
		"caller": router.Hex(), "asset": token.Hex(), "quote_in": "1000000", "recipient": user.Hex(),
	})
	require.Equal(t, http.StatusForbidden, code)

	code, raw := do(t, h, "GET", fmt.Sprintf("/v1/holders/%s/balances/%s", user.Hex(), token.Hex()), nil, nil)
	require.Equal(t, http.StatusOK, code)
	var bal query.BalanceResponse
	require.NoError(t, json.Unmarshal(raw, &bal))
	require.Equal(t, "0", bal.Balance)

	// The router role is unchanged: the real router still trades.
	code, _ = submit(t, h, routerKey, "Buy", map[string]any{
		"asset": token.Hex(), "quote_in": "1000", "recipient": router.Hex(),
	})
	require.Equal(t, http.StatusOK, code)

	// A signed body cannot be resubmitted with its id removed.
	data := []byte(`{"asset":"` + token.Hex() + `","quote_in":"1000","recipient":"` + router.Hex() + `"}`)
	sig, err := auth.Sign(command.TypeBuy, data, routerKey)
	require.NoError(t, err)
	code, _ = do(t, h, "POST", "/v1/commands/Buy", data, map[string]string{auth.SignatureHeader: auth.FormatSignature(sig)})
	require.Equal(t, http.StatusBadRequest, code)
}
