package ingestion_test

import (
	"CurvePool/internal/auth"
	"CurvePool/internal/command"
	"CurvePool/internal/core"
	"CurvePool/internal/event"
	"CurvePool/internal/ingestion"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var (
	routerKey = crypto.ToECDSAUnsafe(common.LeftPadBytes([]byte{3}, 32))
	userKey   = crypto.ToECDSAUnsafe(common.LeftPadBytes([]byte{0xb1}, 32))

	router = crypto.PubkeyToAddress(routerKey.PublicKey)
	user   = crypto.PubkeyToAddress(userKey.PublicKey)
	token  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func sign(t *testing.T, typ command.Type, data []byte, key *ecdsa.PrivateKey) string {
	t.Helper()
	sig, err := auth.Sign(typ, data, key)
	require.NoError(t, err)
	return auth.FormatSignature(sig)
}

// signedRaw builds a NATS command for subject signed by key.
func signedRaw(t *testing.T, subject string, data []byte, key *ecdsa.PrivateKey) ingestion.RawCommand {
	t.Helper()
	typ, err := ingestion.ParseSubject(subject)
	require.NoError(t, err)
	return ingestion.RawCommand{
		Subject:    subject,
		Data:       data,
		Signature:  sign(t, typ, data, key),
		ReceivedAt: time.Now(),
		AckFunc:    func() {},
		NakFunc:    func() {},
		TermFunc:   func() {},
	}
}

func rawFromJSON(t *testing.T, subject string, v any) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return signedRaw(t, subject, data, routerKey)
}

func buyPayload() map[string]any {
	return map[string]any{
		"command_id":    "550e8400-e29b-41d4-a716-446655440000",
		"caller":        router.Hex(),
		"timestamp":     "2024-06-01T12:00:00Z",
		"asset":         token.Hex(),
		"quote_in":      "1000000",
		"recipient":     user.Hex(),
		"min_token_out": "400000",
	}
}

func TestParseSubject(t *testing.T) {
	typ, err := ingestion.ParseSubject("curve.cmd.Buy.partition-1")
	require.NoError(t, err)
	require.Equal(t, command.TypeBuy, typ)

	typ, err = ingestion.ParseSubject("curve.cmd.SetAddress")
	require.NoError(t, err)
	require.Equal(t, command.TypeSetAddress, typ)

	for _, bad := range []string{"curve.cmd.", "curve.cmd.Liquidate.x", "perp.trades.x", ""} {
		_, err := ingestion.ParseSubject(bad)
		require.ErrorIs(t, err, command.ErrInvalid, bad)
	}
}

func TestParseRawCommand_Buy(t *testing.T) {
	cmd, err := ingestion.ParseRawCommand(rawFromJSON(t, "curve.cmd.Buy.x", buyPayload()))
	require.NoError(t, err)

	buy, ok := cmd.(*command.Buy)
	require.True(t, ok, "got %T", cmd)
	require.Equal(t, token, buy.Asset)
	require.Equal(t, user, buy.Recipient)
	require.Equal(t, router, buy.Caller)
	require.Equal(t, uint64(1_000_000), buy.QuoteIn.Uint64())
	require.Equal(t, uint64(400_000), buy.MinTokenOut.Uint64())
	require.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), buy.Timestamp.UTC())
}

func TestParseRawCommand_Rejects(t *testing.T) {
	noTimestamp := buyPayload()
	delete(noTimestamp, "timestamp")
	_, err := ingestion.ParseRawCommand(rawFromJSON(t, "curve.cmd.Buy.x", noTimestamp))
	require.ErrorIs(t, err, command.ErrInvalid)
	require.ErrorContains(t, err, "missing timestamp")

	noAmount := buyPayload()
	delete(noAmount, "quote_in")
	_, err = ingestion.ParseRawCommand(rawFromJSON(t, "curve.cmd.Buy.x", noAmount))
	require.ErrorContains(t, err, "quote_in is required")

	noID := buyPayload()
	delete(noID, "command_id")
	_, err = ingestion.ParseRawCommand(rawFromJSON(t, "curve.cmd.Buy.x", noID))
	require.ErrorContains(t, err, "missing command_id")

	_, err = ingestion.ParseRawCommand(signedRaw(t, "curve.cmd.Buy.x", []byte(`{"quote_in": 12`), routerKey))
	require.ErrorIs(t, err, command.ErrInvalid)
}

func TestParseRawCommand_CallerComesFromSignature(t *testing.T) {
	anonymous := buyPayload()
	delete(anonymous, "caller")
	cmd, err := ingestion.ParseRawCommand(rawFromJSON(t, "curve.cmd.Buy.x", anonymous))
	require.NoError(t, err)
	require.Equal(t, router, cmd.Meta().Caller)

	unsigned := rawFromJSON(t, "curve.cmd.Buy.x", buyPayload())
	unsigned.Signature = ""
	_, err = ingestion.ParseRawCommand(unsigned)
	require.ErrorIs(t, err, auth.ErrMissingSignature)

	garbage := rawFromJSON(t, "curve.cmd.Buy.x", buyPayload())
	garbage.Signature = "0x1234"
	_, err = ingestion.ParseRawCommand(garbage)
	require.ErrorIs(t, err, auth.ErrBadSignature)

	// A user signing a body that names the router.
	data, err := json.Marshal(buyPayload())
	require.NoError(t, err)
	_, err = ingestion.ParseRawCommand(signedRaw(t, "curve.cmd.Buy.x", data, userKey))
	require.ErrorIs(t, err, auth.ErrCallerMismatch)

	// Edited after signing.
	tampered := signedRaw(t, "curve.cmd.Buy.x", data, routerKey)
	edited := buyPayload()
	edited["recipient"] = user.Hex()
	edited["quote_in"] = "9000000"
	tampered.Data, err = json.Marshal(edited)
	require.NoError(t, err)
	_, err = ingestion.ParseRawCommand(tampered)
	require.ErrorIs(t, err, auth.ErrCallerMismatch)

	// Signed as one command type, submitted as another.
	crossType := signedRaw(t, "curve.cmd.Buy.x", data, routerKey)
	crossType.Subject = "curve.cmd.Sell.x"
	_, err = ingestion.ParseRawCommand(crossType)
	require.ErrorIs(t, err, auth.ErrCallerMismatch)
}

func TestDecodeSubmitted_FillsTimestamp(t *testing.T) {
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	body := []byte(`{"command_id":"550e8400-e29b-41d4-a716-446655440001","field":"router","value":"` + user.Hex() + `"}`)
	sig, err := auth.Sign(command.TypeSetAddress, body, routerKey)
	require.NoError(t, err)

	cmd, err := ingestion.DecodeSubmitted(command.TypeSetAddress, body, sig, now)
	require.NoError(t, err)
	require.Equal(t, router, cmd.Meta().Caller)
	require.Equal(t, now, cmd.Meta().Timestamp)

	noID := []byte(`{"field":"router","value":"` + user.Hex() + `"}`)
	sig, err = auth.Sign(command.TypeSetAddress, noID, routerKey)
	require.NoError(t, err)
	_, err = ingestion.DecodeSubmitted(command.TypeSetAddress, noID, sig, now)
	require.ErrorContains(t, err, "missing command_id")
}

// fakeCore answers every submission with a fixed reply.
func fakeCore(ctx context.Context, in <-chan core.Submission, reply core.Reply) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-in:
			sub.Reply <- reply
		}
	}
}

func TestNATSSubscriber_Handle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	submit := make(chan core.Submission)
	go fakeCore(ctx, submit, core.Reply{Result: core.Result{Out: uint256.NewInt(497_500)}})
	sub := ingestion.NewNATSSubscriber(nil, submit, nil, zerolog.Nop())

	var acked, terminated bool
	raw := rawFromJSON(t, "curve.cmd.Buy.x", buyPayload())
	raw.AckFunc = func() { acked = true }
	sub.Handle(ctx, raw)
	require.True(t, acked)

	bad := rawFromJSON(t, "curve.cmd.Buy.x", map[string]any{"caller": router.Hex()})
	bad.TermFunc = func() { terminated = true }
	bad.AckFunc = func() { t.Fatal("malformed command acked") }
	sub.Handle(ctx, bad)
	require.True(t, terminated)

	terminated = false
	forged := rawFromJSON(t, "curve.cmd.Buy.x", buyPayload())
	forged.Signature = sign(t, command.TypeBuy, forged.Data, userKey)
	forged.TermFunc = func() { terminated = true }
	forged.AckFunc = func() { t.Fatal("forged command acked") }
	sub.Handle(ctx, forged)
	require.True(t, terminated)
}

func TestNATSSubscriber_NaksOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sub := ingestion.NewNATSSubscriber(nil, make(chan core.Submission), nil, zerolog.Nop())
	var nacked bool
	raw := rawFromJSON(t, "curve.cmd.Buy.x", buyPayload())
	raw.NakFunc = func() { nacked = true }
	sub.Handle(ctx, raw)
	require.True(t, nacked)
}

func TestGRPCIngestService_SubmitSigned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	submit := make(chan core.Submission)
	go fakeCore(ctx, submit, core.Reply{Err: context.DeadlineExceeded})
	svc := ingestion.NewGRPCIngestService(submit)

	body, err := json.Marshal(buyPayload())
	require.NoError(t, err)
	sig, err := auth.Sign(command.TypeBuy, body, routerKey)
	require.NoError(t, err)
	cmd, _, err := svc.SubmitSigned(ctx, command.TypeBuy, body, sig)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, command.TypeBuy, cmd.CommandType())

	_, _, err = svc.SubmitSigned(ctx, command.Type("Liquidate"), body, sig)
	require.ErrorIs(t, err, command.ErrInvalid)

	_, _, err = svc.SubmitSigned(ctx, command.TypeBuy, body, nil)
	require.ErrorIs(t, err, auth.ErrMissingSignature)
}

func TestEventFromOutput(t *testing.T) {
	env := &event.EventEnvelope{
		Sequence:       12,
		IdempotencyKey: "550e8400-e29b-41d4-a716-446655440000",
		EventType:      event.EventTypeBought,
		Asset:          &token,
		Timestamp:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload:        []byte(`{"asset":"x"}`),
	}
	env.StateHash[0] = 0xab

	evt := ingestion.EventFromOutput(core.CoreOutput{Envelope: env})
	require.Equal(t, "curve.events.Bought."+token.Hex(), evt.Subject())
	require.Equal(t, "ab", evt.StateHash[:2])

	data, err := json.Marshal(evt)
	require.NoError(t, err)
	require.Contains(t, string(data), `"payload":{"asset":"x"}`)

	env.Asset = nil
	env.EventType = event.EventTypeFeesWithdrawn
	require.Equal(t, "curve.events.FeesWithdrawn", ingestion.EventFromOutput(core.CoreOutput{Envelope: env}).Subject())
}
