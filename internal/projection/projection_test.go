package projection_test

import (
	"CurvePool/internal/core"
	"CurvePool/internal/event"
	"CurvePool/internal/ledger"
	"CurvePool/internal/projection"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	router     = common.HexToAddress("0x0000000000000000000000000000000000000003")
	usdt       = common.HexToAddress("0x0000000000000000000000000000000000000005")
	token      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	user       = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	ts         = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func boughtOutput(seq int64) core.CoreOutput {
	evt := &event.Bought{
		Asset:        token,
		Caller:       router,
		Recipient:    user,
		QuoteIn:      u(1_000_000),
		Fee:          u(5_000),
		NetIn:        u(995_000),
		TokenOut:     u(497_500),
		UnitPrice:    u(2_000_000),
		SupplyAfter:  u(999_999_502_500),
		ReserveAfter: u(1_995_000),
	}
	payload, _ := event.Encode(evt)
	return core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:  seq,
			EventType: event.EventTypeBought,
			Asset:     &token,
			Timestamp: ts,
			Payload:   payload,
		},
		Event: evt,
		Batch: &ledger.Batch{
			Sequence: seq,
			Journals: []ledger.Journal{
				{
					DebitAccount:  ledger.NewAccountKey(engineAddr, usdt),
					CreditAccount: ledger.NewAccountKey(router, usdt),
					Amount:        u(1_000_000),
					JournalType:   ledger.JournalTypeBuyIn,
					Sequence:      seq,
				},
				{
					DebitAccount:  ledger.NewAccountKey(user, token),
					CreditAccount: ledger.NewAccountKey(engineAddr, token),
					Amount:        u(497_500),
					JournalType:   ledger.JournalTypeBuyOut,
					Sequence:      seq,
				},
			},
		},
	}
}

func TestPlanOutput_Bought(t *testing.T) {
	stmts, err := projection.PlanOutput(boughtOutput(7))
	require.NoError(t, err)
	// pool update, trade insert, four balance deltas, watermark
	require.Len(t, stmts, 7)

	require.Contains(t, stmts[0].Query, "UPDATE projections.pools")
	require.Equal(t, []any{token.Hex(), "999999502500", "1995000", "2000000", int64(7), ts}, stmts[0].Args)

	require.Contains(t, stmts[1].Query, "INSERT INTO projections.trades")
	require.Equal(t, "buy", stmts[1].Args[2])
	require.Equal(t, "1000000", stmts[1].Args[5])
	require.Equal(t, "497500", stmts[1].Args[6])

	require.Equal(t, []any{engineAddr.Hex(), usdt.Hex(), "1000000", int64(7)}, stmts[2].Args)
	require.Contains(t, stmts[2].Query, "balance + $3")
	require.Equal(t, []any{router.Hex(), usdt.Hex(), "1000000", int64(7)}, stmts[3].Args)
	require.Contains(t, stmts[3].Query, "balance - $3")

	require.Contains(t, stmts[6].Query, "projections.watermark")
	require.Equal(t, int64(7), stmts[6].Args[1])
}

func TestPlanOutput_DecodesPayloadWhenEventMissing(t *testing.T) {
	out := boughtOutput(3)
	out.Event = nil
	out.Batch = nil
	stmts, err := projection.PlanOutput(out)
	require.NoError(t, err)
	require.Len(t, stmts, 3)
	require.Equal(t, "497500", stmts[1].Args[6])
}

func TestPlanOutput_DepositSkipsBoundary(t *testing.T) {
	evt := &event.Deposited{Asset: usdt, Account: router, Amount: u(10)}
	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: 0, EventType: event.EventTypeDeposited, Timestamp: ts},
		Event:    evt,
		Batch: &ledger.Batch{Journals: []ledger.Journal{{
			DebitAccount:  ledger.NewAccountKey(router, usdt),
			CreditAccount: ledger.ExternalAccountKey(usdt),
			Amount:        u(10),
			JournalType:   ledger.JournalTypeDeposit,
		}}},
	}
	stmts, err := projection.PlanOutput(out)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	require.Equal(t, router.Hex(), stmts[0].Args[0])
	require.True(t, strings.Contains(stmts[1].Query, "watermark"))
}

func TestPlanOutput_PoolRegistered(t *testing.T) {
	evt := &event.PoolRegistered{Asset: token, Creator: user, InitialSupply: u(100), InitialQuote: u(5)}
	stmts, err := projection.PlanOutput(core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: 4, EventType: event.EventTypePoolRegistered, Asset: &token, Timestamp: ts},
		Event:    evt,
	})
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	require.Contains(t, stmts[0].Query, "INSERT INTO projections.pools")
	require.Equal(t, []any{token.Hex(), user.Hex(), "100", "5", int64(4), ts}, stmts[0].Args)
}

func TestTradeFromEvent_Sold(t *testing.T) {
	env := &event.EventEnvelope{Sequence: 9, Timestamp: ts}
	trade, ok := projection.TradeFromEvent(env, &event.Sold{
		Asset: token, Caller: router, Recipient: user,
		TokenIn: u(100), GrossOut: u(200), Fee: u(1), NetOut: u(199),
		UnitPrice: u(2_000_000), SupplyAfter: u(1_000), ReserveAfter: u(50),
	})
	require.True(t, ok)
	require.Equal(t, "sell", trade.Side)
	require.Equal(t, uint64(199), trade.QuoteAmount.Uint64())
	require.Equal(t, uint64(100), trade.TokenAmount.Uint64())

	_, ok = projection.TradeFromEvent(env, &event.FeesWithdrawn{})
	require.False(t, ok)
}

func TestTradeHistoryProjection(t *testing.T) {
	p := projection.NewTradeHistoryProjection(3)
	for seq := int64(1); seq <= 5; seq++ {
		p.AddEntry(projection.TradeEntry{Sequence: seq, Asset: token, Side: "buy"})
	}
	p.AddEntry(projection.TradeEntry{Sequence: 6, Asset: usdt, Side: "buy"})

	got, complete := p.QueryByAsset(token, 10, 0)
	require.False(t, complete, "window evicted older trades")
	require.Len(t, got, 3)
	require.Equal(t, []int64{5, 4, 3}, []int64{got[0].Sequence, got[1].Sequence, got[2].Sequence})

	got, complete = p.QueryByAsset(token, 1, 5)
	require.True(t, complete)
	require.Equal(t, int64(4), got[0].Sequence)

	got, complete = p.QueryByAsset(usdt, 10, 0)
	require.True(t, complete)
	require.Len(t, got, 1)
}
