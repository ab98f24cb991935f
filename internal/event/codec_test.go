package event_test

import (
	"CurvePool/internal/event"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestDecode_Bought(t *testing.T) {
	asset := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	in := &event.Bought{
		Asset:        asset,
		QuoteIn:      uint256.NewInt(1_000_000),
		Fee:          uint256.NewInt(5_000),
		NetIn:        uint256.NewInt(995_000),
		TokenOut:     uint256.NewInt(497_500),
		UnitPrice:    uint256.NewInt(2_000_000),
		SupplyAfter:  uint256.NewInt(1),
		ReserveAfter: uint256.NewInt(2),
	}
	data, err := event.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, err := event.Decode(event.EventTypeBought, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b, ok := out.(*event.Bought)
	if !ok {
		t.Fatalf("expected *event.Bought, got %T", out)
	}
	if b.TokenOut.Uint64() != 497_500 || b.Asset != asset {
		t.Errorf("unexpected payload: %+v", b)
	}
	if *b.PoolAsset() != asset {
		t.Error("PoolAsset mismatch")
	}
}

func TestDecode_AddressChangedKeepsKind(t *testing.T) {
	out, err := event.Decode(event.EventTypeRouterChanged, []byte(`{"old":"0x0000000000000000000000000000000000000001","new":"0x0000000000000000000000000000000000000002"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.EventType() != event.EventTypeRouterChanged {
		t.Errorf("kind: got %s", out.EventType())
	}
	if out.PoolAsset() != nil {
		t.Error("config events are global")
	}
}

func TestDecode_Unknown(t *testing.T) {
	if _, err := event.Decode(event.EventTypeUnknown, []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestParseEventType(t *testing.T) {
	for et := event.EventTypePoolRegistered; et <= event.EventTypeDeposited; et++ {
		if got := event.ParseEventType(et.String()); got != et {
			t.Errorf("ParseEventType(%q) = %v, want %v", et.String(), got, et)
		}
	}
	if event.ParseEventType("TradeFill") != event.EventTypeUnknown {
		t.Error("unrecognized names must map to Unknown")
	}
}
