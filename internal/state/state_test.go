package state_test

import (
	"CurvePool/internal/pricing"
	"CurvePool/internal/state"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	owner   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	factory = common.HexToAddress("0x0000000000000000000000000000000000000002")
	router  = common.HexToAddress("0x0000000000000000000000000000000000000003")
	asset   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func TestAccessGate_Require(t *testing.T) {
	g := state.NewAccessGate(state.GlobalConfig{Owner: owner, Factory: factory, Router: router})

	if err := g.RequireFactory(factory); err != nil {
		t.Errorf("factory rejected: %v", err)
	}
	if err := g.RequireRouter(factory); !errors.Is(err, state.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAccessGate_UnsetRoleMatchesNobody(t *testing.T) {
	g := state.NewAccessGate(state.GlobalConfig{Owner: owner})
	if err := g.RequireFeeCollector(common.Address{}); !errors.Is(err, state.ErrUnauthorized) {
		t.Fatalf("zero caller must not match unset role, got %v", err)
	}
}

func TestAccessGate_Set(t *testing.T) {
	g := state.NewAccessGate(state.GlobalConfig{Owner: owner, Router: router})

	old, err := g.Set(state.FieldRouter, factory)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if old != router {
		t.Errorf("old: got %s, want %s", old.Hex(), router.Hex())
	}
	if g.Config().Router != factory {
		t.Error("router not updated")
	}

	if _, err := g.Set(state.FieldRouter, common.Address{}); !errors.Is(err, state.ErrNullAddress) {
		t.Errorf("expected ErrNullAddress, got %v", err)
	}
	if g.Config().Router != factory {
		t.Error("rejected set must not change the value")
	}
}

func TestCurveParamsManager_Fallback(t *testing.T) {
	m := state.NewCurveParamsManager(state.DefaultCurveParams())
	p, err := m.CurveParams(asset)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if !p.BasePrice.Eq(state.DefaultCurveParams().BasePrice) {
		t.Error("expected fallback params")
	}
	if m.HasExplicit(asset) {
		t.Error("fallback must not count as explicit")
	}
}

func TestCurveParamsManager_NoFallback(t *testing.T) {
	m := state.NewCurveParamsManager(pricing.Params{})
	if _, err := m.CurveParams(asset); !errors.Is(err, pricing.ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestCurveParamsManager_Update(t *testing.T) {
	m := state.NewCurveParamsManager(state.DefaultCurveParams())
	params := pricing.Params{
		BasePrice: uint256.NewInt(7),
		Slope:     uint256.NewInt(0),
		Threshold: uint256.NewInt(0),
		TailSlope: uint256.NewInt(0),
	}
	if _, err := m.UpdateCurveParams(asset, params); err != nil {
		t.Fatalf("update: %v", err)
	}
	params.BasePrice.SetUint64(99)

	got, _ := m.CurveParams(asset)
	if got.BasePrice.Uint64() != 7 {
		t.Errorf("stored params aliased caller value: %d", got.BasePrice.Uint64())
	}

	bad := params.Clone()
	bad.BasePrice = new(uint256.Int)
	if _, err := m.UpdateCurveParams(asset, bad); !errors.Is(err, pricing.ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}
}
