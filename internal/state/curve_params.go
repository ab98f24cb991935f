package state

import (
	"CurvePool/internal/pricing"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DefaultCurveParams rise from 0.1 quote per token in an empty pool to 1.1
// quote once the pool holds 80% of MaxPoolSupply, and stay flat above that.
func DefaultCurveParams() pricing.Params {
	return pricing.Params{
		BasePrice: uint256.NewInt(100_000),
		Slope:     uint256.NewInt(1_250_000),
		Threshold: uint256.NewInt(800_000_000_000_000_000),
		TailSlope: new(uint256.Int),
	}
}

// CurveParamsManager is the per-asset curve registry the oracle reads from.
// Assets without an explicit entry use the fallback params.
// Not thread-safe; only accessed under the engine lock.
type CurveParamsManager struct {
	params   map[common.Address]pricing.Params
	fallback pricing.Params
}

func NewCurveParamsManager(fallback pricing.Params) *CurveParamsManager {
	return &CurveParamsManager{
		params:   make(map[common.Address]pricing.Params),
		fallback: fallback.Clone(),
	}
}

// CurveParams implements pricing.ParamsSource.
func (m *CurveParamsManager) CurveParams(asset common.Address) (pricing.Params, error) {
	if p, ok := m.params[asset]; ok {
		return p.Clone(), nil
	}
	if err := pricing.ValidateParams(m.fallback); err != nil {
		return pricing.Params{}, fmt.Errorf("%w: %s", pricing.ErrUnknownAsset, asset.Hex())
	}
	return m.fallback.Clone(), nil
}

// HasExplicit reports whether asset has its own entry.
func (m *CurveParamsManager) HasExplicit(asset common.Address) bool {
	_, ok := m.params[asset]
	return ok
}

// UpdateCurveParams validates and stores params for asset, returning the
// params that were in effect before.
func (m *CurveParamsManager) UpdateCurveParams(asset common.Address, params pricing.Params) (pricing.Params, error) {
	if err := pricing.ValidateParams(params); err != nil {
		return pricing.Params{}, fmt.Errorf("invalid curve params for %s: %w", asset.Hex(), err)
	}
	prev, _ := m.CurveParams(asset)
	m.params[asset] = params.Clone()
	return prev, nil
}

// All returns a copy of every explicit entry.
func (m *CurveParamsManager) All() map[common.Address]pricing.Params {
	out := make(map[common.Address]pricing.Params, len(m.params))
	for k, v := range m.params {
		out[k] = v.Clone()
	}
	return out
}

// Restore installs params without validation. Used for snapshot restore.
func (m *CurveParamsManager) Restore(asset common.Address, params pricing.Params) {
	m.params[asset] = params.Clone()
}
