package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AddressChanged is the payload shared by every config transition. Old is
// the zero address on first assignment.
type AddressChanged struct {
	Kind EventType      `json:"-"`
	Old  common.Address `json:"old"`
	New  common.Address `json:"new"`
}

func (a *AddressChanged) EventType() EventType {
	return a.Kind
}

func (a *AddressChanged) PoolAsset() *common.Address {
	return nil
}

// CurveParamsUpdated records a change to an asset's curve inputs.
type CurveParamsUpdated struct {
	Asset     common.Address `json:"asset"`
	BasePrice *uint256.Int   `json:"base_price"`
	Slope     *uint256.Int   `json:"slope"`
	Threshold *uint256.Int   `json:"threshold"`
	TailSlope *uint256.Int   `json:"tail_slope"`
}

func (c *CurveParamsUpdated) EventType() EventType {
	return EventTypeCurveParamsUpdated
}

func (c *CurveParamsUpdated) PoolAsset() *common.Address {
	return assetRef(c.Asset)
}
