package pricing

import (
	fpmath "CurvePool/internal/math"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidParams = errors.New("invalid curve params")
	ErrUnknownAsset  = errors.New("no curve params for asset")
)

// Params are the four per-asset inputs of a bonding curve. Their meaning is
// owned by the Oracle implementation; the engine only fetches and forwards them.
type Params struct {
	BasePrice *uint256.Int
	Slope     *uint256.Int
	Threshold *uint256.Int
	TailSlope *uint256.Int
}

// Clone returns a deep copy so callers cannot alias stored params.
func (p Params) Clone() Params {
	return Params{
		BasePrice: cloneOrZero(p.BasePrice),
		Slope:     cloneOrZero(p.Slope),
		Threshold: cloneOrZero(p.Threshold),
		TailSlope: cloneOrZero(p.TailSlope),
	}
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

// Oracle maps a pool's current token holdings to a unit price scaled by
// fpmath.PriceScale. Implementations must be deterministic, defined on
// [0, MaxPoolSupply], and non-decreasing in supply. The engine does not
// verify this.
type Oracle interface {
	Price(supply *uint256.Int, params Params) (*uint256.Int, error)
}

// OracleFunc adapts a plain function to Oracle.
type OracleFunc func(supply *uint256.Int, params Params) (*uint256.Int, error)

func (f OracleFunc) Price(supply *uint256.Int, params Params) (*uint256.Int, error) {
	return f(supply, params)
}

// ParamsSource resolves the curve params registered for an asset.
type ParamsSource interface {
	CurveParams(asset common.Address) (Params, error)
}

// PiecewiseLinear prices a token by the supply held in the pool:
//
//	price = BasePrice
//	      + Slope     * min(supply, Threshold)     / MaxPoolSupply
//	      + TailSlope * max(supply - Threshold, 0) / MaxPoolSupply
//
// Slope and TailSlope are the price increase over a full MaxPoolSupply.
// TailSlope = 0 yields a curve that rises until Threshold and is flat
// afterwards.
type PiecewiseLinear struct{}

func (PiecewiseLinear) Price(supply *uint256.Int, params Params) (*uint256.Int, error) {
	if err := ValidateParams(params); err != nil {
		return nil, err
	}
	if !fpmath.WithinMaxSupply(supply) {
		return nil, fmt.Errorf("supply %s above max: %w", supply.Dec(), fpmath.ErrOverflow)
	}

	head := supply
	tail := new(uint256.Int)
	if supply.Gt(params.Threshold) {
		head = params.Threshold
		tail = new(uint256.Int).Sub(supply, params.Threshold)
	}

	headInc, err := fpmath.MulDivFloor(params.Slope, head, fpmath.MaxPoolSupply)
	if err != nil {
		return nil, err
	}
	tailInc, err := fpmath.MulDivFloor(params.TailSlope, tail, fpmath.MaxPoolSupply)
	if err != nil {
		return nil, err
	}

	price, err := fpmath.Add(params.BasePrice, headInc)
	if err != nil {
		return nil, err
	}
	return fpmath.Add(price, tailInc)
}

// ValidateParams rejects params that would let a price reach zero or that are
// incomplete.
func ValidateParams(p Params) error {
	if p.BasePrice == nil || p.Slope == nil || p.Threshold == nil || p.TailSlope == nil {
		return fmt.Errorf("%w: missing field", ErrInvalidParams)
	}
	if p.BasePrice.IsZero() {
		return fmt.Errorf("%w: base price must be positive", ErrInvalidParams)
	}
	if p.Threshold.Gt(fpmath.MaxPoolSupply) {
		return fmt.Errorf("%w: threshold above max pool supply", ErrInvalidParams)
	}
	return nil
}

// Constant returns an oracle quoting the same price at every supply.
func Constant(price *uint256.Int) Oracle {
	p := price.Clone()
	return OracleFunc(func(*uint256.Int, Params) (*uint256.Int, error) {
		return p.Clone(), nil
	})
}
