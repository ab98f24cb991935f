package math

import (
	"errors"

	"github.com/holiman/uint256"
)

// Scales and limits shared by every pool.
const (
	// PriceDecimals is the precision of curve prices (quote units per whole token).
	PriceDecimals = 6

	// FeeBPS is the trade fee charged on the quote side of every buy and sell.
	FeeBPS = 50

	// BPSDenominator is 100% in basis points.
	BPSDenominator = 10_000
)

var (
	// PriceScale is 10^PriceDecimals.
	PriceScale = uint256.NewInt(1_000_000)

	// MaxPoolSupply caps a pool's token holdings: 10^18 base units.
	MaxPoolSupply = uint256.NewInt(1_000_000_000_000_000_000)

	feeBPS         = uint256.NewInt(FeeBPS)
	bpsDenominator = uint256.NewInt(BPSDenominator)
)

var (
	ErrOverflow       = errors.New("arithmetic overflow")
	ErrUnderflow      = errors.New("arithmetic underflow")
	ErrDivisionByZero = errors.New("division by zero")
)

// Add returns a + b or ErrOverflow. Inputs are never modified.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns a - b or ErrUnderflow when b > a.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// Mul returns a * b or ErrOverflow.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDivFloor computes floor(a * b / d). The product is evaluated at 512 bits
// so only a quotient that does not fit in 256 bits overflows.
func MulDivFloor(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// FeeOf returns floor(amount * FeeBPS / BPSDenominator).
func FeeOf(amount *uint256.Int) (*uint256.Int, error) {
	return MulDivFloor(amount, feeBPS, bpsDenominator)
}

// SplitFee splits a gross amount into (fee, net) with fee = FeeOf(gross).
// fee + net == gross always holds.
func SplitFee(gross *uint256.Int) (fee, net *uint256.Int, err error) {
	fee, err = FeeOf(gross)
	if err != nil {
		return nil, nil, err
	}
	net, err = Sub(gross, fee)
	if err != nil {
		return nil, nil, err
	}
	return fee, net, nil
}

// TokensForQuote converts a quote amount to tokens at unitPrice:
// floor(quote * PriceScale / unitPrice).
func TokensForQuote(quote, unitPrice *uint256.Int) (*uint256.Int, error) {
	return MulDivFloor(quote, PriceScale, unitPrice)
}

// QuoteForTokens converts a token amount to quote at unitPrice:
// floor(tokens * unitPrice / PriceScale).
func QuoteForTokens(tokens, unitPrice *uint256.Int) (*uint256.Int, error) {
	return MulDivFloor(tokens, unitPrice, PriceScale)
}

// WithinMaxSupply reports whether v <= MaxPoolSupply.
func WithinMaxSupply(v *uint256.Int) bool {
	return !v.Gt(MaxPoolSupply)
}
