package math_test

import (
	fpmath "CurvePool/internal/math"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"pgregory.net/rapid"
)

func TestFeeOf_Example(t *testing.T) {
	fee, net, err := fpmath.SplitFee(uint256.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("split fee: %v", err)
	}
	if fee.Uint64() != 5_000 {
		t.Errorf("fee: got %d, want 5000", fee.Uint64())
	}
	if net.Uint64() != 995_000 {
		t.Errorf("net: got %d, want 995000", net.Uint64())
	}
}

func TestFeeOf_RoundsDown(t *testing.T) {
	// 199 * 50 / 10000 = 0.995 -> 0
	fee, err := fpmath.FeeOf(uint256.NewInt(199))
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if !fee.IsZero() {
		t.Errorf("fee: got %d, want 0", fee.Uint64())
	}

	fee, _ = fpmath.FeeOf(uint256.NewInt(200))
	if fee.Uint64() != 1 {
		t.Errorf("fee: got %d, want 1", fee.Uint64())
	}
}

func TestTokensForQuote(t *testing.T) {
	out, err := fpmath.TokensForQuote(uint256.NewInt(995_000), uint256.NewInt(2_000_000))
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if out.Uint64() != 497_500 {
		t.Errorf("tokens: got %d, want 497500", out.Uint64())
	}
}

func TestTokensForQuote_ZeroPrice(t *testing.T) {
	_, err := fpmath.TokensForQuote(uint256.NewInt(1), new(uint256.Int))
	if !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestAdd_Overflow(t *testing.T) {
	allOnes := new(uint256.Int).SetAllOne()
	if _, err := fpmath.Add(allOnes, uint256.NewInt(1)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestSub_Underflow(t *testing.T) {
	if _, err := fpmath.Sub(uint256.NewInt(1), uint256.NewInt(2)); !errors.Is(err, fpmath.ErrUnderflow) {
		t.Fatalf("expected ErrUnderflow, got %v", err)
	}
}

func TestMul_Overflow(t *testing.T) {
	big := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	if _, err := fpmath.Mul(big, big); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestMulDivFloor_WideIntermediate(t *testing.T) {
	// a*b overflows 256 bits but the quotient fits.
	a := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	b := new(uint256.Int).Lsh(uint256.NewInt(1), 100)
	d := new(uint256.Int).Lsh(uint256.NewInt(1), 90)

	got, err := fpmath.MulDivFloor(a, b, d)
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	want := new(uint256.Int).Lsh(uint256.NewInt(1), 210)
	if !got.Eq(want) {
		t.Errorf("got %s, want %s", got.Dec(), want.Dec())
	}
}

func TestWithinMaxSupply(t *testing.T) {
	if !fpmath.WithinMaxSupply(fpmath.MaxPoolSupply) {
		t.Error("MaxPoolSupply itself must be within bounds")
	}
	above := new(uint256.Int).AddUint64(fpmath.MaxPoolSupply, 1)
	if fpmath.WithinMaxSupply(above) {
		t.Error("MaxPoolSupply+1 must be out of bounds")
	}
}

func TestSplitFee_Conserves(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gross := uint256.NewInt(rapid.Uint64().Draw(t, "gross"))
		fee, net, err := fpmath.SplitFee(gross)
		if err != nil {
			t.Fatalf("split: %v", err)
		}
		sum := new(uint256.Int).Add(fee, net)
		if !sum.Eq(gross) {
			t.Fatalf("fee+net=%s, gross=%s", sum.Dec(), gross.Dec())
		}
		// fee never exceeds 0.5% of gross
		bound := new(uint256.Int).Div(gross, uint256.NewInt(200))
		if fee.Gt(bound) {
			t.Fatalf("fee %s exceeds gross/200 %s", fee.Dec(), bound.Dec())
		}
	})
}
