package core

import (
	"errors"
	"fmt"
)

// Kind classifies why an engine operation failed.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConfig
	KindAccessDenied
	KindPoolState
	KindBounds
	KindInsolvency
	KindArithmetic
	KindTransfer
	KindReentrancy
	KindPricing
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAccessDenied:
		return "access_denied"
	case KindPoolState:
		return "pool_state"
	case KindBounds:
		return "bounds"
	case KindInsolvency:
		return "insolvency"
	case KindArithmetic:
		return "arithmetic"
	case KindTransfer:
		return "transfer"
	case KindReentrancy:
		return "reentrancy"
	case KindPricing:
		return "pricing"
	default:
		return "unknown"
	}
}

// Error is returned by every failing engine operation. Err carries the
// lower-level cause and may be nil.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("curvepool: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("curvepool: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels below, so errors.Is(err, ErrInsolvency)
// holds for any insolvency failure regardless of op or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrConfig       = &Error{Kind: KindConfig}
	ErrAccessDenied = &Error{Kind: KindAccessDenied}
	ErrPoolState    = &Error{Kind: KindPoolState}
	ErrBounds       = &Error{Kind: KindBounds}
	ErrInsolvency   = &Error{Kind: KindInsolvency}
	ErrArithmetic   = &Error{Kind: KindArithmetic}
	ErrTransfer     = &Error{Kind: KindTransfer}
	ErrReentrancy   = &Error{Kind: KindReentrancy}
	ErrPricing      = &Error{Kind: KindPricing}
)

// KindOf extracts the failure kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func fail(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func failf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Operation names used in errors, logs and metrics.
const (
	OpRegister          = "register"
	OpPrice             = "price"
	OpBuy               = "buy"
	OpSell              = "sell"
	OpWithdrawFees      = "withdraw_fees"
	OpSetQuoteAsset     = "set_quote_asset"
	OpSetFactory        = "set_factory"
	OpSetRouter         = "set_router"
	OpSetFeeCollector   = "set_fee_collector"
	OpTransferOwnership = "transfer_ownership"
	OpSetCurveParams    = "set_curve_params"
	OpDeposit           = "deposit"
)
