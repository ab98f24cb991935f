package command

import (
	"CurvePool/internal/pricing"
	"CurvePool/internal/state"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Type names a command on the wire and in NATS subjects.
type Type string

const (
	TypeRegisterPool   Type = "RegisterPool"
	TypeBuy            Type = "Buy"
	TypeSell           Type = "Sell"
	TypeWithdrawFees   Type = "WithdrawFees"
	TypeSetAddress     Type = "SetAddress"
	TypeSetCurveParams Type = "SetCurveParams"
	TypeDeposit        Type = "Deposit"
)

// Types lists every command type.
var Types = []Type{
	TypeRegisterPool,
	TypeBuy,
	TypeSell,
	TypeWithdrawFees,
	TypeSetAddress,
	TypeSetCurveParams,
	TypeDeposit,
}

var ErrInvalid = errors.New("invalid command")

// Command is a request to mutate engine state. The command id doubles as
// the idempotency key.
type Command interface {
	CommandType() Type
	Meta() *Header
}

// Header is common to every command.
type Header struct {
	ID        uuid.UUID      `json:"command_id"`
	Caller    common.Address `json:"caller"`
	Timestamp time.Time      `json:"timestamp"`
}

func (h *Header) Meta() *Header { return h }

// CurveParams is the wire form of pricing.Params.
type CurveParams struct {
	BasePrice *uint256.Int `json:"base_price"`
	Slope     *uint256.Int `json:"slope"`
	Threshold *uint256.Int `json:"threshold"`
	TailSlope *uint256.Int `json:"tail_slope"`
}

func (c CurveParams) Params() pricing.Params {
	return pricing.Params{
		BasePrice: c.BasePrice,
		Slope:     c.Slope,
		Threshold: c.Threshold,
		TailSlope: c.TailSlope,
	}.Clone()
}

type RegisterPool struct {
	Header
	Asset         common.Address `json:"asset"`
	Creator       common.Address `json:"creator"`
	InitialSupply *uint256.Int   `json:"initial_supply"`
	InitialQuote  *uint256.Int   `json:"initial_quote"`
	Curve         *CurveParams   `json:"curve,omitempty"`
}

func (*RegisterPool) CommandType() Type { return TypeRegisterPool }

// Buy spends QuoteIn on tokens for Recipient. A non-nil MinTokenOut refuses
// the trade when fewer tokens would be delivered.
type Buy struct {
	Header
	Asset       common.Address `json:"asset"`
	QuoteIn     *uint256.Int   `json:"quote_in"`
	Recipient   common.Address `json:"recipient"`
	MinTokenOut *uint256.Int   `json:"min_token_out,omitempty"`
}

func (*Buy) CommandType() Type { return TypeBuy }

// Sell returns TokenIn to the pool and pays Recipient. A non-nil
// MinQuoteOut refuses the trade when less quote would be paid.
type Sell struct {
	Header
	Asset       common.Address `json:"asset"`
	TokenIn     *uint256.Int   `json:"token_in"`
	Recipient   common.Address `json:"recipient"`
	MinQuoteOut *uint256.Int   `json:"min_quote_out,omitempty"`
}

func (*Sell) CommandType() Type { return TypeSell }

type WithdrawFees struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

func (*WithdrawFees) CommandType() Type { return TypeWithdrawFees }

// SetAddress assigns one GlobalConfig field.
type SetAddress struct {
	Header
	Field state.Field    `json:"field"`
	Value common.Address `json:"value"`
}

func (*SetAddress) CommandType() Type { return TypeSetAddress }

type SetCurveParams struct {
	Header
	Asset common.Address `json:"asset"`
	Curve CurveParams    `json:"curve"`
}

func (*SetCurveParams) CommandType() Type { return TypeSetCurveParams }

// Deposit credits Amount of Asset to Account from outside the system.
type Deposit struct {
	Header
	Asset   common.Address `json:"asset"`
	Account common.Address `json:"account"`
	Amount  *uint256.Int   `json:"amount"`
}

func (*Deposit) CommandType() Type { return TypeDeposit }

// New returns an empty command of type t.
func New(t Type) (Command, error) {
	switch t {
	case TypeRegisterPool:
		return &RegisterPool{}, nil
	case TypeBuy:
		return &Buy{}, nil
	case TypeSell:
		return &Sell{}, nil
	case TypeWithdrawFees:
		return &WithdrawFees{}, nil
	case TypeSetAddress:
		return &SetAddress{}, nil
	case TypeSetCurveParams:
		return &SetCurveParams{}, nil
	case TypeDeposit:
		return &Deposit{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, t)
	}
}

// Decode parses a JSON body of type t and validates it.
func Decode(t Type, body []byte) (Command, error) {
	cmd, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, cmd); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalid, t, err)
	}
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

type stored struct {
	Type Type            `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Marshal produces the self-describing form kept in the event log.
func Marshal(cmd Command) ([]byte, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stored{Type: cmd.CommandType(), Body: body})
}

// Unmarshal reverses Marshal.
func Unmarshal(data []byte) (Command, error) {
	var s stored
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return Decode(s.Type, s.Body)
}

// Validate checks the structural requirements of cmd. Semantic checks
// (roles, bounds, pool existence) belong to the engine.
func Validate(cmd Command) error {
	h := cmd.Meta()
	if h.ID == uuid.Nil {
		return fmt.Errorf("%w: missing command_id", ErrInvalid)
	}
	if h.Caller == (common.Address{}) {
		return fmt.Errorf("%w: missing caller", ErrInvalid)
	}

	switch c := cmd.(type) {
	case *RegisterPool:
		if c.InitialSupply == nil || c.InitialQuote == nil {
			return fmt.Errorf("%w: initial_supply and initial_quote are required", ErrInvalid)
		}
		if c.Curve != nil {
			if err := requireCurve(*c.Curve); err != nil {
				return err
			}
		}
	case *Buy:
		if c.QuoteIn == nil {
			return fmt.Errorf("%w: quote_in is required", ErrInvalid)
		}
	case *Sell:
		if c.TokenIn == nil {
			return fmt.Errorf("%w: token_in is required", ErrInvalid)
		}
	case *WithdrawFees:
		if c.Amount == nil {
			return fmt.Errorf("%w: amount is required", ErrInvalid)
		}
	case *SetAddress:
		switch c.Field {
		case state.FieldQuoteAsset, state.FieldFactory, state.FieldRouter, state.FieldFeeCollector, state.FieldOwner:
		default:
			return fmt.Errorf("%w: unknown field %q", ErrInvalid, c.Field)
		}
	case *SetCurveParams:
		return requireCurve(c.Curve)
	case *Deposit:
		if c.Amount == nil {
			return fmt.Errorf("%w: amount is required", ErrInvalid)
		}
	}
	return nil
}

func requireCurve(c CurveParams) error {
	if c.BasePrice == nil || c.Slope == nil || c.Threshold == nil || c.TailSlope == nil {
		return fmt.Errorf("%w: curve requires base_price, slope, threshold and tail_slope", ErrInvalid)
	}
	return nil
}
