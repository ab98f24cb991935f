package core

import (
	"CurvePool/internal/event"
	"CurvePool/internal/ledger"
	fpmath "CurvePool/internal/math"
	"CurvePool/internal/observability"
	"CurvePool/internal/pricing"
	"CurvePool/internal/state"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Custodian moves assets on the engine's behalf. Every transfer made after
// Snapshot must be undone by RevertToSnapshot.
type Custodian interface {
	Transfer(ctx context.Context, asset, from, to common.Address, amount *uint256.Int, jt ledger.JournalType) error
	BalanceOf(asset, holder common.Address) *uint256.Int
	Snapshot() int
	RevertToSnapshot(id int) error
}

// journaledCustodian is implemented by custodians that record transfers as
// ledger journals. The engine opens a batch per operation and collects it on
// commit.
type journaledCustodian interface {
	BeginBatch(eventRef string)
	Commit(sequence int64) *ledger.Batch
}

// minter is implemented by custodians that can credit assets from outside.
type minter interface {
	Mint(asset, to common.Address, amount *uint256.Int) error
}

// Engine is the single-pool-per-asset bonding curve exchange. All mutators
// are serialized; a mutator invoked from inside another one (for example
// from a transfer hook) fails with KindReentrancy instead of blocking.
type Engine struct {
	mu         sync.RWMutex
	inCall     atomic.Bool // a mutator holds mu
	inCallback atomic.Bool // a custodian transfer, and any hook it runs, is executing

	self      common.Address
	gate      *state.AccessGate
	params    *state.CurveParamsManager
	oracle    pricing.Oracle
	pools     *ledger.PoolLedger
	custodian Custodian
	validator *ledger.InvariantValidator
	log       *EventLog

	logger  zerolog.Logger
	metrics *observability.Metrics
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithEventLog(l *EventLog) Option {
	return func(e *Engine) { e.log = l }
}

func WithOracle(o pricing.Oracle) Option {
	return func(e *Engine) { e.oracle = o }
}

func WithCurveParams(m *state.CurveParamsManager) Option {
	return func(e *Engine) { e.params = m }
}

// NewEngine creates an engine holding custody as self. owner is the only
// configured role; the rest are assigned through the setters.
func NewEngine(self, owner common.Address, custodian Custodian, opts ...Option) (*Engine, error) {
	if self == (common.Address{}) {
		return nil, failf(KindConfig, "new_engine", "engine address is null")
	}
	if owner == (common.Address{}) {
		return nil, fail(KindConfig, "new_engine", state.ErrNullAddress)
	}
	if custodian == nil {
		return nil, failf(KindConfig, "new_engine", "custodian is nil")
	}

	pools := ledger.NewPoolLedger()
	e := &Engine{
		self:      self,
		gate:      state.NewAccessGate(state.GlobalConfig{Owner: owner}),
		params:    state.NewCurveParamsManager(state.DefaultCurveParams()),
		oracle:    pricing.PiecewiseLinear{},
		pools:     pools,
		custodian: custodian,
		validator: ledger.NewInvariantValidator(pools, custodian),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = NewEventLog(0, nil, nil, e.metrics)
	}
	return e, nil
}

// --- Call scoping ---

type inCallKey struct{}

// call tracks one in-flight mutator so it can be committed or rolled back.
type call struct {
	op         string
	poolRev    int
	custodyRev int
	start      time.Time
}

func (e *Engine) nested(ctx context.Context) bool {
	owner, _ := ctx.Value(inCallKey{}).(*Engine)
	return owner == e
}

func (e *Engine) reentered(op string) error {
	if e.metrics != nil {
		e.metrics.CoreCommandsRejected.WithLabelValues(op, KindReentrancy.String()).Inc()
	}
	return failf(KindReentrancy, op, "engine call already in progress")
}

// begin enters a mutator. Callers must defer e.end(c, &err).
//
// inCall is checked before the mutex so a callback that drops ctx still
// fails instead of waiting on a lock its own call stack holds.
func (e *Engine) begin(ctx context.Context, op string) (context.Context, *call, error) {
	if e.nested(ctx) || e.inCall.Load() {
		return ctx, nil, e.reentered(op)
	}
	e.mu.Lock()
	e.inCall.Store(true)
	if jc, ok := e.custodian.(journaledCustodian); ok {
		jc.BeginBatch(commandFrom(ctx).ID)
	}
	c := &call{
		op:         op,
		poolRev:    e.pools.Revision(),
		custodyRev: e.custodian.Snapshot(),
		start:      time.Now(),
	}
	return context.WithValue(ctx, inCallKey{}, e), c, nil
}

// end releases the call. On failure or panic every change made since begin
// is reverted.
func (e *Engine) end(c *call, errp *error) {
	defer e.mu.Unlock()
	defer e.inCall.Store(false)

	if r := recover(); r != nil {
		e.rollback(c)
		panic(r)
	}

	err := *errp
	if err == nil {
		if e.metrics != nil {
			e.metrics.CoreCommandsApplied.WithLabelValues(c.op).Inc()
			e.metrics.CoreCommandDuration.WithLabelValues(c.op).Observe(time.Since(c.start).Seconds())
		}
		return
	}

	e.rollback(c)
	if e.metrics != nil {
		e.metrics.CoreCommandsRejected.WithLabelValues(c.op, KindOf(err).String()).Inc()
	}
	e.logger.Debug().Err(err).Str("op", c.op).Msg("operation rolled back")
}

func (e *Engine) rollback(c *call) {
	e.pools.RevertTo(c.poolRev)
	if err := e.custodian.RevertToSnapshot(c.custodyRev); err != nil {
		panic(fmt.Sprintf("FATAL: custody revert failed: %v", err))
	}
}

// rlock takes the read lock unless ctx is already inside a call on e. While
// a transfer callback runs the write lock is held by the caller's own stack,
// so a read without the marker is refused rather than queued.
func (e *Engine) rlock(ctx context.Context, op string) (func(), error) {
	if e.nested(ctx) {
		return func() {}, nil
	}
	if e.inCallback.Load() {
		return nil, e.reentered(op)
	}
	e.mu.RLock()
	return e.mu.RUnlock, nil
}

// commit makes the call's changes permanent and appends evt to the log.
func (e *Engine) commit(ctx context.Context, evt event.Event) {
	payload, err := event.Encode(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s: %v", evt.EventType(), err))
	}

	if a := evt.PoolAsset(); a != nil && e.pools.Exists(*a) {
		if err := e.validator.ValidatePool(*a, e.self); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}

	digest := e.stateDigest(evt, payload)

	var batch *ledger.Batch
	if jc, ok := e.custodian.(journaledCustodian); ok {
		batch = jc.Commit(e.log.NextSequence())
		if batch != nil && len(batch.Journals) == 0 {
			batch = nil
		}
	}
	if err := e.validator.ValidateBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: malformed journal batch: %v", err))
	}
	e.pools.Commit()

	e.log.append(ctx, evt, payload, digest, batch)
	e.observe(evt, batch)
}

// stateDigest is the canonical byte form of the state touched by evt.
func (e *Engine) stateDigest(evt event.Event, payload []byte) []byte {
	digest := make([]byte, 0, 1+20+32*3+len(payload))
	digest = append(digest, byte(evt.EventType()))

	if a := evt.PoolAsset(); a != nil {
		if p, ok := e.pools.Get(*a); ok {
			digest = append(digest, p.Asset.Bytes()...)
			supply := p.Supply.Bytes32()
			reserve := p.QuoteReserve.Bytes32()
			digest = append(digest, supply[:]...)
			digest = append(digest, reserve[:]...)
		}
	}
	if quote := e.gate.Config().QuoteAsset; quote != (common.Address{}) {
		bal := e.custodian.BalanceOf(quote, e.self).Bytes32()
		digest = append(digest, bal[:]...)
	}
	return append(digest, payload...)
}

func (e *Engine) observe(evt event.Event, batch *ledger.Batch) {
	if e.metrics == nil {
		return
	}
	if batch != nil {
		for _, j := range batch.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	switch ev := evt.(type) {
	case *event.Bought:
		e.metrics.TradeVolume.WithLabelValues("buy").Add(ev.QuoteIn.Float64())
		e.metrics.FeesCharged.Add(ev.Fee.Float64())
	case *event.Sold:
		e.metrics.TradeVolume.WithLabelValues("sell").Add(ev.GrossOut.Float64())
		e.metrics.FeesCharged.Add(ev.Fee.Float64())
	case *event.FeesWithdrawn:
		e.metrics.FeesWithdrawn.Add(ev.Amount.Float64())
	}
	if a := evt.PoolAsset(); a != nil {
		if p, ok := e.pools.Get(*a); ok {
			e.metrics.PoolSupply.WithLabelValues(a.Hex()).Set(p.Supply.Float64())
			e.metrics.PoolReserve.WithLabelValues(a.Hex()).Set(p.QuoteReserve.Float64())
		}
	}
}

// transfer moves funds through the custodian, classifying failures.
func (e *Engine) transfer(ctx context.Context, op string, asset, from, to common.Address, amount *uint256.Int, jt ledger.JournalType) error {
	if err := e.callout(func() error {
		return e.custodian.Transfer(ctx, asset, from, to, amount, jt)
	}); err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			// A nested engine error surfaced by a hook keeps its own kind.
			return err
		}
		return fail(KindTransfer, op, fmt.Errorf("%s %s: %w", jt, amount.Dec(), err))
	}
	return nil
}

// callout runs code the engine does not control. Hooks run on the caller's
// goroutine while mu is held.
func (e *Engine) callout(fn func() error) error {
	e.inCallback.Store(true)
	defer e.inCallback.Store(false)
	return fn()
}

func (e *Engine) quoteAsset(op string) (common.Address, error) {
	q := e.gate.Config().QuoteAsset
	if q == (common.Address{}) {
		return q, failf(KindConfig, op, "quote asset not set")
	}
	return q, nil
}

func (e *Engine) requirePool(op string, asset common.Address) (ledger.Pool, error) {
	p, ok := e.pools.Get(asset)
	if !ok {
		return p, fail(KindPoolState, op, fmt.Errorf("%w: %s", ledger.ErrPoolNotFound, asset.Hex()))
	}
	return p, nil
}

func classifyMath(op string, err error) error {
	return fail(KindArithmetic, op, err)
}

// --- Configuration ---

// Config returns the current role and quote asset assignment.
func (e *Engine) Config(ctx context.Context) (state.GlobalConfig, error) {
	unlock, err := e.rlock(ctx, "get_config")
	if err != nil {
		return state.GlobalConfig{}, err
	}
	defer unlock()
	return e.gate.Config(), nil
}

// Address is the custody address of the engine.
func (e *Engine) Address() common.Address {
	return e.self
}

func (e *Engine) SetQuoteAsset(ctx context.Context, caller, v common.Address) error {
	return e.setAddress(ctx, OpSetQuoteAsset, caller, state.FieldQuoteAsset, v, event.EventTypeQuoteAssetSet)
}

func (e *Engine) SetFactory(ctx context.Context, caller, v common.Address) error {
	return e.setAddress(ctx, OpSetFactory, caller, state.FieldFactory, v, event.EventTypeFactorySet)
}

func (e *Engine) SetRouter(ctx context.Context, caller, v common.Address) error {
	return e.setAddress(ctx, OpSetRouter, caller, state.FieldRouter, v, event.EventTypeRouterChanged)
}

func (e *Engine) SetFeeCollector(ctx context.Context, caller, v common.Address) error {
	return e.setAddress(ctx, OpSetFeeCollector, caller, state.FieldFeeCollector, v, event.EventTypeFeeCollectorChanged)
}

func (e *Engine) TransferOwnership(ctx context.Context, caller, v common.Address) error {
	return e.setAddress(ctx, OpTransferOwnership, caller, state.FieldOwner, v, event.EventTypeOwnershipTransferred)
}

// SetField dispatches to the setter for field.
func (e *Engine) SetField(ctx context.Context, caller common.Address, field state.Field, v common.Address) error {
	switch field {
	case state.FieldQuoteAsset:
		return e.SetQuoteAsset(ctx, caller, v)
	case state.FieldFactory:
		return e.SetFactory(ctx, caller, v)
	case state.FieldRouter:
		return e.SetRouter(ctx, caller, v)
	case state.FieldFeeCollector:
		return e.SetFeeCollector(ctx, caller, v)
	case state.FieldOwner:
		return e.TransferOwnership(ctx, caller, v)
	default:
		return failf(KindConfig, "set_field", "unknown field %q", field)
	}
}

func (e *Engine) setAddress(ctx context.Context, op string, caller common.Address, field state.Field, v common.Address, et event.EventType) (err error) {
	ctx, c, err := e.begin(ctx, op)
	if err != nil {
		return err
	}
	defer e.end(c, &err)

	if err := e.gate.RequireOwner(caller); err != nil {
		return fail(KindAccessDenied, op, err)
	}
	old, err := e.gate.Set(field, v)
	if err != nil {
		return fail(KindConfig, op, err)
	}

	e.commit(ctx, &event.AddressChanged{Kind: et, Old: old, New: v})
	e.logger.Info().Str("field", string(field)).Str("old", old.Hex()).Str("new", v.Hex()).Msg("config changed")
	return nil
}

// SetCurveParams replaces the curve inputs used to price asset.
func (e *Engine) SetCurveParams(ctx context.Context, caller, asset common.Address, params pricing.Params) (err error) {
	ctx, c, err := e.begin(ctx, OpSetCurveParams)
	if err != nil {
		return err
	}
	defer e.end(c, &err)

	if err := e.gate.RequireOwner(caller); err != nil {
		return fail(KindAccessDenied, OpSetCurveParams, err)
	}
	if asset == (common.Address{}) {
		return fail(KindConfig, OpSetCurveParams, state.ErrNullAddress)
	}
	if _, err := e.params.UpdateCurveParams(asset, params); err != nil {
		return fail(KindPricing, OpSetCurveParams, err)
	}

	p := params.Clone()
	e.commit(ctx, &event.CurveParamsUpdated{
		Asset:     asset,
		BasePrice: p.BasePrice,
		Slope:     p.Slope,
		Threshold: p.Threshold,
		TailSlope: p.TailSlope,
	})
	return nil
}

// CurveParams returns the inputs currently used to price asset.
func (e *Engine) CurveParams(ctx context.Context, asset common.Address) (pricing.Params, error) {
	unlock, err := e.rlock(ctx, "get_curve_params")
	if err != nil {
		return pricing.Params{}, err
	}
	defer unlock()
	p, err := e.params.CurveParams(asset)
	if err != nil {
		return p, fail(KindPricing, OpPrice, err)
	}
	return p, nil
}

// --- Custody ---

// Deposit credits amount of asset to account from outside the system. Only
// the owner may fund accounts, and only custodians that can mint support it.
func (e *Engine) Deposit(ctx context.Context, caller, asset, account common.Address, amount *uint256.Int) (err error) {
	ctx, c, err := e.begin(ctx, OpDeposit)
	if err != nil {
		return err
	}
	defer e.end(c, &err)

	if err := e.gate.RequireOwner(caller); err != nil {
		return fail(KindAccessDenied, OpDeposit, err)
	}
	m, ok := e.custodian.(minter)
	if !ok {
		return failf(KindConfig, OpDeposit, "custodian cannot mint")
	}
	if amount == nil || amount.IsZero() {
		return failf(KindBounds, OpDeposit, "amount must be positive")
	}
	if err := m.Mint(asset, account, amount); err != nil {
		return fail(KindTransfer, OpDeposit, err)
	}

	e.commit(ctx, &event.Deposited{Asset: asset, Account: account, Amount: amount.Clone()})
	return nil
}

// BalanceOf reports holder's custody balance of asset.
func (e *Engine) BalanceOf(ctx context.Context, asset, holder common.Address) (*uint256.Int, error) {
	unlock, err := e.rlock(ctx, "balance_of")
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.custodian.BalanceOf(asset, holder), nil
}

// --- Pools ---

// RegisterRequest describes a new pool. Curve is optional; when nil the
// asset is priced with the configured or default parameters.
type RegisterRequest struct {
	Asset         common.Address
	Creator       common.Address
	InitialSupply *uint256.Int
	InitialQuote  *uint256.Int
	Curve         *pricing.Params
}

// Register creates the pool for req.Asset, pulling the initial supply and
// quote reserve from the caller.
func (e *Engine) Register(ctx context.Context, caller common.Address, req RegisterRequest) (err error) {
	const op = OpRegister
	ctx, c, err := e.begin(ctx, op)
	if err != nil {
		return err
	}
	defer e.end(c, &err)

	if err := e.gate.RequireFactory(caller); err != nil {
		return fail(KindAccessDenied, op, err)
	}
	quote, err := e.quoteAsset(op)
	if err != nil {
		return err
	}
	if req.Asset == (common.Address{}) {
		return fail(KindConfig, op, state.ErrNullAddress)
	}
	if req.Asset == quote {
		return failf(KindConfig, op, "asset %s is the quote asset", req.Asset.Hex())
	}
	if e.pools.Exists(req.Asset) {
		return fail(KindPoolState, op, fmt.Errorf("%w: %s", ledger.ErrPoolExists, req.Asset.Hex()))
	}
	if req.InitialSupply == nil || req.InitialQuote == nil {
		return fail(KindBounds, op, ledger.ErrNilPoolQuantity)
	}
	if !fpmath.WithinMaxSupply(req.InitialSupply) {
		return fail(KindBounds, op, fmt.Errorf("%w: %s", ledger.ErrSupplyAboveMax, req.InitialSupply.Dec()))
	}
	if req.InitialQuote.IsZero() {
		return failf(KindBounds, op, "initial quote must be positive")
	}
	if req.Curve != nil {
		if err := pricing.ValidateParams(*req.Curve); err != nil {
			return fail(KindPricing, op, err)
		}
	}

	if err := e.transfer(ctx, op, req.Asset, caller, e.self, req.InitialSupply, ledger.JournalTypeRegisterSeed); err != nil {
		return err
	}
	if err := e.transfer(ctx, op, quote, caller, e.self, req.InitialQuote, ledger.JournalTypeRegisterSeed); err != nil {
		return err
	}
	if err := e.pools.Create(req.Asset, req.Creator, req.InitialSupply, req.InitialQuote); err != nil {
		return fail(KindPoolState, op, err)
	}
	if req.Curve != nil {
		// Validated above, so this cannot fail and nothing after it can.
		if _, err := e.params.UpdateCurveParams(req.Asset, *req.Curve); err != nil {
			return fail(KindPricing, op, err)
		}
	}

	e.commit(ctx, &event.PoolRegistered{
		Asset:         req.Asset,
		Creator:       req.Creator,
		InitialSupply: req.InitialSupply.Clone(),
		InitialQuote:  req.InitialQuote.Clone(),
	})
	e.logger.Info().
		Str("asset", req.Asset.Hex()).
		Str("creator", req.Creator.Hex()).
		Str("supply", req.InitialSupply.Dec()).
		Str("quote", req.InitialQuote.Dec()).
		Msg("pool registered")
	return nil
}

// Pool returns a copy of the pool for asset.
func (e *Engine) Pool(ctx context.Context, asset common.Address) (ledger.Pool, error) {
	unlock, err := e.rlock(ctx, "get_pool")
	if err != nil {
		return ledger.Pool{}, err
	}
	defer unlock()
	return e.requirePool("get_pool", asset)
}

// Pools returns every pool ordered by asset.
func (e *Engine) Pools(ctx context.Context) ([]ledger.Pool, error) {
	unlock, err := e.rlock(ctx, "list_pools")
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.pools.All(), nil
}

// PriceAt returns the unit price of asset at supply, scaled by 1e6.
func (e *Engine) PriceAt(ctx context.Context, asset common.Address, supply *uint256.Int) (*uint256.Int, error) {
	unlock, err := e.rlock(ctx, OpPrice)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if _, err := e.requirePool(OpPrice, asset); err != nil {
		return nil, err
	}
	return e.priceLocked(OpPrice, asset, supply)
}

// GetPrice is the public quote endpoint; identical to PriceAt.
func (e *Engine) GetPrice(ctx context.Context, asset common.Address, supply *uint256.Int) (*uint256.Int, error) {
	return e.PriceAt(ctx, asset, supply)
}

func (e *Engine) priceLocked(op string, asset common.Address, supply *uint256.Int) (*uint256.Int, error) {
	if supply == nil || !fpmath.WithinMaxSupply(supply) {
		return nil, fail(KindBounds, op, ledger.ErrSupplyAboveMax)
	}
	params, err := e.params.CurveParams(asset)
	if err != nil {
		return nil, fail(KindPricing, op, err)
	}
	price, err := e.oracle.Price(supply, params)
	if err != nil {
		if errors.Is(err, fpmath.ErrOverflow) || errors.Is(err, fpmath.ErrUnderflow) || errors.Is(err, fpmath.ErrDivisionByZero) {
			return nil, classifyMath(op, err)
		}
		return nil, fail(KindPricing, op, err)
	}
	if price == nil || price.IsZero() {
		return nil, failf(KindPricing, op, "zero price at supply %s", supply.Dec())
	}
	return price, nil
}

// TradeQuote is the outcome of a buy or sell against the current state.
// For a buy In is quote and Out is tokens; for a sell In is tokens and Out
// is the net quote paid.
type TradeQuote struct {
	In           *uint256.Int
	Fee          *uint256.Int
	Out          *uint256.Int
	UnitPrice    *uint256.Int
	SupplyAfter  *uint256.Int
	ReserveAfter *uint256.Int
}

// Gross is Out plus Fee for sells and In for buys.
func (q TradeQuote) Gross() *uint256.Int {
	return new(uint256.Int).Add(q.Out, q.Fee)
}

func (e *Engine) planBuy(op string, pool ledger.Pool, quoteIn *uint256.Int) (TradeQuote, error) {
	fee, net, err := fpmath.SplitFee(quoteIn)
	if err != nil {
		return TradeQuote{}, classifyMath(op, err)
	}
	price, err := e.priceLocked(op, pool.Asset, pool.Supply)
	if err != nil {
		return TradeQuote{}, err
	}
	tokenOut, err := fpmath.TokensForQuote(net, price)
	if err != nil {
		return TradeQuote{}, classifyMath(op, err)
	}
	supplyAfter, err := fpmath.Sub(pool.Supply, tokenOut)
	if err != nil {
		return TradeQuote{}, classifyMath(op, fmt.Errorf("token out %s exceeds supply %s: %w", tokenOut.Dec(), pool.Supply.Dec(), err))
	}
	if !fpmath.WithinMaxSupply(supplyAfter) {
		return TradeQuote{}, fail(KindBounds, op, ledger.ErrSupplyAboveMax)
	}
	reserveAfter, err := fpmath.Add(pool.QuoteReserve, net)
	if err != nil {
		return TradeQuote{}, classifyMath(op, err)
	}
	return TradeQuote{
		In:           quoteIn.Clone(),
		Fee:          fee,
		Out:          tokenOut,
		UnitPrice:    price,
		SupplyAfter:  supplyAfter,
		ReserveAfter: reserveAfter,
	}, nil
}

func (e *Engine) planSell(op string, pool ledger.Pool, tokenIn *uint256.Int) (TradeQuote, error) {
	supplyAfter, err := fpmath.Add(pool.Supply, tokenIn)
	if err != nil {
		return TradeQuote{}, classifyMath(op, err)
	}
	if !fpmath.WithinMaxSupply(supplyAfter) {
		return TradeQuote{}, fail(KindBounds, op, fmt.Errorf("%w: %s", ledger.ErrSupplyAboveMax, supplyAfter.Dec()))
	}
	price, err := e.priceLocked(op, pool.Asset, supplyAfter)
	if err != nil {
		return TradeQuote{}, err
	}
	gross, err := fpmath.QuoteForTokens(tokenIn, price)
	if err != nil {
		return TradeQuote{}, classifyMath(op, err)
	}
	fee, net, err := fpmath.SplitFee(gross)
	if err != nil {
		return TradeQuote{}, classifyMath(op, err)
	}
	if net.Gt(pool.QuoteReserve) {
		return TradeQuote{}, failf(KindInsolvency, op, "payout %s exceeds reserve %s", net.Dec(), pool.QuoteReserve.Dec())
	}
	return TradeQuote{
		In:           tokenIn.Clone(),
		Fee:          fee,
		Out:          net,
		UnitPrice:    price,
		SupplyAfter:  supplyAfter,
		ReserveAfter: new(uint256.Int).Sub(pool.QuoteReserve, net),
	}, nil
}

// QuoteBuy previews Buy without moving funds.
func (e *Engine) QuoteBuy(ctx context.Context, asset common.Address, quoteIn *uint256.Int) (TradeQuote, error) {
	unlock, err := e.rlock(ctx, "quote_buy")
	if err != nil {
		return TradeQuote{}, err
	}
	defer unlock()
	if quoteIn == nil || quoteIn.IsZero() {
		return TradeQuote{}, failf(KindBounds, OpBuy, "quote in must be positive")
	}
	pool, err := e.requirePool(OpBuy, asset)
	if err != nil {
		return TradeQuote{}, err
	}
	return e.planBuy(OpBuy, pool, quoteIn)
}

// QuoteSell previews Sell without moving funds.
func (e *Engine) QuoteSell(ctx context.Context, asset common.Address, tokenIn *uint256.Int) (TradeQuote, error) {
	unlock, err := e.rlock(ctx, "quote_sell")
	if err != nil {
		return TradeQuote{}, err
	}
	defer unlock()
	if tokenIn == nil || tokenIn.IsZero() {
		return TradeQuote{}, failf(KindBounds, OpSell, "token in must be positive")
	}
	pool, err := e.requirePool(OpSell, asset)
	if err != nil {
		return TradeQuote{}, err
	}
	return e.planSell(OpSell, pool, tokenIn)
}

// --- Trading ---

// Buy spends quoteIn of the caller's quote asset on pool tokens delivered to
// recipient and returns the number of tokens bought.
func (e *Engine) Buy(ctx context.Context, caller, asset common.Address, quoteIn *uint256.Int, recipient common.Address) (tokenOut *uint256.Int, err error) {
	const op = OpBuy
	ctx, c, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer e.end(c, &err)

	if err := e.gate.RequireRouter(caller); err != nil {
		return nil, fail(KindAccessDenied, op, err)
	}
	if _, err := e.requirePool(op, asset); err != nil {
		return nil, err
	}
	if quoteIn == nil || quoteIn.IsZero() {
		return nil, failf(KindBounds, op, "quote in must be positive")
	}
	if recipient == (common.Address{}) {
		return nil, fail(KindConfig, op, state.ErrNullAddress)
	}
	quote, err := e.quoteAsset(op)
	if err != nil {
		return nil, err
	}

	if err := e.transfer(ctx, op, quote, caller, e.self, quoteIn, ledger.JournalTypeBuyIn); err != nil {
		return nil, err
	}

	pool, err := e.requirePool(op, asset)
	if err != nil {
		return nil, err
	}
	q, err := e.planBuy(op, pool, quoteIn)
	if err != nil {
		return nil, err
	}
	if err := e.pools.Update(asset, q.SupplyAfter, q.ReserveAfter); err != nil {
		return nil, fail(KindBounds, op, err)
	}

	if err := e.transfer(ctx, op, asset, e.self, recipient, q.Out, ledger.JournalTypeBuyOut); err != nil {
		return nil, err
	}

	e.commit(ctx, &event.Bought{
		Asset:        asset,
		Caller:       caller,
		Recipient:    recipient,
		QuoteIn:      q.In,
		Fee:          q.Fee,
		NetIn:        new(uint256.Int).Sub(q.In, q.Fee),
		TokenOut:     q.Out.Clone(),
		UnitPrice:    q.UnitPrice,
		SupplyAfter:  q.SupplyAfter,
		ReserveAfter: q.ReserveAfter,
	})
	return q.Out, nil
}

// Sell returns tokenIn of the caller's pool tokens and pays the net quote to
// recipient. It returns the quote paid out.
func (e *Engine) Sell(ctx context.Context, caller, asset common.Address, tokenIn *uint256.Int, recipient common.Address) (quoteOut *uint256.Int, err error) {
	const op = OpSell
	ctx, c, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer e.end(c, &err)

	if err := e.gate.RequireRouter(caller); err != nil {
		return nil, fail(KindAccessDenied, op, err)
	}
	if _, err := e.requirePool(op, asset); err != nil {
		return nil, err
	}
	if tokenIn == nil || tokenIn.IsZero() {
		return nil, failf(KindBounds, op, "token in must be positive")
	}
	if recipient == (common.Address{}) {
		return nil, fail(KindConfig, op, state.ErrNullAddress)
	}
	quote, err := e.quoteAsset(op)
	if err != nil {
		return nil, err
	}

	if err := e.transfer(ctx, op, asset, caller, e.self, tokenIn, ledger.JournalTypeSellIn); err != nil {
		return nil, err
	}

	pool, err := e.requirePool(op, asset)
	if err != nil {
		return nil, err
	}
	q, err := e.planSell(op, pool, tokenIn)
	if err != nil {
		return nil, err
	}
	if err := e.pools.Update(asset, q.SupplyAfter, q.ReserveAfter); err != nil {
		return nil, fail(KindBounds, op, err)
	}

	if err := e.transfer(ctx, op, quote, e.self, recipient, q.Out, ledger.JournalTypeSellOut); err != nil {
		return nil, err
	}

	e.commit(ctx, &event.Sold{
		Asset:        asset,
		Caller:       caller,
		Recipient:    recipient,
		TokenIn:      q.In,
		GrossOut:     q.Gross(),
		Fee:          q.Fee,
		NetOut:       q.Out.Clone(),
		UnitPrice:    q.UnitPrice,
		SupplyAfter:  q.SupplyAfter,
		ReserveAfter: q.ReserveAfter,
	})
	return q.Out, nil
}

// --- Fees ---

// WithdrawFees sends amount of quote asset to the fee collector. The bound is
// the engine's whole quote balance, which also backs pool reserves.
func (e *Engine) WithdrawFees(ctx context.Context, caller common.Address, amount *uint256.Int) (err error) {
	const op = OpWithdrawFees
	ctx, c, err := e.begin(ctx, op)
	if err != nil {
		return err
	}
	defer e.end(c, &err)

	if err := e.gate.RequireFeeCollector(caller); err != nil {
		return fail(KindAccessDenied, op, err)
	}
	if amount == nil {
		return failf(KindBounds, op, "amount is nil")
	}
	quote, err := e.quoteAsset(op)
	if err != nil {
		return err
	}
	balance := e.custodian.BalanceOf(quote, e.self)
	if amount.Gt(balance) {
		return failf(KindInsolvency, op, "withdrawal %s exceeds balance %s", amount.Dec(), balance.Dec())
	}

	collector := e.gate.Config().FeeCollector
	if err := e.transfer(ctx, op, quote, e.self, collector, amount, ledger.JournalTypeFeeWithdrawal); err != nil {
		return err
	}

	e.commit(ctx, &event.FeesWithdrawn{Collector: collector, Amount: amount.Clone(), BalanceBefore: balance})
	if reserves, remaining := e.validator.ReserveCoverage(e.self, quote); remaining.Lt(reserves) {
		e.logger.Warn().
			Str("reserves", reserves.Dec()).
			Str("balance", remaining.Dec()).
			Msg("fee withdrawal left quote balance below pool reserves")
	}
	return nil
}

// FeeBalance is the engine's quote balance net of pool reserves. It is zero
// when withdrawals have already drawn into reserves.
func (e *Engine) FeeBalance(ctx context.Context) (*uint256.Int, error) {
	unlock, err := e.rlock(ctx, "fee_balance")
	if err != nil {
		return nil, err
	}
	defer unlock()
	quote, err := e.quoteAsset("fee_balance")
	if err != nil {
		return nil, err
	}
	reserves, balance := e.validator.ReserveCoverage(e.self, quote)
	if balance.Lt(reserves) {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Sub(balance, reserves), nil
}

// Coverage reports the engine's quote balance against the total of all pool
// reserves.
func (e *Engine) Coverage(ctx context.Context) (reserves, balance *uint256.Int, err error) {
	unlock, err := e.rlock(ctx, "coverage")
	if err != nil {
		return nil, nil, err
	}
	defer unlock()
	quote, err := e.quoteAsset("coverage")
	if err != nil {
		return nil, nil, err
	}
	reserves, balance = e.validator.ReserveCoverage(e.self, quote)
	return reserves, balance, nil
}

// EventLog exposes the engine's log.
func (e *Engine) EventLog() *EventLog {
	return e.log
}
