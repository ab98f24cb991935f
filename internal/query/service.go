package query

import (
	"CurvePool/internal/core"
	"CurvePool/internal/ledger"
	"CurvePool/internal/observability"
	"CurvePool/internal/persistence"
	"CurvePool/internal/projection"
	"CurvePool/internal/state"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrUnavailable is returned when neither the engine nor the database
	// can answer a query.
	ErrUnavailable = errors.New("query: no source available")
	ErrNotFound    = errors.New("query: not found")
)

// Engine is the live read surface of the core.
type Engine interface {
	Pool(ctx context.Context, asset common.Address) (ledger.Pool, error)
	Pools(ctx context.Context) ([]ledger.Pool, error)
	PriceAt(ctx context.Context, asset common.Address, supply *uint256.Int) (*uint256.Int, error)
	QuoteBuy(ctx context.Context, asset common.Address, quoteIn *uint256.Int) (core.TradeQuote, error)
	QuoteSell(ctx context.Context, asset common.Address, tokenIn *uint256.Int) (core.TradeQuote, error)
	BalanceOf(ctx context.Context, asset, holder common.Address) (*uint256.Int, error)
	FeeBalance(ctx context.Context) (*uint256.Int, error)
	Coverage(ctx context.Context) (reserves, balance *uint256.Int, err error)
	Config(ctx context.Context) (state.GlobalConfig, error)
	EventLog() *core.EventLog
}

// QueryService answers reads. The live engine is preferred; projection
// tables serve history and stand in when no engine is attached. All
// responses carry as_of_sequence.
type QueryService struct {
	db      *sql.DB
	engine  Engine
	trades  *projection.TradeHistoryProjection
	metrics *observability.Metrics
}

// NewQueryService builds a service. Any of db, engine and trades may be nil.
func NewQueryService(db *sql.DB, engine Engine, trades *projection.TradeHistoryProjection, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, engine: engine, trades: trades, metrics: metrics}
}

func (qs *QueryService) observe(name string, start time.Time) {
	if qs.metrics != nil {
		qs.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// liveSequence is the last sequence applied by the engine.
func (qs *QueryService) liveSequence() int64 {
	return qs.engine.EventLog().NextSequence() - 1
}

// GetPool returns the pool for asset with its current price.
func (qs *QueryService) GetPool(ctx context.Context, asset common.Address) (*PoolResponse, error) {
	defer qs.observe("get_pool", time.Now())

	if qs.engine != nil {
		asOf := qs.liveSequence()
		pool, err := qs.engine.Pool(ctx, asset)
		if err != nil {
			return nil, err
		}
		resp := poolResponse(pool, asOf)
		if price, err := qs.engine.PriceAt(ctx, asset, pool.Supply); err == nil {
			resp.Price = price.Dec()
		}
		return resp, nil
	}
	if qs.db == nil {
		return nil, ErrUnavailable
	}

	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	resp := &PoolResponse{AsOfSequence: asOf}
	var price sql.NullString
	err = qs.db.QueryRowContext(ctx, `
		SELECT asset, creator, supply::text, quote_reserve::text, last_price::text
		FROM projections.pools WHERE asset = $1
	`, asset.Hex()).Scan(&resp.Asset, &resp.Creator, &resp.Supply, &resp.QuoteReserve, &price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, asset.Hex())
	}
	if err != nil {
		return nil, err
	}
	resp.Price = price.String
	return resp, nil
}

// ListPools returns every pool ordered by asset.
func (qs *QueryService) ListPools(ctx context.Context) ([]PoolResponse, error) {
	defer qs.observe("list_pools", time.Now())

	if qs.engine != nil {
		asOf := qs.liveSequence()
		pools, err := qs.engine.Pools(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]PoolResponse, 0, len(pools))
		for _, p := range pools {
			out = append(out, *poolResponse(p, asOf))
		}
		return out, nil
	}
	if qs.db == nil {
		return nil, ErrUnavailable
	}

	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, creator, supply::text, quote_reserve::text, last_price::text
		FROM projections.pools ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PoolResponse
	for rows.Next() {
		p := PoolResponse{AsOfSequence: asOf}
		var price sql.NullString
		if err := rows.Scan(&p.Asset, &p.Creator, &p.Supply, &p.QuoteReserve, &price); err != nil {
			return nil, err
		}
		p.Price = price.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func poolResponse(p ledger.Pool, asOf int64) *PoolResponse {
	return &PoolResponse{
		Asset:        p.Asset.Hex(),
		Creator:      p.Creator.Hex(),
		Supply:       p.Supply.Dec(),
		QuoteReserve: p.QuoteReserve.Dec(),
		AsOfSequence: asOf,
	}
}

// GetPrice returns the curve price of asset at supply. Pricing needs the
// live engine.
func (qs *QueryService) GetPrice(ctx context.Context, asset common.Address, supply *uint256.Int) (*uint256.Int, int64, error) {
	defer qs.observe("get_price", time.Now())
	if qs.engine == nil {
		return nil, 0, ErrUnavailable
	}
	asOf := qs.liveSequence()
	price, err := qs.engine.PriceAt(ctx, asset, supply)
	return price, asOf, err
}

// Quote previews a buy (side "buy", amount in quote) or a sell (side
// "sell", amount in tokens).
func (qs *QueryService) Quote(ctx context.Context, asset common.Address, side string, amount *uint256.Int) (*QuoteResponse, error) {
	defer qs.observe("quote", time.Now())
	if qs.engine == nil {
		return nil, ErrUnavailable
	}
	asOf := qs.liveSequence()

	var (
		q   core.TradeQuote
		err error
	)
	switch side {
	case "buy":
		q, err = qs.engine.QuoteBuy(ctx, asset, amount)
	case "sell":
		q, err = qs.engine.QuoteSell(ctx, asset, amount)
	default:
		return nil, fmt.Errorf("unknown side %q", side)
	}
	if err != nil {
		return nil, err
	}
	return &QuoteResponse{
		Asset:        asset.Hex(),
		Side:         side,
		In:           q.In.Dec(),
		Fee:          q.Fee.Dec(),
		Out:          q.Out.Dec(),
		UnitPrice:    q.UnitPrice.Dec(),
		SupplyAfter:  q.SupplyAfter.Dec(),
		ReserveAfter: q.ReserveAfter.Dec(),
		AsOfSequence: asOf,
	}, nil
}

// ListTrades pages through asset's trades, newest first. Recent pages come
// from memory; anything the window cannot fill is read from Postgres.
func (qs *QueryService) ListTrades(ctx context.Context, asset common.Address, limit int, before int64) (*TradePage, error) {
	defer qs.observe("list_trades", time.Now())
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	if qs.trades != nil {
		entries, _ := qs.trades.QueryByAsset(asset, limit, before)
		if len(entries) == limit || qs.db == nil {
			page := &TradePage{Source: "memory"}
			for _, e := range entries {
				page.Trades = append(page.Trades, tradeResponse(e))
			}
			page.NextBefore = nextCursor(page.Trades, limit)
			return page, nil
		}
	}
	if qs.db == nil {
		return nil, ErrUnavailable
	}

	query := `
		SELECT sequence, asset, side, caller, recipient, quote_amount::text, token_amount::text,
		       fee::text, unit_price::text, supply_after::text, reserve_after::text, timestamp
		FROM projections.trades
		WHERE asset = $1
	`
	args := []any{asset.Hex()}
	if before > 0 {
		query += " AND sequence < $2"
		args = append(args, before)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &TradePage{Source: "postgres"}
	for rows.Next() {
		var t TradeResponse
		if err := rows.Scan(
			&t.Sequence, &t.Asset, &t.Side, &t.Caller, &t.Recipient, &t.QuoteAmount, &t.TokenAmount,
			&t.Fee, &t.UnitPrice, &t.SupplyAfter, &t.ReserveAfter, &t.Timestamp,
		); err != nil {
			return nil, err
		}
		page.Trades = append(page.Trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	page.NextBefore = nextCursor(page.Trades, limit)
	return page, nil
}

func nextCursor(trades []TradeResponse, limit int) int64 {
	if len(trades) < limit || len(trades) == 0 {
		return 0
	}
	return trades[len(trades)-1].Sequence
}

func tradeResponse(e projection.TradeEntry) TradeResponse {
	return TradeResponse{
		Sequence:     e.Sequence,
		Asset:        e.Asset.Hex(),
		Side:         e.Side,
		Caller:       e.Caller.Hex(),
		Recipient:    e.Recipient.Hex(),
		QuoteAmount:  dec(e.QuoteAmount),
		TokenAmount:  dec(e.TokenAmount),
		Fee:          dec(e.Fee),
		UnitPrice:    dec(e.UnitPrice),
		SupplyAfter:  dec(e.SupplyAfter),
		ReserveAfter: dec(e.ReserveAfter),
		Timestamp:    e.Timestamp,
	}
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// GetFeeInfo reports withdrawable fees and reserve coverage.
func (qs *QueryService) GetFeeInfo(ctx context.Context) (*FeeInfo, error) {
	if qs.engine == nil {
		return nil, ErrUnavailable
	}
	reserves, balance, err := qs.engine.Coverage(ctx)
	if err != nil {
		return nil, err
	}
	fees, err := qs.engine.FeeBalance(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := qs.engine.Config(ctx)
	if err != nil {
		return nil, err
	}
	return &FeeInfo{
		QuoteAsset:    cfg.QuoteAsset.Hex(),
		Balance:       balance.Dec(),
		TotalReserves: reserves.Dec(),
		Withdrawable:  fees.Dec(),
		Covered:       !balance.Lt(reserves),
	}, nil
}

// GetEventLogInfo returns the live and durable positions of the log.
func (qs *QueryService) GetEventLogInfo(ctx context.Context) (*EventLogInfo, error) {
	info := &EventLogInfo{PersistedSequence: -1}
	if qs.engine != nil {
		log := qs.engine.EventLog()
		tip := log.Tip()
		info.NextSequence = log.NextSequence()
		info.Tip = common.Bytes2Hex(tip[:])
	}
	if qs.db != nil {
		seq, err := persistence.NewSnapshotManager(qs.db).GetLatestSequence(ctx)
		if err != nil {
			return nil, err
		}
		info.PersistedSequence = seq
	}
	return info, nil
}

// --- Admin APIs ---

const verifyPageSize = 1000

// VerifyIntegrity recomputes the stored hash chain and checks that the
// engine's quote balance covers every pool reserve.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer qs.observe("verify_integrity", time.Now())

	report := &IntegrityReport{ReservesCovered: true}

	if qs.db != nil {
		snaps := persistence.NewSnapshotManager(qs.db)
		v := &ChainVerifier{}
		for from := int64(0); ; {
			rows, err := snaps.LoadEventsFrom(ctx, from, verifyPageSize)
			if err != nil {
				return nil, fmt.Errorf("load events from %d: %w", from, err)
			}
			for _, row := range rows {
				v.Feed(row)
			}
			if len(rows) < verifyPageSize {
				break
			}
			from = rows[len(rows)-1].Sequence + 1
		}
		report.EventsChecked = v.Checked
		report.HashChainBreaks = v.Breaks
		report.SequenceGaps = v.Gaps
	}

	if qs.engine != nil {
		reserves, balance, err := qs.engine.Coverage(ctx)
		if err != nil && core.KindOf(err) != core.KindConfig {
			return nil, err
		}
		if err == nil {
			report.ReservesCovered = !balance.Lt(reserves)
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		report.ReservesCovered
	return report, nil
}

// ChainVerifier checks stored events in sequence order. A row breaks the
// chain when its state hash does not recompute from its prev hash and
// digest, or when its prev hash differs from the preceding row's state
// hash. The first row of sequence 0 must link to the genesis hash.
type ChainVerifier struct {
	Checked int
	Breaks  []int64
	Gaps    []int64

	started  bool
	lastSeq  int64
	lastHash []byte
}

// Feed checks the next row.
func (v *ChainVerifier) Feed(row persistence.EventRow) {
	v.Checked++

	broken := len(row.StateHash) != 32 || len(row.PrevHash) != 32
	if !broken {
		var prev [32]byte
		copy(prev[:], row.PrevHash)
		want := core.ChainHash(prev, row.Sequence, row.StateDigest)
		broken = !bytes.Equal(want[:], row.StateHash)
	}

	switch {
	case !v.started:
		if row.Sequence == 0 {
			genesis := core.GenesisHash()
			broken = broken || !bytes.Equal(row.PrevHash, genesis[:])
		}
	case row.Sequence != v.lastSeq+1:
		v.Gaps = append(v.Gaps, v.lastSeq+1)
	default:
		broken = broken || !bytes.Equal(row.PrevHash, v.lastHash)
	}

	if broken {
		v.Breaks = append(v.Breaks, row.Sequence)
	}
	v.started = true
	v.lastSeq = row.Sequence
	v.lastHash = row.StateHash
}

// VerifyChain runs a ChainVerifier over rows.
func VerifyChain(rows []persistence.EventRow) (breaks, gaps []int64) {
	v := &ChainVerifier{}
	for _, row := range rows {
		v.Feed(row)
	}
	return v.Breaks, v.Gaps
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	return projection.LoadWatermark(ctx, qs.db)
}
