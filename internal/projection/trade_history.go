package projection

import (
	"CurvePool/internal/event"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TradeEntry is one buy or sell as shown to readers.
type TradeEntry struct {
	Sequence     int64
	Asset        common.Address
	Side         string // "buy" or "sell"
	Caller       common.Address
	Recipient    common.Address
	QuoteAmount  *uint256.Int // Quote paid in (buy) or paid out net of fee (sell)
	TokenAmount  *uint256.Int
	Fee          *uint256.Int
	UnitPrice    *uint256.Int
	SupplyAfter  *uint256.Int
	ReserveAfter *uint256.Int
	Timestamp    time.Time
}

// TradeFromEvent converts a Bought or Sold payload. ok is false for other
// events.
func TradeFromEvent(env *event.EventEnvelope, evt event.Event) (TradeEntry, bool) {
	switch e := evt.(type) {
	case *event.Bought:
		return TradeEntry{
			Sequence:     env.Sequence,
			Asset:        e.Asset,
			Side:         "buy",
			Caller:       e.Caller,
			Recipient:    e.Recipient,
			QuoteAmount:  e.QuoteIn,
			TokenAmount:  e.TokenOut,
			Fee:          e.Fee,
			UnitPrice:    e.UnitPrice,
			SupplyAfter:  e.SupplyAfter,
			ReserveAfter: e.ReserveAfter,
			Timestamp:    env.Timestamp,
		}, true
	case *event.Sold:
		return TradeEntry{
			Sequence:     env.Sequence,
			Asset:        e.Asset,
			Side:         "sell",
			Caller:       e.Caller,
			Recipient:    e.Recipient,
			QuoteAmount:  e.NetOut,
			TokenAmount:  e.TokenIn,
			Fee:          e.Fee,
			UnitPrice:    e.UnitPrice,
			SupplyAfter:  e.SupplyAfter,
			ReserveAfter: e.ReserveAfter,
			Timestamp:    env.Timestamp,
		}, true
	}
	return TradeEntry{}, false
}

// TradeHistoryProjection keeps the most recent trades per asset in memory.
// Older pages are served from projections.trades.
type TradeHistoryProjection struct {
	mu       sync.RWMutex
	perAsset int
	entries  map[common.Address][]TradeEntry
}

func NewTradeHistoryProjection(perAsset int) *TradeHistoryProjection {
	if perAsset < 1 {
		perAsset = 1
	}
	return &TradeHistoryProjection{
		perAsset: perAsset,
		entries:  make(map[common.Address][]TradeEntry),
	}
}

// AddEntry records a trade, evicting the oldest once the asset is full.
func (p *TradeHistoryProjection) AddEntry(entry TradeEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := append(p.entries[entry.Asset], entry)
	if len(list) > p.perAsset {
		list = list[len(list)-p.perAsset:]
	}
	p.entries[entry.Asset] = list
}

// QueryByAsset returns up to limit trades with sequence below before, newest
// first. before <= 0 means from the newest. complete is false when the
// window may not hold every matching trade.
func (p *TradeHistoryProjection) QueryByAsset(asset common.Address, limit int, before int64) (result []TradeEntry, complete bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	list := p.entries[asset]
	result = make([]TradeEntry, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(result) < limit; i-- {
		if before > 0 && list[i].Sequence >= before {
			continue
		}
		result = append(result, list[i])
	}
	complete = len(result) == limit || len(list) < p.perAsset
	return result, complete
}
