package ledger

import (
	fpmath "CurvePool/internal/math"
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrPoolExists      = errors.New("pool already registered")
	ErrPoolNotFound    = errors.New("pool not registered")
	ErrSupplyAboveMax  = errors.New("pool supply above max")
	ErrNilPoolQuantity = errors.New("pool quantity is nil")
)

// Pool is the per-asset exchange state. Supply is the asset inventory the
// pool holds; QuoteReserve is the quote it owes back to sellers.
type Pool struct {
	Asset        common.Address
	Creator      common.Address
	Supply       *uint256.Int
	QuoteReserve *uint256.Int
}

// Clone returns a deep copy.
func (p Pool) Clone() Pool {
	return Pool{
		Asset:        p.Asset,
		Creator:      p.Creator,
		Supply:       p.Supply.Clone(),
		QuoteReserve: p.QuoteReserve.Clone(),
	}
}

// PoolLedger is the keyed pool store. Pools are never deleted. Every write is
// journaled so the enclosing command can be reverted.
type PoolLedger struct {
	pools map[common.Address]*Pool
	undo  []poolChange
}

type poolChange struct {
	asset common.Address
	prev  *Pool // nil when the pool did not exist
}

func NewPoolLedger() *PoolLedger {
	return &PoolLedger{pools: make(map[common.Address]*Pool)}
}

// Get returns a copy of the pool for asset.
func (pl *PoolLedger) Get(asset common.Address) (Pool, bool) {
	p, ok := pl.pools[asset]
	if !ok {
		return Pool{}, false
	}
	return p.Clone(), true
}

// Exists reports whether asset has a registered pool.
func (pl *PoolLedger) Exists(asset common.Address) bool {
	_, ok := pl.pools[asset]
	return ok
}

// Create registers a new pool.
func (pl *PoolLedger) Create(asset, creator common.Address, supply, quoteReserve *uint256.Int) error {
	if _, ok := pl.pools[asset]; ok {
		return fmt.Errorf("%w: %s", ErrPoolExists, asset.Hex())
	}
	if err := checkQuantities(supply, quoteReserve); err != nil {
		return err
	}
	pl.undo = append(pl.undo, poolChange{asset: asset})
	pl.pools[asset] = &Pool{
		Asset:        asset,
		Creator:      creator,
		Supply:       supply.Clone(),
		QuoteReserve: quoteReserve.Clone(),
	}
	return nil
}

// Update overwrites supply and reserve of an existing pool.
func (pl *PoolLedger) Update(asset common.Address, supply, quoteReserve *uint256.Int) error {
	p, ok := pl.pools[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, asset.Hex())
	}
	if err := checkQuantities(supply, quoteReserve); err != nil {
		return err
	}
	prev := p.Clone()
	pl.undo = append(pl.undo, poolChange{asset: asset, prev: &prev})
	p.Supply = supply.Clone()
	p.QuoteReserve = quoteReserve.Clone()
	return nil
}

func checkQuantities(supply, quoteReserve *uint256.Int) error {
	if supply == nil || quoteReserve == nil {
		return ErrNilPoolQuantity
	}
	if !fpmath.WithinMaxSupply(supply) {
		return fmt.Errorf("%w: %s", ErrSupplyAboveMax, supply.Dec())
	}
	return nil
}

// Revision returns a marker for RevertTo.
func (pl *PoolLedger) Revision() int {
	return len(pl.undo)
}

// RevertTo undoes every write made after rev.
func (pl *PoolLedger) RevertTo(rev int) {
	for i := len(pl.undo) - 1; i >= rev; i-- {
		c := pl.undo[i]
		if c.prev == nil {
			delete(pl.pools, c.asset)
		} else {
			restored := c.prev.Clone()
			pl.pools[c.asset] = &restored
		}
	}
	pl.undo = pl.undo[:rev]
}

// Commit discards the undo log.
func (pl *PoolLedger) Commit() {
	pl.undo = pl.undo[:0]
}

// Restore installs a pool without journaling. Used for snapshot restore.
func (pl *PoolLedger) Restore(p Pool) {
	c := p.Clone()
	pl.pools[p.Asset] = &c
}

// All returns every pool ordered by asset address.
func (pl *PoolLedger) All() []Pool {
	out := make([]Pool, 0, len(pl.pools))
	for _, p := range pl.pools {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Asset[:], out[j].Asset[:]) < 0
	})
	return out
}

// Len returns the number of registered pools.
func (pl *PoolLedger) Len() int {
	return len(pl.pools)
}
