package ledger

import (
	fpmath "CurvePool/internal/math"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceReader exposes holder balances by asset.
type BalanceReader interface {
	BalanceOf(asset, holder common.Address) *uint256.Int
}

// InvariantValidator checks ledger invariants before a command commits.
type InvariantValidator struct {
	pools    *PoolLedger
	balances BalanceReader
}

func NewInvariantValidator(pools *PoolLedger, balances BalanceReader) *InvariantValidator {
	return &InvariantValidator{pools: pools, balances: balances}
}

// ValidateBatch verifies batch is well formed.
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	if batch == nil {
		return nil
	}
	return batch.Validate()
}

// ValidatePool checks the stored pool for asset respects the supply bound
// and that the engine actually holds the supply it records.
func (v *InvariantValidator) ValidatePool(asset, engine common.Address) error {
	p, ok := v.pools.Get(asset)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, asset.Hex())
	}
	if !fpmath.WithinMaxSupply(p.Supply) {
		return fmt.Errorf("%w: %s", ErrSupplyAboveMax, p.Supply.Dec())
	}
	held := v.balances.BalanceOf(asset, engine)
	if held.Lt(p.Supply) {
		return fmt.Errorf("pool %s supply %s exceeds custody %s", asset.Hex(), p.Supply.Dec(), held.Dec())
	}
	return nil
}

// ReserveCoverage returns the sum of all pool reserves and the engine's quote
// balance. Fee withdrawals are bounded by the balance only, so coverage can
// drop below the reserve total; callers report rather than enforce it.
func (v *InvariantValidator) ReserveCoverage(engine, quoteAsset common.Address) (reserves, balance *uint256.Int) {
	reserves = new(uint256.Int)
	for _, p := range v.pools.All() {
		reserves.Add(reserves, p.QuoteReserve)
	}
	return reserves, v.balances.BalanceOf(quoteAsset, engine)
}
