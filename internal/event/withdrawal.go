package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// FeesWithdrawn is emitted when the fee collector pulls quote out of the engine.
type FeesWithdrawn struct {
	Collector     common.Address `json:"collector"`
	Amount        *uint256.Int   `json:"amount"`
	BalanceBefore *uint256.Int   `json:"balance_before"`
}

func (f *FeesWithdrawn) EventType() EventType {
	return EventTypeFeesWithdrawn
}

func (f *FeesWithdrawn) PoolAsset() *common.Address {
	return nil // Global event
}
