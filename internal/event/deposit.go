package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Deposited records assets entering custody from outside the system.
type Deposited struct {
	Asset   common.Address `json:"asset"`
	Account common.Address `json:"account"`
	Amount  *uint256.Int   `json:"amount"`
}

func (d *Deposited) EventType() EventType {
	return EventTypeDeposited
}

func (d *Deposited) PoolAsset() *common.Address {
	return nil
}

// PoolRegistered is emitted once per asset when the factory seeds its pool.
type PoolRegistered struct {
	Asset         common.Address `json:"asset"`
	Creator       common.Address `json:"creator"`
	InitialSupply *uint256.Int   `json:"initial_supply"`
	InitialQuote  *uint256.Int   `json:"initial_quote"`
}

func (p *PoolRegistered) EventType() EventType {
	return EventTypePoolRegistered
}

func (p *PoolRegistered) PoolAsset() *common.Address {
	return assetRef(p.Asset)
}
