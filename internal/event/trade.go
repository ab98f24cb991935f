package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Bought is emitted when the router buys pool tokens with quote.
// UnitPrice is the curve price at the pre-trade supply.
type Bought struct {
	Asset        common.Address `json:"asset"`
	Caller       common.Address `json:"caller"`
	Recipient    common.Address `json:"recipient"`
	QuoteIn      *uint256.Int   `json:"quote_in"`
	Fee          *uint256.Int   `json:"fee"`
	NetIn        *uint256.Int   `json:"net_in"`
	TokenOut     *uint256.Int   `json:"token_out"`
	UnitPrice    *uint256.Int   `json:"unit_price"`
	SupplyAfter  *uint256.Int   `json:"supply_after"`
	ReserveAfter *uint256.Int   `json:"reserve_after"`
}

func (b *Bought) EventType() EventType {
	return EventTypeBought
}

func (b *Bought) PoolAsset() *common.Address {
	return assetRef(b.Asset)
}

// Sold is emitted when the router sells pool tokens back for quote.
// UnitPrice is the curve price at the post-trade supply.
type Sold struct {
	Asset        common.Address `json:"asset"`
	Caller       common.Address `json:"caller"`
	Recipient    common.Address `json:"recipient"`
	TokenIn      *uint256.Int   `json:"token_in"`
	GrossOut     *uint256.Int   `json:"gross_out"`
	Fee          *uint256.Int   `json:"fee"`
	NetOut       *uint256.Int   `json:"net_out"`
	UnitPrice    *uint256.Int   `json:"unit_price"`
	SupplyAfter  *uint256.Int   `json:"supply_after"`
	ReserveAfter *uint256.Int   `json:"reserve_after"`
}

func (s *Sold) EventType() EventType {
	return EventTypeSold
}

func (s *Sold) PoolAsset() *common.Address {
	return assetRef(s.Asset)
}
