package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePoolRegistered
	EventTypeBought
	EventTypeSold
	EventTypeFeesWithdrawn
	EventTypeFeeCollectorChanged
	EventTypeRouterChanged
	EventTypeQuoteAssetSet
	EventTypeFactorySet
	EventTypeOwnershipTransferred
	EventTypeCurveParamsUpdated
	EventTypeDeposited
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the processor
	Sequence int64

	// Command id that produced the event
	IdempotencyKey string

	EventType EventType

	// Pool context (nil for global events)
	Asset *common.Address

	// Command timestamp supplied by the submitter
	Timestamp time.Time

	// JSON-encoded event payload
	Payload []byte

	// JSON-encoded command that produced the event, kept for replay
	Command []byte

	// SHA-256 chain value after applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	EventType() EventType

	// PoolAsset returns the pool context (nil for global events)
	PoolAsset() *common.Address
}

func (et EventType) String() string {
	switch et {
	case EventTypePoolRegistered:
		return "PoolRegistered"
	case EventTypeBought:
		return "Bought"
	case EventTypeSold:
		return "Sold"
	case EventTypeFeesWithdrawn:
		return "FeesWithdrawn"
	case EventTypeFeeCollectorChanged:
		return "FeeCollectorChanged"
	case EventTypeRouterChanged:
		return "RouterChanged"
	case EventTypeQuoteAssetSet:
		return "QuoteAssetSet"
	case EventTypeFactorySet:
		return "FactorySet"
	case EventTypeOwnershipTransferred:
		return "OwnershipTransferred"
	case EventTypeCurveParamsUpdated:
		return "CurveParamsUpdated"
	case EventTypeDeposited:
		return "Deposited"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for et := EventTypePoolRegistered; et <= EventTypeDeposited; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}

func assetRef(a common.Address) *common.Address {
	return &a
}
