package event

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an event payload for the log.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode parses a stored payload back into its typed event.
func Decode(et EventType, data []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypePoolRegistered:
		evt = &PoolRegistered{}
	case EventTypeBought:
		evt = &Bought{}
	case EventTypeSold:
		evt = &Sold{}
	case EventTypeFeesWithdrawn:
		evt = &FeesWithdrawn{}
	case EventTypeFeeCollectorChanged, EventTypeRouterChanged, EventTypeQuoteAssetSet,
		EventTypeFactorySet, EventTypeOwnershipTransferred:
		evt = &AddressChanged{Kind: et}
	case EventTypeCurveParamsUpdated:
		evt = &CurveParamsUpdated{}
	case EventTypeDeposited:
		evt = &Deposited{}
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
