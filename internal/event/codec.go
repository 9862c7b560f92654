package event

import (
	"encoding/json"
	"fmt"
)

// MarshalPayload encodes an event payload for the envelope and the log.
func MarshalPayload(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.EventType(), err)
	}
	return data, nil
}

// UnmarshalPayload decodes a logged payload back into its typed event.
// Used by replay and by projection rebuild.
func UnmarshalPayload(et EventType, data []byte) (Event, error) {
	var e Event
	switch et {
	case EventTypeRequestSubmitted:
		e = &RequestSubmitted{}
	case EventTypeRequestCancelled:
		e = &RequestCancelled{}
	case EventTypeRequestRolledOver:
		e = &RequestRolledOver{}
	case EventTypeEpochClosed:
		e = &EpochClosed{}
	case EventTypeEpochProcessed:
		e = &EpochProcessed{}
	case EventTypeClaimSettled:
		e = &ClaimSettled{}
	case EventTypeQueueModeChanged:
		e = &QueueModeChanged{}
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}

	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", et, err)
	}
	return e, nil
}
