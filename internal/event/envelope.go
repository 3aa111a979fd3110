package event

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeBatchExecuted
	EventTypeMarketCreated
	EventTypeBreakerChanged
	EventTypeMarketResolved
	EventTypeCommitmentsExpired
)

func (et EventType) String() string {
	switch et {
	case EventTypeBatchExecuted:
		return "BatchExecuted"
	case EventTypeMarketCreated:
		return "MarketCreated"
	case EventTypeBreakerChanged:
		return "BreakerChanged"
	case EventTypeMarketResolved:
		return "MarketResolved"
	case EventTypeCommitmentsExpired:
		return "CommitmentsExpired"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, error) {
	for et := EventTypeBatchExecuted; et <= EventTypeCommitmentsExpired; et++ {
		if et.String() == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}

// Event is implemented by every record on the result stream.
type Event interface {
	EventType() EventType
	Market() string
}

// EventEnvelope wraps every event in the result log.
type EventEnvelope struct {
	// Global monotonic sequence assigned by the orchestrator
	Sequence int64 `json:"sequence"`

	EventType EventType `json:"event_type"`
	MarketID  string    `json:"market_id"`

	// BatchID is set for BatchExecuted events
	BatchID uint64 `json:"batch_id,omitempty"`

	// Scheduler time of the step that produced the event
	Timestamp time.Time `json:"timestamp"`

	// JSON-encoded event
	Payload []byte `json:"payload"`

	// SHA-256 of the market state after this event, chained to the previous
	StateHash [32]byte `json:"state_hash"`
	PrevHash  [32]byte `json:"prev_hash"`
}

// Seal encodes e into a new envelope.
func Seal(seq int64, e Event, batchID uint64, ts time.Time, prev, hash [32]byte) (*EventEnvelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.EventType(), err)
	}
	return &EventEnvelope{
		Sequence:  seq,
		EventType: e.EventType(),
		MarketID:  e.Market(),
		BatchID:   batchID,
		Timestamp: ts,
		Payload:   payload,
		StateHash: hash,
		PrevHash:  prev,
	}, nil
}

// Decode unmarshals the envelope payload into the concrete event type.
func (env *EventEnvelope) Decode() (Event, error) {
	var e Event
	switch env.EventType {
	case EventTypeBatchExecuted:
		e = &BatchResult{}
	case EventTypeMarketCreated:
		e = &MarketCreated{}
	case EventTypeBreakerChanged:
		e = &BreakerChanged{}
	case EventTypeMarketResolved:
		e = &MarketResolved{}
	case EventTypeCommitmentsExpired:
		e = &CommitmentsExpired{}
	default:
		return nil, fmt.Errorf("unknown event type %d", env.EventType)
	}
	if err := json.Unmarshal(env.Payload, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.EventType, err)
	}
	return e, nil
}
