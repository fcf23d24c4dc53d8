package inventory

import "time"

type EventType string

const (
	EventModelRegistered EventType = "model_registered"
	EventCarRegistered   EventType = "car_registered"
	EventSaleExecuted    EventType = "sale_executed"
	EventSaleReverted    EventType = "sale_reverted"
	EventCarRekeyed      EventType = "car_rekeyed"
)

// Event describes a committed ledger change. Key is the partition key used
// when the event is published; Attributes hold scalar values only.
type Event struct {
	Type       EventType
	Key        string
	At         time.Time
	Attributes map[string]any
}
