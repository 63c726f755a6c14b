package types

import "time"

// Message is one item drawn from a source. ID must be unique within a run.
type Message struct {
	ID      string
	Payload any
}

// Header is a single ordered name/value pair attached to a wire message.
type Header struct {
	Name  string
	Value []byte
}

// WireMessage is the broker-facing form of a Message. A nil Key means no key.
type WireMessage struct {
	Key     []byte
	Value   []byte
	Headers []Header
}

// DeliveryRecord marks a confirmed successful publish.
type DeliveryRecord struct {
	MessageID   string    `json:"message_id"`
	CompletedAt time.Time `json:"produced_at"`
}

// NewDeliveryRecord stamps id with the given completion time in UTC.
func NewDeliveryRecord(id string, at time.Time) DeliveryRecord {
	return DeliveryRecord{MessageID: id, CompletedAt: at.UTC()}
}

// RateWindow is the per-worker integer-second counter.
type RateWindow struct {
	Second int64
	Count  int
}
