package types

// BatchRecord is a single message inside a cursus batch frame.
type BatchRecord struct {
	Offset     uint64
	SeqNum     uint64
	ProducerID string
	Key        string // optional: partition routing key
	Epoch      int64
	Payload    string
}

// Batch is the decoded form of a cursus batch frame.
type Batch struct {
	Topic     string
	Partition int
	Acks      string
	Records   []BatchRecord
}

// AckResponse is the JSON acknowledgement a cursus broker returns per batch.
type AckResponse struct {
	Status        string `json:"status"`
	LastOffset    uint64 `json:"last_offset"`
	ProducerEpoch int64  `json:"producer_epoch"`
	ProducerID    string `json:"producer_id"`
	SeqStart      uint64 `json:"seq_start"`
	SeqEnd        uint64 `json:"seq_end"`
	Leader        string `json:"leader,omitempty"`
	ErrorMsg      string `json:"error,omitempty"`
}
