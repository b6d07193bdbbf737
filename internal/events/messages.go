package events

import (
	"encoding/json"
	"time"
)

// TransactionEventMessage is the change notification for a committed
// transaction mutation. It carries only the ID, action and version; the
// worker re-reads the full row before exporting, so a stale message can
// never export stale data.
type TransactionEventMessage struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"` // created, updated
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTransactionEventMessage creates a change notification
func NewTransactionEventMessage(id, action string, version int64) *TransactionEventMessage {
	return &TransactionEventMessage{
		ID:        id,
		Action:    action,
		Version:   version,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *TransactionEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// TransactionEventMessageFromJSON creates a message from JSON bytes
func TransactionEventMessageFromJSON(data []byte) (*TransactionEventMessage, error) {
	var msg TransactionEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
