// Package wire implements the engine's on-the-wire NetworkMessage
// codec: deterministic JSON encoding and validating decoding, with the
// exact field names required for interop (§4.2, §6).
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType distinguishes a content message from a delivery
// acknowledgement (§3).
type MessageType string

const (
	// Text carries a user-authored message.
	Text MessageType = "TEXT"
	// Ack carries a one-hop delivery acknowledgement.
	Ack MessageType = "ACK"
)

// AckContentPrefix is prepended to the original message_id to form an
// ACK's content field (§4.5, §6).
const AckContentPrefix = "ACK:"

// NetworkMessage is the wire-only representation of a MessageRecord,
// never persisted directly. Field names are fixed and case-sensitive
// for interop (§4.2).
type NetworkMessage struct {
	MessageType   MessageType `json:"messageType"`
	MessageID     string      `json:"messageId"`
	SenderID      string      `json:"senderId"`
	RecipientID   string      `json:"recipientId"`
	Content       string      `json:"content"`
	Timestamp     int64       `json:"timestamp"`
	HopCount      int         `json:"hopCount"`
	TTL           int64       `json:"ttl"`
	Hash          string      `json:"hash"`
	Encrypted     bool        `json:"encrypted"`
	Signature     string      `json:"signature"`
	ForwarderPath string      `json:"forwarderPath"`
}

// ErrDecodeFailed wraps any reason decoding rejected a payload:
// malformed JSON or a missing/invalid required field (§4.2, §7).
var ErrDecodeFailed = errors.New("wire: decode failed")

// Encode serializes m as deterministic JSON. Given the same input it
// always produces the same bytes, since encoding/json is stable over
// struct field order.
func Encode(m *NetworkMessage) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return b, nil
}

// Decode parses bytes into a NetworkMessage and validates required
// fields: messageId, senderId, and content must be non-empty, and
// timestamp must be > 0 (§4.2).
func Decode(b []byte) (*NetworkMessage, error) {
	var m NetworkMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if m.MessageID == "" {
		return nil, fmt.Errorf("%w: missing messageId", ErrDecodeFailed)
	}
	if m.SenderID == "" {
		return nil, fmt.Errorf("%w: missing senderId", ErrDecodeFailed)
	}
	if m.Content == "" {
		return nil, fmt.Errorf("%w: missing content", ErrDecodeFailed)
	}
	if m.Timestamp <= 0 {
		return nil, fmt.Errorf("%w: non-positive timestamp", ErrDecodeFailed)
	}
	return &m, nil
}
