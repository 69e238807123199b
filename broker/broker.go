package broker

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrClosed = errors.New("broker is closed")

// Message is the envelope carried on every pub/sub channel.
type Message struct {
	Channel  string          `json:"channel"`
	ServerID string          `json:"server_id"` // instance that published the message
	Key      string          `json:"key,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// MarshalBinary implements the encoding.BinaryMarshaler interface for Redis.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface for Redis.
func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

// MessageBroker is a best-effort broadcast transport shared by all instances.
// Every subscriber on a channel receives every message published after it
// subscribed; per-channel order is preserved for a single subscriber.
type MessageBroker interface {
	Publish(ctx context.Context, channel string, message Message) error
	// Subscribe delivers messages until ctx is cancelled, then closes the channel.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Type() string
	Close() error
}
