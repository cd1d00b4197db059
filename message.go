package xqueue

import (
	"maps"
	"time"
)

// Message is the envelope handed from an adapter to the dispatch pipeline.
type Message struct {
	// ID is a broker-assigned identifier (may be empty).
	ID string
	// Topic is the queue/channel the message was published to or consumed from.
	Topic string
	// Payload is the raw message body; it is opaque except to payload-path matching.
	Payload []byte
	// Attributes carry broker metadata (priority, dedup IDs, ...).
	Attributes map[string]string
	// Headers carry application metadata.
	Headers map[string]string
	// Reference is the adapter's ack/nack handle. Only the originating adapter reads it.
	Reference any
	// ParsedPayload is a structured form of Payload attached by middleware (see ParseJSON).
	ParsedPayload any
	// ProducedAt is the production timestamp, when known.
	ProducedAt time.Time
}

// MessageOption configures a Message built with NewMessage.
type MessageOption func(*Message)

// WithAttributes sets broker attributes.
func WithAttributes(attrs map[string]string) MessageOption {
	return func(m *Message) { m.Attributes = attrs }
}

// WithHeaders sets application headers.
func WithHeaders(headers map[string]string) MessageOption {
	return func(m *Message) { m.Headers = headers }
}

// WithReference sets the adapter handle.
func WithReference(ref any) MessageOption {
	return func(m *Message) { m.Reference = ref }
}

// WithID sets the message identifier.
func WithID(id string) MessageOption {
	return func(m *Message) { m.ID = id }
}

// NewMessage builds a message for topic. The topic must not be empty.
func NewMessage(topic string, payload []byte, opts ...MessageOption) (*Message, error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	m := &Message{Topic: topic, Payload: payload}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	if m.Attributes == nil {
		m.Attributes = map[string]string{}
	}
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	return m, nil
}

// Clone returns a copy that shares nothing mutable with m. The adapter reference and
// parsed payload are dropped: a clone is a new message, not a handle on the old one.
func (m *Message) Clone() *Message {
	c := &Message{
		ID:         m.ID,
		Topic:      m.Topic,
		Attributes: maps.Clone(m.Attributes),
		Headers:    maps.Clone(m.Headers),
		ProducedAt: m.ProducedAt,
	}
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if c.Attributes == nil {
		c.Attributes = map[string]string{}
	}
	if c.Headers == nil {
		c.Headers = map[string]string{}
	}
	return c
}

// WithTopic returns a clone of m bound to topic.
func (m *Message) WithTopic(topic string) *Message {
	c := m.Clone()
	c.Topic = topic
	return c
}
