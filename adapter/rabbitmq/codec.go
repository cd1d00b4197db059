package rabbitmq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/trickstertwo/xqueue"
)

const attrPrefix = "attr:"

// delivery is the Message.Reference of messages taken from a queue.
type delivery struct {
	tag uint64
}

// publishing maps msg onto an AMQP publishing. Headers travel as-is, attributes are
// prefixed so they can be told apart on the way back.
func publishing(msg *xqueue.Message, persistent bool) amqp.Publishing {
	table := make(amqp.Table, len(msg.Headers)+len(msg.Attributes))
	for k, v := range msg.Headers {
		table[k] = v
	}
	for k, v := range msg.Attributes {
		table[attrPrefix+k] = v
	}

	p := amqp.Publishing{
		Headers:     table,
		ContentType: "application/octet-stream",
		MessageId:   msg.ID,
		Timestamp:   msg.ProducedAt,
		Body:        msg.Payload,
	}
	if ct, ok := msg.Headers["content-type"]; ok {
		p.ContentType = ct
	}
	if persistent {
		p.DeliveryMode = amqp.Persistent
	}
	return p
}

// decode turns a delivery from queue into a Message referencing its delivery tag.
func decode(queue string, d amqp.Delivery) *xqueue.Message {
	msg := &xqueue.Message{
		ID:         d.MessageId,
		Topic:      queue,
		Payload:    d.Body,
		Attributes: make(map[string]string),
		Headers:    make(map[string]string),
		Reference:  delivery{tag: d.DeliveryTag},
		ProducedAt: d.Timestamp,
	}
	for k, v := range d.Headers {
		s := asString(v)
		if name, ok := strings.CutPrefix(k, attrPrefix); ok {
			msg.Attributes[name] = s
			continue
		}
		msg.Headers[k] = s
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}
