package redisstream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/trickstertwo/xqueue"
)

// entry is the Message.Reference of messages read from a stream.
type entry struct {
	stream string
	id     string
}

// encodeMessage flattens msg into XADD values.
func encodeMessage(msg *xqueue.Message) map[string]any {
	// Pre-size map to reduce rehashing: id, payload, producedAt + attributes + headers
	vals := make(map[string]any, 3+len(msg.Attributes)+len(msg.Headers))
	if msg.ID != "" {
		vals[fieldID] = msg.ID
	}
	vals[fieldPayload] = msg.Payload
	if !msg.ProducedAt.IsZero() {
		vals[fieldProducedAt] = msg.ProducedAt.UnixNano()
	}
	for k, v := range msg.Attributes {
		vals[fieldAttrPrefix+k] = v
	}
	for k, v := range msg.Headers {
		vals[fieldHeaderPrefix+k] = v
	}
	return vals
}

// decodeMessage reconstructs a Message from a stream entry.
func decodeMessage(stream, id string, vals map[string]any) *xqueue.Message {
	msg := &xqueue.Message{
		ID:         id,
		Topic:      stream,
		Attributes: make(map[string]string),
		Headers:    make(map[string]string),
		Reference:  entry{stream: stream, id: id},
	}

	if v, ok := vals[fieldID]; ok {
		msg.ID = asString(v)
	}

	if v, ok := vals[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			msg.Payload = p
		case string:
			msg.Payload = []byte(p)
		}
	}

	if pa := vals[fieldProducedAt]; pa != nil {
		if ns, ok := toInt64(pa); ok && ns > 0 {
			msg.ProducedAt = time.Unix(0, ns)
		}
	}

	for k, v := range vals {
		switch {
		case strings.HasPrefix(k, fieldAttrPrefix):
			msg.Attributes[strings.TrimPrefix(k, fieldAttrPrefix)] = asString(v)
		case strings.HasPrefix(k, fieldHeaderPrefix):
			msg.Headers[strings.TrimPrefix(k, fieldHeaderPrefix)] = asString(v)
		}
	}

	return msg
}

// Helper functions for type conversion

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		// Try integer parsing first (faster)
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		// Fall back to float parsing for scientific notation
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
