package xqueue

import "encoding/json"

// Codec decodes message payloads for handlers.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default JSON implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// Decode unmarshals msg.Payload into T as JSON.
func Decode[T any](msg *Message) (T, error) {
	return DecodeCodec[T](JSONCodec{}, msg)
}

// DecodeCodec unmarshals msg.Payload into T using c. A decode failure is an
// ErrValidation error.
func DecodeCodec[T any](c Codec, msg *Message) (T, error) {
	var v T
	if err := c.Unmarshal(msg.Payload, &v); err != nil {
		return v, NewValidationError("decode "+c.Name(), err)
	}
	return v, nil
}

// Encode builds a message for topic with v marshaled as JSON.
func Encode(topic string, v any, opts ...MessageOption) (*Message, error) {
	b, err := JSONCodec{}.Marshal(v)
	if err != nil {
		return nil, NewPublishError("encode json", err)
	}
	return NewMessage(topic, b, opts...)
}
