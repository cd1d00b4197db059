package xqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
)

func TestNewMessage(t *testing.T) {
	_, err := NewMessage("", nil)
	assert.ErrorIs(t, err, ErrInvalidTopic)

	m, err := NewMessage("orders", []byte("x"), WithID("1"), WithReference(7))
	require.NoError(t, err)
	assert.Equal(t, "1", m.ID)
	assert.Equal(t, 7, m.Reference)
	assert.NotNil(t, m.Attributes)
	assert.NotNil(t, m.Headers)
}

func TestMessage_CloneIsIndependent(t *testing.T) {
	m := &Message{
		ID:            "1",
		Topic:         "orders",
		Payload:       []byte("abc"),
		Attributes:    map[string]string{"a": "1"},
		Headers:       map[string]string{"h": "1"},
		Reference:     "token",
		ParsedPayload: "parsed",
		ProducedAt:    time.Unix(10, 0),
	}
	c := m.WithTopic("deadletter")
	c.Payload[0] = 'X'
	c.Attributes["a"] = "2"
	c.Headers["h"] = "2"

	assert.Equal(t, "deadletter", c.Topic)
	assert.Equal(t, "orders", m.Topic)
	assert.Equal(t, []byte("abc"), m.Payload)
	assert.Equal(t, "1", m.Attributes["a"])
	assert.Equal(t, "1", m.Headers["h"])
	assert.Nil(t, c.Reference)
	assert.Nil(t, c.ParsedPayload)
	assert.Equal(t, m.ProducedAt, c.ProducedAt)
}

func TestResponse(t *testing.T) {
	var zero Response
	assert.Equal(t, Ack, zero)
	for _, r := range []Response{Ack, Nack, Deadletter} {
		parsed, err := ParseResponse(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, parsed)
	}
	_, err := ParseResponse("reject")
	assert.ErrorIs(t, err, ErrUnknownResponse)
	assert.Equal(t, "response(9)", Response(9).String())
}

func TestEncodeDecode(t *testing.T) {
	type order struct {
		ID    string  `json:"id"`
		Total float64 `json:"total"`
	}
	msg, err := Encode("orders", order{ID: "o-1", Total: 9.5}, WithHeaders(map[string]string{"v": "1"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"o-1","total":9.5}`, string(msg.Payload))
	assert.Equal(t, "1", msg.Headers["v"])

	got, err := Decode[order](msg)
	require.NoError(t, err)
	assert.Equal(t, order{ID: "o-1", Total: 9.5}, got)

	_, err = Decode[order](&Message{Payload: []byte("nope")})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = Encode("orders", make(chan int))
	assert.ErrorIs(t, err, ErrPublish)
}

func TestError_Kinds(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NewConnectionError("xreadgroup", cause)
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrConsume)
	assert.Equal(t, "xqueue: connection error: xreadgroup: dial tcp: refused", err.Error())

	var qe *Error
	require.ErrorAs(t, NewConsumeError("ack", cause), &qe)
	assert.Equal(t, "ack", qe.Op)
	assert.Equal(t, ErrConsume, qe.Kind)

	for _, sentinel := range []error{ErrInvalidTopic, ErrNoRoute, ErrNoDeadletter, ErrSingleTopic, ErrNotRegistered, ErrInvalidPathPattern} {
		assert.ErrorIs(t, sentinel, ErrRouting)
	}
}

func TestInjectAll(t *testing.T) {
	ctx := context.Background()
	_, ok := LoggerFromContext(ctx)
	assert.False(t, ok)
	_, ok = ClockFromContext(ctx)
	assert.False(t, ok)

	ctx = InjectAll(ctx, nil, xclock.Default())
	_, ok = LoggerFromContext(ctx)
	assert.False(t, ok, "nil logger is not injected")
	clk, ok := ClockFromContext(ctx)
	assert.True(t, ok)
	assert.NotNil(t, clk)
}
