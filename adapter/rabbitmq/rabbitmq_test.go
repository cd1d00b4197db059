package rabbitmq

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xqueue"
)

// testClient returns a connected Client, skipping unless XQUEUE_AMQP_URL is set.
func testClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("XQUEUE_AMQP_URL")
	if url == "" {
		t.Skip("XQUEUE_AMQP_URL not set")
	}
	cfg := Defaults()
	cfg.URL = url
	cfg.Durable = false
	cfg.Persistent = false

	c, err := NewClient(cfg)
	if err != nil {
		t.Skipf("RabbitMQ not available: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testQueue(t *testing.T, c *Client) string {
	t.Helper()
	q := "xqueue-test-" + uuid.NewString()
	t.Cleanup(func() { _, _ = c.ch.QueueDelete(q, false, false, false) })
	return q
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, Defaults().Validate())

	cfg := Defaults()
	cfg.URL = ""
	assert.ErrorContains(t, cfg.Validate(), "url")

	cfg = Defaults()
	cfg.Prefetch = 0
	assert.ErrorContains(t, cfg.Validate(), "prefetch")

	cfg = Defaults()
	cfg.Exchange = "events"
	cfg.ExchangeKind = ""
	assert.ErrorContains(t, cfg.Validate(), "exchange_kind")
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"url":           "amqp://u:p@mq:5672/",
		"exchange":      "events",
		"exchange_kind": "topic",
		"durable":       false,
		"prefetch":      8,
		"poll_interval": "10ms",
	})
	assert.Equal(t, "amqp://u:p@mq:5672/", cfg.URL)
	assert.Equal(t, "events", cfg.Exchange)
	assert.Equal(t, "topic", cfg.ExchangeKind)
	assert.False(t, cfg.Durable)
	assert.Equal(t, 8, cfg.Prefetch)
	assert.Equal(t, 10*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, time.Second, cfg.ConsumeTimeout)
}

func TestPublishingDecode_SplitsHeadersAndAttributes(t *testing.T) {
	produced := time.Unix(1700000000, 0)
	msg := &xqueue.Message{
		ID:         "m-1",
		Topic:      "orders",
		Payload:    []byte(`{"total":10}`),
		Attributes: map[string]string{"region": "eu"},
		Headers:    map[string]string{"trace": "abc", "content-type": "application/json"},
		ProducedAt: produced,
	}

	p := publishing(msg, true)
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.Equal(t, "application/json", p.ContentType)
	assert.Equal(t, "eu", p.Headers["attr:region"])

	got := decode("orders", amqp.Delivery{
		Headers:     p.Headers,
		MessageId:   p.MessageId,
		Timestamp:   p.Timestamp,
		Body:        p.Body,
		DeliveryTag: 7,
	})
	assert.Equal(t, "m-1", got.ID)
	assert.Equal(t, "orders", got.Topic)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, msg.Attributes, got.Attributes)
	assert.Equal(t, msg.Headers, got.Headers)
	assert.True(t, produced.Equal(got.ProducedAt))
	assert.Equal(t, delivery{tag: 7}, got.Reference)
}

func TestReference_RejectsForeignMessage(t *testing.T) {
	_, err := reference(&xqueue.Message{ID: "x", Reference: "token"})
	assert.ErrorIs(t, err, xqueue.ErrConsume)
}

func TestNewClient_InvalidConfig(t *testing.T) {
	cfg := Defaults()
	cfg.URL = ""
	_, err := NewClient(cfg)
	assert.ErrorIs(t, err, xqueue.ErrValidation)
}

func TestPublishConsumeAck(t *testing.T) {
	c := testClient(t)
	q := testQueue(t, c)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg, err := xqueue.NewMessage(q, []byte("hello"), xqueue.WithHeaders(map[string]string{"trace": "t1"}))
	require.NoError(t, err)
	require.NoError(t, c.Publish(ctx, msg))

	batch, err := c.Consume(ctx, q, 10, xqueue.ConsumeOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, []byte("hello"), batch[0].Payload)
	assert.Equal(t, "t1", batch[0].Headers["trace"])
	assert.NotEmpty(t, batch[0].ID)
	require.NoError(t, c.Ack(ctx, batch[0]))

	empty, err := c.Consume(ctx, q, 1, xqueue.ConsumeOptions{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNack_Requeues(t *testing.T) {
	c := testClient(t)
	q := testQueue(t, c)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg, err := xqueue.NewMessage(q, []byte("again"))
	require.NoError(t, err)
	require.NoError(t, c.Publish(ctx, msg))

	batch, err := c.Consume(ctx, q, 1, xqueue.ConsumeOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, c.Nack(ctx, batch[0], 0))

	again, err := c.Consume(ctx, q, 1, xqueue.ConsumeOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, batch[0].ID, again[0].ID)
	require.NoError(t, c.Ack(ctx, again[0]))
}

func TestSubscribeLoop_DeliversUntilShutdown(t *testing.T) {
	c := testClient(t)
	q := testQueue(t, c)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const total = 3
	var seen atomic.Int32
	done := make(chan struct{})
	require.NoError(t, c.Subscribe(ctx, []string{q}, func(_ context.Context, _ *xqueue.Message) (xqueue.Response, error) {
		if seen.Add(1) == total {
			close(done)
		}
		return xqueue.Ack, nil
	}))
	for i := 0; i < total; i++ {
		msg, err := xqueue.NewMessage(q, []byte("m"))
		require.NoError(t, err)
		require.NoError(t, c.Publish(ctx, msg))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Loop(ctx) }()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for deliveries")
	}
	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, <-errCh)
	assert.Equal(t, int32(total), seen.Load())
}
