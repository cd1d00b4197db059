package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xqueue"
)

// Client is a RabbitMQ client implementing xqueue.Consumer, xqueue.Subscriber and
// xqueue.Publisher over a single channel.
type Client struct {
	cfg   Config
	conn  *amqp.Connection
	ch    *amqp.Channel
	clock xclock.Clock

	mu       sync.Mutex
	declared map[string]struct{}
	topics   []string
	cb       xqueue.Handler
	stop     chan struct{}
	stopping bool

	closed  atomic.Bool
	metrics *clientMetrics
}

type clientMetrics struct {
	published atomic.Uint64
	consumed  atomic.Uint64
	acked     atomic.Uint64
	nacked    atomic.Uint64
}

var (
	_ xqueue.Consumer   = (*Client)(nil)
	_ xqueue.Subscriber = (*Client)(nil)
	_ xqueue.Publisher  = (*Client)(nil)
)

// NewClient dials RabbitMQ, opens a channel and declares the exchange if configured.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xqueue.NewValidationError("rabbitmq.config", err)
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xqueue.NewConnectionError("rabbitmq.dial", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xqueue.NewConnectionError("rabbitmq.channel", err)
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, xqueue.NewConnectionError("rabbitmq.qos", err)
	}

	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeKind, cfg.Durable, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, classify("rabbitmq.exchange", xqueue.NewConsumeError, err)
		}
	}

	return &Client{
		cfg:      cfg,
		conn:     conn,
		ch:       ch,
		clock:    xclock.Default(),
		declared: make(map[string]struct{}),
		stop:     make(chan struct{}),
		metrics:  &clientMetrics{},
	}, nil
}

// declare idempotently sets up the queue for topic and its binding.
func (c *Client) declare(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.declared[topic]; ok {
		return nil
	}

	if _, err := c.ch.QueueDeclare(topic, c.cfg.Durable, false, false, false, nil); err != nil {
		return classify("rabbitmq.declare", xqueue.NewConsumeError, fmt.Errorf("declare queue: %w", err))
	}
	if c.cfg.Exchange != "" {
		if err := c.ch.QueueBind(topic, topic, c.cfg.Exchange, false, nil); err != nil {
			return classify("rabbitmq.declare", xqueue.NewConsumeError, fmt.Errorf("bind queue: %w", err))
		}
	}
	c.declared[topic] = struct{}{}
	return nil
}

// Publish sends msg to the queue named by msg.Topic. Messages without an ID get one.
func (c *Client) Publish(ctx context.Context, msg *xqueue.Message) error {
	if msg == nil || msg.Topic == "" {
		return xqueue.NewPublishError("rabbitmq.publish", xqueue.ErrInvalidTopic)
	}
	if err := c.declare(msg.Topic); err != nil {
		return err
	}

	m := msg.Clone()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ProducedAt.IsZero() {
		m.ProducedAt = c.clock.Now()
	}

	err := c.ch.PublishWithContext(
		ctx,
		c.cfg.Exchange,
		m.Topic,
		false, // mandatory
		false, // immediate
		publishing(m, c.cfg.Persistent),
	)
	if err != nil {
		return classify("rabbitmq.publish", xqueue.NewPublishError, err)
	}
	c.metrics.published.Add(1)
	return nil
}

// Consume takes up to max messages from topic with basic.get, polling until the first
// one arrives or the timeout passes. It returns an empty batch on timeout.
func (c *Client) Consume(ctx context.Context, topic string, max int, opts xqueue.ConsumeOptions) ([]*xqueue.Message, error) {
	if max < 1 {
		max = 1
	}
	if err := c.declare(topic); err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.ConsumeTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		batch, err := c.take(topic, max)
		if err != nil || len(batch) > 0 {
			return batch, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Client) take(topic string, max int) ([]*xqueue.Message, error) {
	var batch []*xqueue.Message
	for len(batch) < max {
		d, ok, err := c.ch.Get(topic, false)
		if err != nil {
			return batch, classify("rabbitmq.consume", xqueue.NewConsumeError, err)
		}
		if !ok {
			break
		}
		batch = append(batch, decode(topic, d))
	}
	c.metrics.consumed.Add(uint64(len(batch)))
	return batch, nil
}

// Ack acknowledges a message taken by Consume or delivered by Loop.
func (c *Client) Ack(_ context.Context, msg *xqueue.Message) error {
	ref, err := reference(msg)
	if err != nil {
		return err
	}
	if err := c.ch.Ack(ref.tag, false); err != nil {
		return classify("rabbitmq.ack", xqueue.NewConsumeError, err)
	}
	c.metrics.acked.Add(1)
	return nil
}

// Nack requeues a message, after delay if positive. A delayed message stays unacked on
// the channel until then.
func (c *Client) Nack(_ context.Context, msg *xqueue.Message, delay time.Duration) error {
	ref, err := reference(msg)
	if err != nil {
		return err
	}
	c.metrics.nacked.Add(1)
	if delay > 0 {
		time.AfterFunc(delay, func() {
			if !c.closed.Load() {
				_ = c.ch.Nack(ref.tag, false, true)
			}
		})
		return nil
	}
	if err := c.ch.Nack(ref.tag, false, true); err != nil {
		return classify("rabbitmq.nack", xqueue.NewConsumeError, err)
	}
	return nil
}

func reference(msg *xqueue.Message) (delivery, error) {
	if msg == nil {
		return delivery{}, xqueue.NewConsumeError("rabbitmq.reference", errors.New("nil message"))
	}
	ref, ok := msg.Reference.(delivery)
	if !ok {
		return delivery{}, xqueue.NewConsumeError("rabbitmq.reference",
			fmt.Errorf("message %q was not taken from a rabbitmq queue", msg.ID))
	}
	return ref, nil
}

// Subscribe registers cb for topics and declares their queues. Deliveries start when
// Loop runs.
func (c *Client) Subscribe(_ context.Context, topics []string, cb xqueue.Handler) error {
	if len(topics) == 0 || cb == nil {
		return xqueue.NewConsumeError("rabbitmq.subscribe", errors.New("topics and callback are required"))
	}
	for _, t := range topics {
		if err := c.declare(t); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topics...)
	c.cb = cb
	return nil
}

type inbound struct {
	topic string
	d     amqp.Delivery
}

// Loop starts a basic.consume per subscribed queue and hands deliveries to the callback
// one at a time until Shutdown is called or ctx ends. Deliveries still buffered when the
// loop stops are requeued. A callback error nacks the message and ends the loop.
func (c *Client) Loop(ctx context.Context) error {
	c.mu.Lock()
	if c.cb == nil {
		c.mu.Unlock()
		return xqueue.NewConsumeError("rabbitmq.loop", errors.New("no subscription"))
	}
	topics, cb, stop := append([]string(nil), c.topics...), c.cb, c.stop
	c.mu.Unlock()

	merged := make(chan inbound)
	var wg sync.WaitGroup
	tags := make([]string, 0, len(topics))
	for _, t := range topics {
		tag := "xqueue-" + uuid.NewString()
		deliveries, err := c.ch.Consume(t, tag, false, false, false, false, nil)
		if err != nil {
			c.cancel(tags)
			return classify("rabbitmq.loop", xqueue.NewConsumeError, err)
		}
		tags = append(tags, tag)

		wg.Add(1)
		go func(topic string, deliveries <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range deliveries {
				merged <- inbound{topic: topic, d: d}
			}
		}(t, deliveries)
	}

	defer func() {
		c.cancel(tags)
		go func() {
			wg.Wait()
			close(merged)
		}()
		for in := range merged {
			_ = c.ch.Nack(in.d.DeliveryTag, false, true)
		}

		c.mu.Lock()
		if c.stopping {
			c.stopping = false
			c.stop = make(chan struct{})
		}
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case in := <-merged:
			c.metrics.consumed.Add(1)
			if err := c.deliver(ctx, cb, decode(in.topic, in.d)); err != nil {
				return err
			}
		}
	}
}

func (c *Client) cancel(tags []string) {
	for _, tag := range tags {
		_ = c.ch.Cancel(tag, false)
	}
}

func (c *Client) deliver(ctx context.Context, cb xqueue.Handler, msg *xqueue.Message) error {
	dctx := context.WithoutCancel(ctx)
	resp, err := cb(ctx, msg)
	if err != nil {
		if nerr := c.Nack(dctx, msg, 0); nerr != nil {
			return errors.Join(err, nerr)
		}
		return err
	}
	if resp == xqueue.Ack {
		return c.Ack(dctx, msg)
	}
	return c.Nack(dctx, msg, 0)
}

// Shutdown stops a running Loop after the current delivery.
func (c *Client) Shutdown(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopping {
		c.stopping = true
		close(c.stop)
	}
	return nil
}

// Close cleanly shuts down the channel and connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return errors.Join(c.ch.Close(), c.conn.Close())
}

// Stats is a snapshot of client counters.
type Stats struct {
	Published uint64
	Consumed  uint64
	Acked     uint64
	Nacked    uint64
}

// Stats returns current client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Published: c.metrics.published.Load(),
		Consumed:  c.metrics.consumed.Load(),
		Acked:     c.metrics.acked.Load(),
		Nacked:    c.metrics.nacked.Load(),
	}
}

// classify reports closed channels and network failures as connection errors and
// everything else with kind.
func classify(op string, kind func(op string, err error) error, err error) error {
	var netErr net.Error
	if errors.Is(err, amqp.ErrClosed) || errors.As(err, &netErr) {
		return xqueue.NewConnectionError(op, err)
	}
	return kind(op, err)
}
