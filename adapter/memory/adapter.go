package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xqueue"
)

// Config controls memory broker behavior.
type Config struct {
	// AssignIDs instructs the broker to assign IDs for messages with empty ID (default: true).
	AssignIDs bool
	// ConsumeTimeout is how long Consume waits for a message when the caller gives no
	// timeout (default: 100ms).
	ConsumeTimeout time.Duration
}

// Defaults returns the default memory broker config.
func Defaults() Config {
	return Config{AssignIDs: true, ConsumeTimeout: 100 * time.Millisecond}
}

// ConfigFromMap converts a generic config blob to Config.
func ConfigFromMap(cfg map[string]any) Config {
	c := Defaults()
	if v, ok := cfg["assign_ids"].(bool); ok {
		c.AssignIDs = v
	}
	switch v := cfg["consume_timeout"].(type) {
	case time.Duration:
		c.ConsumeTimeout = v
	case string:
		if p, err := time.ParseDuration(v); err == nil {
			c.ConsumeTimeout = p
		}
	case float64:
		c.ConsumeTimeout = time.Duration(v)
	}
	return c
}

// Broker is an in-memory message broker implementing xqueue.Consumer,
// xqueue.Subscriber and xqueue.Publisher (dev/testing).
//
// Every topic is a FIFO queue. A consumed message is in flight until it is acked
// (removed) or nacked (re-queued at the tail, optionally after a delay).
type Broker struct {
	cfg   Config
	clock xclock.Clock

	mu       sync.Mutex
	queues   map[string][]*xqueue.Message
	inflight map[string]*xqueue.Message
	changed  chan struct{}
	subs     []subscription
	stop     chan struct{}
	stopping bool
	closed   bool

	metrics *brokerMetrics
}

type subscription struct {
	topics []string
	cb     xqueue.Handler
}

type brokerMetrics struct {
	published   atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
}

var (
	_ xqueue.Consumer   = (*Broker)(nil)
	_ xqueue.Subscriber = (*Broker)(nil)
	_ xqueue.Publisher  = (*Broker)(nil)
)

// ErrClosed is returned by every operation on a closed broker.
var ErrClosed = fmt.Errorf("%w: memory broker is closed", xqueue.ErrConnection)

// Option configures a Broker.
type Option func(*Broker)

// WithClock sets the clock used to stamp ProducedAt.
func WithClock(c xclock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// NewBroker creates an empty in-memory broker.
func NewBroker(cfg Config, opts ...Option) *Broker {
	if cfg.ConsumeTimeout <= 0 {
		cfg.ConsumeTimeout = Defaults().ConsumeTimeout
	}
	b := &Broker{
		cfg:      cfg,
		queues:   make(map[string][]*xqueue.Message),
		inflight: make(map[string]*xqueue.Message),
		changed:  make(chan struct{}),
		stop:     make(chan struct{}),
		metrics:  &brokerMetrics{},
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	if b.clock == nil {
		b.clock = xclock.Default()
	}
	return b
}

// Publish appends a copy of msg to msg.Topic.
func (b *Broker) Publish(_ context.Context, msg *xqueue.Message) error {
	if msg == nil || msg.Topic == "" {
		return xqueue.NewPublishError("publish", xqueue.ErrInvalidTopic)
	}
	m := msg.Clone()
	if b.cfg.AssignIDs && m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ProducedAt.IsZero() {
		m.ProducedAt = b.clock.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.queues[m.Topic] = append(b.queues[m.Topic], m)
	b.metrics.published.Add(1)
	b.broadcastLocked()
	return nil
}

// Consume takes up to max messages from topic, waiting up to the timeout for the
// first one. It returns an empty batch on timeout.
func (b *Broker) Consume(ctx context.Context, topic string, max int, opts xqueue.ConsumeOptions) ([]*xqueue.Message, error) {
	if max < 1 {
		max = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.cfg.ConsumeTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		if batch := b.takeLocked(topic, max); len(batch) > 0 {
			b.mu.Unlock()
			return batch, nil
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-changed:
		}
	}
}

// takeLocked moves up to max messages of topic in flight and returns their deliveries.
func (b *Broker) takeLocked(topic string, max int) []*xqueue.Message {
	q := b.queues[topic]
	n := min(max, len(q))
	if n == 0 {
		return nil
	}
	batch := make([]*xqueue.Message, 0, n)
	for _, m := range q[:n] {
		token := uuid.NewString()
		b.inflight[token] = m
		d := m.Clone()
		d.Reference = token
		batch = append(batch, d)
	}
	b.queues[topic] = q[n:]
	b.metrics.consumed.Add(uint64(n))
	return batch
}

// Ack removes an in-flight message for good.
func (b *Broker) Ack(_ context.Context, msg *xqueue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.releaseLocked(msg); err != nil {
		return err
	}
	b.metrics.acked.Add(1)
	return nil
}

// Nack returns an in-flight message to the tail of its topic, after delay if positive.
func (b *Broker) Nack(_ context.Context, msg *xqueue.Message, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, err := b.releaseLocked(msg)
	if err != nil {
		return err
	}
	b.metrics.nacked.Add(1)
	if delay <= 0 {
		b.requeueLocked(m)
		return nil
	}
	time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !b.closed {
			b.requeueLocked(m)
		}
	})
	return nil
}

func (b *Broker) requeueLocked(m *xqueue.Message) {
	b.queues[m.Topic] = append(b.queues[m.Topic], m)
	b.metrics.redelivered.Add(1)
	b.broadcastLocked()
}

func (b *Broker) releaseLocked(msg *xqueue.Message) (*xqueue.Message, error) {
	if b.closed {
		return nil, ErrClosed
	}
	token, ok := msg.Reference.(string)
	if !ok {
		return nil, xqueue.NewConsumeError("release", fmt.Errorf("message %q was not consumed from this broker", msg.ID))
	}
	m, ok := b.inflight[token]
	if !ok {
		return nil, xqueue.NewConsumeError("release", fmt.Errorf("message %q is not in flight", msg.ID))
	}
	delete(b.inflight, token)
	return m, nil
}

// broadcastLocked wakes every goroutine waiting for new messages.
func (b *Broker) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Subscribe registers cb for topics. Deliveries start when Loop runs.
func (b *Broker) Subscribe(_ context.Context, topics []string, cb xqueue.Handler) error {
	if len(topics) == 0 || cb == nil {
		return xqueue.NewConsumeError("subscribe", errors.New("topics and callback are required"))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.subs = append(b.subs, subscription{topics: append([]string(nil), topics...), cb: cb})
	return nil
}

// Loop delivers messages to subscriptions one at a time until Shutdown is called or ctx
// ends. A callback error nacks the message and ends the loop with that error.
func (b *Broker) Loop(ctx context.Context) error {
	defer func() {
		b.mu.Lock()
		if b.stopping {
			b.stopping = false
			b.stop = make(chan struct{})
		}
		b.mu.Unlock()
	}()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		stop, changed := b.stop, b.changed
		if b.stopping {
			b.mu.Unlock()
			return nil
		}
		sub, msg := b.nextLocked()
		b.mu.Unlock()

		if msg != nil {
			if err := b.deliver(ctx, sub, msg); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-changed:
		}
	}
}

// nextLocked picks the first subscription with a pending message.
func (b *Broker) nextLocked() (subscription, *xqueue.Message) {
	for _, s := range b.subs {
		for _, t := range s.topics {
			if batch := b.takeLocked(t, 1); len(batch) == 1 {
				return s, batch[0]
			}
		}
	}
	return subscription{}, nil
}

func (b *Broker) deliver(ctx context.Context, s subscription, msg *xqueue.Message) error {
	resp, err := s.cb(ctx, msg)
	if err != nil {
		if nerr := b.Nack(ctx, msg, 0); nerr != nil {
			return errors.Join(err, nerr)
		}
		return err
	}
	if resp == xqueue.Ack {
		return b.Ack(ctx, msg)
	}
	return b.Nack(ctx, msg, 0)
}

// Shutdown stops a running Loop after the current delivery.
func (b *Broker) Shutdown(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopping {
		b.stopping = true
		close(b.stop)
	}
	return nil
}

// Close drops all queued and in-flight messages and fails later calls.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.queues = make(map[string][]*xqueue.Message)
	b.inflight = make(map[string]*xqueue.Message)
	b.broadcastLocked()
	return nil
}

// Count returns the number of queued (not in-flight) messages on topic.
func (b *Broker) Count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[topic])
}

// Messages returns copies of the queued messages on topic, oldest first.
func (b *Broker) Messages(topic string) []*xqueue.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*xqueue.Message, 0, len(b.queues[topic]))
	for _, m := range b.queues[topic] {
		out = append(out, m.Clone())
	}
	return out
}

// InFlight returns the number of consumed messages awaiting ack or nack.
func (b *Broker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// Stats is a snapshot of broker counters.
type Stats struct {
	Published   uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
}

// Stats returns current broker counters.
func (b *Broker) Stats() Stats {
	return Stats{
		Published:   b.metrics.published.Load(),
		Consumed:    b.metrics.consumed.Load(),
		Acked:       b.metrics.acked.Load(),
		Nacked:      b.metrics.nacked.Load(),
		Redelivered: b.metrics.redelivered.Load(),
	}
}
