package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xqueue"
)

// Client is a Redis Streams client implementing xqueue.Consumer, xqueue.Subscriber
// and xqueue.Publisher. Each topic is a stream read through one consumer group.
type Client struct {
	cfg Config
	rdb *redis.Client

	groups sync.Map // stream -> struct{}
	closed atomic.Bool

	mu         sync.Mutex
	topics     []string
	cb         xqueue.Handler
	stopping   bool
	cancelRead context.CancelFunc

	metrics *clientMetrics
}

// clientMetrics tracks performance telemetry
type clientMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	claimed       atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var (
	_ xqueue.Consumer   = (*Client)(nil)
	_ xqueue.Subscriber = (*Client)(nil)
	_ xqueue.Publisher  = (*Client)(nil)
)

// NewClient validates cfg, connects and pings Redis.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xqueue.NewValidationError("redisstream.config", err)
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	rdb := redis.NewClient(opts)
	if err := ping(rdb); err != nil {
		_ = rdb.Close()
		return nil, xqueue.NewConnectionError("redisstream.ping", err)
	}

	return &Client{cfg: cfg, rdb: rdb, metrics: &clientMetrics{}}, nil
}

// Redis exposes the underlying go-redis client.
func (c *Client) Redis() *redis.Client { return c.rdb }

// Publish appends msg to the stream named by msg.Topic using XADD.
func (c *Client) Publish(ctx context.Context, msg *xqueue.Message) error {
	if msg == nil || msg.Topic == "" {
		return xqueue.NewPublishError("redisstream.publish", xqueue.ErrInvalidTopic)
	}
	if c.closed.Load() {
		return xqueue.NewConnectionError("redisstream.publish", redis.ErrClosed)
	}

	if err := c.rdb.XAdd(ctx, c.addArgs(msg.Topic, msg)).Err(); err != nil {
		c.metrics.publishErrors.Add(1)
		return classify("redisstream.publish", xqueue.NewPublishError, err)
	}

	c.metrics.published.Add(1)
	return nil
}

func (c *Client) addArgs(stream string, msg *xqueue.Message) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*", // Let Redis generate ID
		Values: encodeMessage(msg),
	}
	// Approximate trimming to keep stream bounded
	if c.cfg.MaxLenApprox > 0 {
		args.MaxLen = c.cfg.MaxLenApprox
		args.Approx = true
	}
	return args
}

// Consume reads up to max entries of topic for this consumer. Pending entries idle for
// longer than ClaimMinIdle are reclaimed first. An empty batch means the block timed out.
func (c *Client) Consume(ctx context.Context, topic string, max int, opts xqueue.ConsumeOptions) ([]*xqueue.Message, error) {
	if c.closed.Load() {
		return nil, xqueue.NewConnectionError("redisstream.consume", redis.ErrClosed)
	}
	if max < 1 {
		max = 1
	}
	if err := c.ensureGroup(ctx, topic); err != nil {
		return nil, err
	}

	if claimed, err := c.claim(ctx, topic, max); err != nil {
		return nil, err
	} else if len(claimed) > 0 {
		return claimed, nil
	}

	block := opts.Timeout
	if block <= 0 {
		block = c.cfg.Block
	}
	return c.read(ctx, []string{topic}, max, block)
}

func (c *Client) read(ctx context.Context, topics []string, count int, block time.Duration) ([]*xqueue.Message, error) {
	streams := make([]string, 0, 2*len(topics))
	streams = append(streams, topics...)
	for range topics {
		streams = append(streams, ">")
	}

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  streams,
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Block timeout (expected)
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.metrics.consumeErrors.Add(1)
		return nil, classify("redisstream.consume", xqueue.NewConsumeError, err)
	}

	var out []*xqueue.Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, decodeMessage(s.Stream, m.ID, m.Values))
		}
	}
	c.metrics.consumed.Add(uint64(len(out)))
	return out, nil
}

// claim takes over entries that stayed pending for at least ClaimMinIdle, whether left
// by a crashed consumer or by a delayed Nack.
func (c *Client) claim(ctx context.Context, topic string, max int) ([]*xqueue.Message, error) {
	if c.cfg.ClaimMinIdle <= 0 {
		return nil, nil
	}

	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  c.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  int64(min(max, c.cfg.ClaimBatch)),
		Idle:   c.cfg.ClaimMinIdle,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.metrics.consumeErrors.Add(1)
		return nil, classify("redisstream.claim", xqueue.NewConsumeError, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	msgs, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   topic,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.metrics.consumeErrors.Add(1)
		return nil, classify("redisstream.claim", xqueue.NewConsumeError, err)
	}

	out := make([]*xqueue.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, decodeMessage(topic, m.ID, m.Values))
	}
	c.metrics.claimed.Add(uint64(len(out)))
	c.metrics.consumed.Add(uint64(len(out)))
	return out, nil
}

// ensureGroup creates the consumer group (and stream) once per topic.
func (c *Client) ensureGroup(ctx context.Context, topic string) error {
	if !c.cfg.AutoCreate {
		return nil
	}
	if _, ok := c.groups.Load(topic); ok {
		return nil
	}
	err := c.rdb.XGroupCreateMkStream(ctx, topic, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return classify("redisstream.group", xqueue.NewConsumeError, err)
	}
	c.groups.Store(topic, struct{}{})
	return nil
}

// Ack acknowledges msg with XACK, deleting the entry when AutoDeleteOnAck is set.
func (c *Client) Ack(ctx context.Context, msg *xqueue.Message) error {
	ref, err := reference(msg)
	if err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, ref.stream, c.cfg.Group, ref.id)
		if c.cfg.AutoDeleteOnAck {
			p.XDel(ctx, ref.stream, ref.id)
		}
		return nil
	})
	if err != nil {
		return classify("redisstream.ack", xqueue.NewConsumeError, err)
	}

	c.metrics.acked.Add(1)
	return nil
}

// Nack returns msg to its stream. Without a delay the entry is re-added at the tail and
// the original acknowledged. With a delay and reclaiming enabled the entry is left
// pending and redelivered by claim once idle for ClaimMinIdle.
func (c *Client) Nack(ctx context.Context, msg *xqueue.Message, delay time.Duration) error {
	ref, err := reference(msg)
	if err != nil {
		return err
	}

	if delay > 0 && c.cfg.ClaimMinIdle > 0 {
		c.metrics.nacked.Add(1)
		return nil
	}

	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, c.addArgs(ref.stream, msg))
		p.XAck(ctx, ref.stream, c.cfg.Group, ref.id)
		p.XDel(ctx, ref.stream, ref.id)
		return nil
	})
	if err != nil {
		return classify("redisstream.nack", xqueue.NewConsumeError, err)
	}

	c.metrics.nacked.Add(1)
	return nil
}

func reference(msg *xqueue.Message) (entry, error) {
	if msg == nil {
		return entry{}, xqueue.NewConsumeError("redisstream.reference", errors.New("nil message"))
	}
	ref, ok := msg.Reference.(entry)
	if !ok {
		return entry{}, xqueue.NewConsumeError("redisstream.reference",
			fmt.Errorf("message %q was not read from a redis stream", msg.ID))
	}
	return ref, nil
}

// Subscribe registers cb for topics and creates their consumer groups. Deliveries start
// when Loop runs.
func (c *Client) Subscribe(ctx context.Context, topics []string, cb xqueue.Handler) error {
	if len(topics) == 0 || cb == nil {
		return xqueue.NewConsumeError("redisstream.subscribe", errors.New("topics and callback are required"))
	}
	for _, t := range topics {
		if err := c.ensureGroup(ctx, t); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topics...)
	c.cb = cb
	return nil
}

// Loop reads the subscribed streams and hands each entry to the callback, one at a
// time, until Shutdown is called or ctx ends. A batch already read is always finished.
// A callback error nacks the entry and ends the loop with that error. Read and claim
// failures are retried with backoff unless the Redis client has been closed.
func (c *Client) Loop(ctx context.Context) error {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.cb == nil {
		c.mu.Unlock()
		return xqueue.NewConsumeError("redisstream.loop", errors.New("no subscription"))
	}
	topics, cb := append([]string(nil), c.topics...), c.cb
	c.cancelRead = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.stopping = false
		c.cancelRead = nil
		c.mu.Unlock()
	}()

	backoff := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		if c.isStopping() {
			return nil
		}

		batch, err := c.poll(readCtx, topics)
		if err != nil {
			if c.isStopping() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A closed client never recovers.
			if errors.Is(err, redis.ErrClosed) {
				return err
			}
			// Transient error: exponential backoff
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		backoff = 100 * time.Millisecond

		for _, msg := range batch {
			if err := c.deliver(ctx, cb, msg); err != nil {
				return err
			}
		}
	}
}

// poll returns reclaimed pending entries of any topic or, when there are none, new ones.
func (c *Client) poll(ctx context.Context, topics []string) ([]*xqueue.Message, error) {
	var batch []*xqueue.Message
	for _, t := range topics {
		claimed, err := c.claim(ctx, t, c.cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		batch = append(batch, claimed...)
	}
	if len(batch) > 0 {
		return batch, nil
	}
	return c.read(ctx, topics, c.cfg.BatchSize, c.cfg.Block)
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

func (c *Client) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// Shutdown stops a running Loop after the batch in hand. A blocked read is interrupted.
func (c *Client) Shutdown(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopping = true
	if c.cancelRead != nil {
		c.cancelRead()
	}
	return nil
}

// Close releases the Redis connection pool.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}
	return c.rdb.Close()
}

// Stats is a snapshot of client counters.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	Claimed       uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

// Stats returns current client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Published:     c.metrics.published.Load(),
		Consumed:      c.metrics.consumed.Load(),
		Acked:         c.metrics.acked.Load(),
		Nacked:        c.metrics.nacked.Load(),
		Claimed:       c.metrics.claimed.Load(),
		PublishErrors: c.metrics.publishErrors.Load(),
		ConsumeErrors: c.metrics.consumeErrors.Load(),
	}
}

// Helper functions

// classify reports network failures as connection errors and everything else with kind.
func classify(op string, kind func(op string, err error) error, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return xqueue.NewConnectionError(op, err)
	}
	return kind(op, err)
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}
