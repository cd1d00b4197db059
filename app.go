package xqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// State is the application lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Source is the message source an App runs against: exactly one of ConsumerSource
// (pull) or SubscriberSource (push), fixed at construction.
type Source interface {
	isSource()
}

// ConsumerSource selects the pull strategy.
type ConsumerSource struct{ Consumer Consumer }

// SubscriberSource selects the push strategy.
type SubscriberSource struct{ Subscriber Subscriber }

func (ConsumerSource) isSource()   {}
func (SubscriberSource) isSource() {}

// Metrics is a snapshot of application counters.
type Metrics struct {
	Consumed            uint64
	Acked               uint64
	Nacked              uint64
	Deadlettered        uint64
	Errors              uint64
	AvgProcessingTimeMs float64
}

// appMetrics uses lock-free atomics so observers and probes can read while listening.
type appMetrics struct {
	consumed     atomic.Uint64
	acked        atomic.Uint64
	nacked       atomic.Uint64
	deadletters  atomic.Uint64
	errors       atomic.Uint64
	processingNs atomic.Int64
}

// App owns the consume -> dispatch -> disposition cycle.
//
// The loop is single-threaded: handlers run on the goroutine that called Listen and each
// message is fully disposed of before the next one is dispatched. Shutdown only takes
// effect between messages.
type App struct {
	source        Source
	pipeline      Handler
	deadletter    Publisher
	deadletterTo  string
	cfg           Config
	logger        *xlog.Logger
	clock         xclock.Clock
	observers     []Observer
	metrics       *appMetrics
	state         atomic.Int32
	mu            sync.Mutex
	cancelConsume context.CancelFunc
}

// State returns the current lifecycle state.
func (a *App) State() State { return State(a.state.Load()) }

// Listen runs the loop until shutdown (Shutdown, a configured signal, or cancellation of
// ctx) or until an adapter/handler error, which is returned unchanged.
//
// With a ConsumerSource exactly one topic is accepted. With a SubscriberSource the
// pipeline is subscribed to every topic and the subscriber's Loop drives delivery.
func (a *App) Listen(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return ErrInvalidTopic
	}
	for _, t := range topics {
		if t == "" {
			return ErrInvalidTopic
		}
	}
	if _, pull := a.source.(ConsumerSource); pull && len(topics) > 1 {
		return fmt.Errorf("%w: got %d topics", ErrSingleTopic, len(topics))
	}
	if !a.state.CompareAndSwap(int32(StateIdle), int32(StateListening)) &&
		!a.state.CompareAndSwap(int32(StateStopped), int32(StateListening)) {
		return ErrAlreadyListening
	}
	defer a.state.Store(int32(StateStopped))

	consumeCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelConsume = cancel
	a.mu.Unlock()
	defer cancel()

	stopSignals := notifySignals(a.cfg.Signals, func(sig os.Signal) {
		_ = a.shutdown(context.Background(), sig.String())
	})
	defer stopSignals()
	stopCtxWatch := context.AfterFunc(ctx, func() {
		_ = a.shutdown(context.Background(), "context")
	})
	defer stopCtxWatch()

	hctx := InjectAll(ctx, a.logger, a.clock)
	for _, t := range topics {
		a.notify(Event{Type: ListenStart, Topic: t})
	}

	var err error
	switch src := a.source.(type) {
	case ConsumerSource:
		err = a.pull(hctx, consumeCtx, src.Consumer, topics[0])
	case SubscriberSource:
		err = a.push(hctx, src.Subscriber, topics)
	default:
		err = ErrNoSource
	}
	if err != nil {
		a.metrics.errors.Add(1)
		a.notify(Event{Type: ErrorEvent, Topic: topics[0], Err: err})
	}
	a.notify(Event{Type: ListenStopped, Topic: topics[0], Err: err})
	return err
}

// Shutdown requests a graceful stop. It is a no-op unless the app is listening. In pull
// mode the current batch is disposed of before Listen returns; in push mode the request
// is forwarded to the subscriber.
func (a *App) Shutdown(ctx context.Context) error {
	return a.shutdown(ctx, "shutdown")
}

func (a *App) shutdown(ctx context.Context, reason string) error {
	if !a.state.CompareAndSwap(int32(StateListening), int32(StateDraining)) {
		return nil
	}
	a.mu.Lock()
	cancel := a.cancelConsume
	a.mu.Unlock()

	a.notify(Event{Type: ShutdownEvent, Reason: reason})

	switch src := a.source.(type) {
	case ConsumerSource:
		if cancel != nil {
			cancel()
		}
	case SubscriberSource:
		if err := src.Subscriber.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}

// pull polls the consumer until shutdown. consumeCtx is cancelled by shutdown so that
// a blocking Consume returns early; dispositions use ctx and are never interrupted.
func (a *App) pull(ctx, consumeCtx context.Context, c Consumer, topic string) error {
	opts := ConsumeOptions{Timeout: a.cfg.PollTimeout, Extra: a.cfg.Options}
	for a.State() == StateListening {
		msgs, err := c.Consume(consumeCtx, topic, a.cfg.MaxMessages, opts)
		if err != nil {
			if consumeCtx.Err() != nil && isContextErr(err) {
				return nil
			}
			return err
		}
		for _, msg := range msgs {
			if err := a.process(ctx, c, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// process dispatches one message and disposes of it.
func (a *App) process(ctx context.Context, c Consumer, msg *Message) error {
	resp, err := a.dispatch(ctx, msg)
	if err != nil {
		return err
	}

	dctx, cancel := a.dispositionContext(ctx)
	defer cancel()

	switch resp {
	case Ack:
		if err := c.Ack(dctx, msg); err != nil {
			return err
		}
		a.metrics.acked.Add(1)
		a.notify(Event{Type: AckEvent, Topic: msg.Topic, MessageID: msg.ID})
		return nil
	case Nack:
		return a.nack(dctx, c, msg, nil)
	case Deadletter:
		if a.deadletter == nil {
			if err := a.nack(dctx, c, msg, ErrNoDeadletter); err != nil {
				return errors.Join(ErrNoDeadletter, err)
			}
			return fmt.Errorf("%w: topic %q", ErrNoDeadletter, msg.Topic)
		}
		if err := a.publishDeadletter(dctx, msg); err != nil {
			return err
		}
		if err := c.Ack(dctx, msg); err != nil {
			return err
		}
		return nil
	default:
		err := routingErrorf("dispose", "%w: %s", ErrUnknownResponse, resp)
		if nerr := a.nack(dctx, c, msg, err); nerr != nil {
			return errors.Join(err, nerr)
		}
		return err
	}
}

func (a *App) nack(ctx context.Context, c Consumer, msg *Message, reason error) error {
	if err := c.Nack(ctx, msg, a.cfg.NackDelay); err != nil {
		return err
	}
	a.metrics.nacked.Add(1)
	a.notify(Event{Type: NackEvent, Topic: msg.Topic, MessageID: msg.ID, Response: Nack, Err: reason})
	return nil
}

// publishDeadletter forwards a copy of msg (payload, attributes and headers preserved)
// to the deadletter topic.
func (a *App) publishDeadletter(ctx context.Context, msg *Message) error {
	to := a.deadletterTo
	if to == "" {
		to = msg.Topic
	}
	if err := a.deadletter.Publish(ctx, msg.WithTopic(to)); err != nil {
		return err
	}
	a.metrics.deadletters.Add(1)
	a.notify(Event{Type: DeadletterEvent, Topic: msg.Topic, MessageID: msg.ID, Response: Deadletter})
	return nil
}

// dispatch runs the pipeline for msg and records timing.
func (a *App) dispatch(ctx context.Context, msg *Message) (Response, error) {
	a.metrics.consumed.Add(1)
	a.notify(Event{Type: DispatchStart, Topic: msg.Topic, MessageID: msg.ID})

	start := a.clock.Now()
	resp, err := a.pipeline(ctx, msg)
	duration := a.clock.Since(start)
	a.recordProcessingTime(duration.Nanoseconds())

	a.notify(Event{
		Type:      DispatchDone,
		Topic:     msg.Topic,
		MessageID: msg.ID,
		Response:  resp,
		Duration:  duration,
		Err:       err,
	})
	return resp, err
}

// push subscribes the pipeline and hands control to the subscriber. Deadletter
// responses are published here; the subscriber only ever sees Ack or Nack.
func (a *App) push(ctx context.Context, s Subscriber, topics []string) error {
	cb := func(cbctx context.Context, msg *Message) (Response, error) {
		resp, err := a.dispatch(InjectAll(cbctx, a.logger, a.clock), msg)
		if err != nil {
			return Nack, err
		}
		switch resp {
		case Ack:
			a.metrics.acked.Add(1)
			a.notify(Event{Type: AckEvent, Topic: msg.Topic, MessageID: msg.ID})
			return Ack, nil
		case Nack:
			a.metrics.nacked.Add(1)
			a.notify(Event{Type: NackEvent, Topic: msg.Topic, MessageID: msg.ID, Response: Nack})
			return Nack, nil
		case Deadletter:
			if a.deadletter == nil {
				a.metrics.nacked.Add(1)
				a.notify(Event{Type: NackEvent, Topic: msg.Topic, MessageID: msg.ID, Response: Nack, Err: ErrNoDeadletter})
				return Nack, fmt.Errorf("%w: topic %q", ErrNoDeadletter, msg.Topic)
			}
			dctx, cancel := a.dispositionContext(cbctx)
			defer cancel()
			if err := a.publishDeadletter(dctx, msg); err != nil {
				return Nack, err
			}
			return Ack, nil
		default:
			return Nack, routingErrorf("dispose", "%w: %s", ErrUnknownResponse, resp)
		}
	}
	if err := s.Subscribe(ctx, topics, cb); err != nil {
		return err
	}
	err := s.Loop(ctx)
	if err != nil && (ctx.Err() != nil || a.State() != StateListening) && isContextErr(err) {
		return nil
	}
	return err
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// dispositionContext detaches ack/nack/deadletter calls from cancellation of the listen
// context so that a message that entered disposition is always completed.
func (a *App) dispositionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	dctx := context.WithoutCancel(ctx)
	if a.cfg.AckTimeout > 0 {
		return context.WithTimeout(dctx, a.cfg.AckTimeout)
	}
	return dctx, func() {}
}

// Metrics returns current application counters.
func (a *App) Metrics() Metrics {
	return Metrics{
		Consumed:            a.metrics.consumed.Load(),
		Acked:               a.metrics.acked.Load(),
		Nacked:              a.metrics.nacked.Load(),
		Deadlettered:        a.metrics.deadletters.Load(),
		Errors:              a.metrics.errors.Load(),
		AvgProcessingTimeMs: float64(a.metrics.processingNs.Load()) / 1e6,
	}
}

// notify calls observers synchronously on the loop goroutine.
func (a *App) notify(e Event) {
	for _, o := range a.observers {
		o.OnEvent(e)
	}
}

// recordProcessingTime records processing time using an exponential moving average.
func (a *App) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := a.metrics.processingNs.Load()
	if current == 0 {
		a.metrics.processingNs.Store(ns)
		return
	}
	a.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
