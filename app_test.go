package xqueue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xqueue"
	"github.com/trickstertwo/xqueue/adapter/memory"
)

func testConfig() xqueue.Config {
	cfg := xqueue.DefaultConfig()
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.Signals = nil
	return cfg
}

func publish(t *testing.T, b *memory.Broker, topic, payload string, opts ...xqueue.MessageOption) {
	t.Helper()
	msg, err := xqueue.NewMessage(topic, []byte(payload), opts...)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), msg))
}

// listen runs app.Listen with a safety timeout so a broken loop fails instead of hanging.
func listen(t *testing.T, app *xqueue.App, topics ...string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := app.Listen(ctx, topics...)
	require.NoError(t, ctx.Err(), "listen did not stop before the safety timeout")
	return err
}

// shutdownAfter returns a handler that responds with resp and shuts the app down.
func shutdownAfter(app **xqueue.App, resp xqueue.Response) xqueue.Handler {
	return func(_ context.Context, _ *xqueue.Message) (xqueue.Response, error) {
		_ = (*app).Shutdown(context.Background())
		return resp, nil
	}
}

func TestApp_AckThenShutdown(t *testing.T) {
	var app *xqueue.App
	app, broker := memory.Use(memory.Defaults(),
		memory.WithHandler(shutdownAfter(&app, xqueue.Ack)),
		memory.WithConfig(testConfig()),
	)
	publish(t, broker, "test", "foo")

	require.NoError(t, listen(t, app, "test"))

	assert.Equal(t, 0, broker.Count("test"))
	assert.Equal(t, 0, broker.InFlight())
	assert.Equal(t, xqueue.StateStopped, app.State())
	m := app.Metrics()
	assert.Equal(t, uint64(1), m.Consumed)
	assert.Equal(t, uint64(1), m.Acked)
	assert.Zero(t, m.Nacked)
	assert.Zero(t, m.Deadlettered)
	assert.Equal(t, uint64(1), broker.Stats().Acked)
	assert.Zero(t, broker.Stats().Nacked)
}

func TestApp_NackRequeues(t *testing.T) {
	var app *xqueue.App
	app, broker := memory.Use(memory.Defaults(),
		memory.WithHandler(shutdownAfter(&app, xqueue.Nack)),
		memory.WithConfig(testConfig()),
	)
	publish(t, broker, "test", "foo")

	require.NoError(t, listen(t, app, "test"))

	assert.Equal(t, 1, broker.Count("test"))
	m := app.Metrics()
	assert.Equal(t, uint64(1), m.Nacked)
	assert.Zero(t, m.Acked)
	assert.Zero(t, m.Deadlettered)
	assert.Zero(t, broker.Stats().Acked)
}

func TestApp_DeadletterPreservesMessage(t *testing.T) {
	var app *xqueue.App
	app, broker := memory.Use(memory.Defaults(),
		memory.WithHandler(shutdownAfter(&app, xqueue.Deadletter)),
		memory.WithDeadletterTopic("deadletter"),
		memory.WithConfig(testConfig()),
	)
	publish(t, broker, "test", "foo",
		xqueue.WithAttributes(map[string]string{"attr": "1"}),
		xqueue.WithHeaders(map[string]string{"hdr": "2"}),
	)

	require.NoError(t, listen(t, app, "test"))

	assert.Equal(t, 0, broker.Count("test"))
	dead := broker.Messages("deadletter")
	require.Len(t, dead, 1)
	assert.Equal(t, "deadletter", dead[0].Topic)
	assert.Equal(t, []byte("foo"), dead[0].Payload)
	assert.Equal(t, "1", dead[0].Attributes["attr"])
	assert.Equal(t, "2", dead[0].Headers["hdr"])
	assert.Equal(t, uint64(1), app.Metrics().Deadlettered)
}

func TestApp_DeadletterWithoutPublisher(t *testing.T) {
	app, broker := memory.Use(memory.Defaults(),
		memory.WithHandler(func(_ context.Context, _ *xqueue.Message) (xqueue.Response, error) {
			return xqueue.Deadletter, nil
		}),
		memory.WithConfig(testConfig()),
	)
	publish(t, broker, "test", "foo")

	err := listen(t, app, "test")
	assert.ErrorIs(t, err, xqueue.ErrNoDeadletter)
	assert.ErrorIs(t, err, xqueue.ErrRouting)
	// The message was nacked, not lost.
	assert.Equal(t, 1, broker.Count("test"))
}

func TestApp_HandlerErrorStopsLoopWithoutDisposition(t *testing.T) {
	boom := errors.New("boom")
	app, broker := memory.Use(memory.Defaults(),
		memory.WithHandler(func(_ context.Context, _ *xqueue.Message) (xqueue.Response, error) {
			return xqueue.Ack, boom
		}),
		memory.WithConfig(testConfig()),
	)
	publish(t, broker, "test", "foo")

	err := listen(t, app, "test")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, broker.InFlight())
	assert.Equal(t, uint64(1), app.Metrics().Errors)
}

func TestApp_RouterNoMatch(t *testing.T) {
	app, broker := memory.Use(memory.Defaults(),
		memory.WithRouter(xqueue.NewRouter([]xqueue.Route{{
			Handler: xqueue.Func("orders", ackAll),
			Rule:    xqueue.MatchRule{Topics: []string{"orders"}},
		}})),
		memory.WithConfig(testConfig()),
	)
	publish(t, broker, "payments", "foo")

	err := listen(t, app, "payments")
	assert.ErrorIs(t, err, xqueue.ErrNoRoute)
}

func TestApp_ContextCancelStops(t *testing.T) {
	app, _ := memory.Use(memory.Defaults(),
		memory.WithHandler(ackAll),
		memory.WithConfig(testConfig()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- app.Listen(ctx, "test") }()

	require.Eventually(t, func() bool { return app.State() == xqueue.StateListening }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return after cancellation")
	}
	assert.Equal(t, xqueue.StateStopped, app.State())
}

func TestApp_ShutdownWhenIdleIsNoop(t *testing.T) {
	app, _ := memory.Use(memory.Defaults(), memory.WithHandler(ackAll), memory.WithConfig(testConfig()))
	require.NoError(t, app.Shutdown(context.Background()))
	assert.Equal(t, xqueue.StateIdle, app.State())
}

func TestApp_ListenValidation(t *testing.T) {
	app, _ := memory.Use(memory.Defaults(), memory.WithHandler(ackAll), memory.WithConfig(testConfig()))

	assert.ErrorIs(t, app.Listen(context.Background()), xqueue.ErrInvalidTopic)
	assert.ErrorIs(t, app.Listen(context.Background(), ""), xqueue.ErrInvalidTopic)
	assert.ErrorIs(t, app.Listen(context.Background(), "a", "b"), xqueue.ErrSingleTopic)
	assert.Equal(t, xqueue.StateIdle, app.State())
}

func TestApp_RejectsConcurrentListen(t *testing.T) {
	app, _ := memory.Use(memory.Defaults(), memory.WithHandler(ackAll), memory.WithConfig(testConfig()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- app.Listen(ctx, "test") }()
	require.Eventually(t, func() bool { return app.State() == xqueue.StateListening }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, app.Listen(ctx, "test"), xqueue.ErrAlreadyListening)

	require.NoError(t, app.Shutdown(context.Background()))
	require.NoError(t, <-errCh)

	// A stopped app can listen again.
	cancel2Ctx, cancel2 := context.WithCancel(context.Background())
	go func() { errCh <- app.Listen(cancel2Ctx, "test") }()
	require.Eventually(t, func() bool { return app.State() == xqueue.StateListening }, time.Second, 5*time.Millisecond)
	cancel2()
	require.NoError(t, <-errCh)
}

func TestApp_MiddlewareOrderAndShortCircuit(t *testing.T) {
	var (
		mu    sync.Mutex
		trace []string
	)
	record := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}
	mw := func(name string) xqueue.Middleware {
		return func(next xqueue.Handler) xqueue.Handler {
			return func(ctx context.Context, msg *xqueue.Message) (xqueue.Response, error) {
				record(name)
				if msg.Headers["block"] == name {
					return xqueue.Nack, nil
				}
				return next(ctx, msg)
			}
		}
	}

	var app *xqueue.App
	var handled atomic.Int32
	app, broker := memory.Use(memory.Defaults(),
		memory.WithHandler(func(_ context.Context, _ *xqueue.Message) (xqueue.Response, error) {
			record("K")
			handled.Add(1)
			return xqueue.Ack, nil
		}),
		memory.WithMiddleware(mw("A"), mw("B")),
		memory.WithObserver(xqueue.ObserverFunc(func(e xqueue.Event) {
			if e.Type == xqueue.DispatchDone && e.MessageID == "second" {
				go func() { _ = app.Shutdown(context.Background()) }()
			}
		})),
		memory.WithConfig(testConfig()),
	)
	publish(t, broker, "test", "1", xqueue.WithID("first"))
	publish(t, broker, "test", "2", xqueue.WithID("second"), xqueue.WithHeaders(map[string]string{"block": "A"}))

	require.NoError(t, listen(t, app, "test"))

	assert.Equal(t, []string{"A", "B", "K", "A"}, trace)
	assert.Equal(t, int32(1), handled.Load())
}

func TestApp_ObserverSeesLifecycle(t *testing.T) {
	var (
		mu     sync.Mutex
		events []xqueue.EventType
	)
	var app *xqueue.App
	app, broker := memory.Use(memory.Defaults(),
		memory.WithHandler(shutdownAfter(&app, xqueue.Ack)),
		memory.WithObserver(xqueue.ObserverFunc(func(e xqueue.Event) {
			mu.Lock()
			events = append(events, e.Type)
			mu.Unlock()
		})),
		memory.WithConfig(testConfig()),
	)
	publish(t, broker, "test", "foo")
	require.NoError(t, listen(t, app, "test"))

	assert.Equal(t, []xqueue.EventType{
		xqueue.ListenStart,
		xqueue.DispatchStart,
		xqueue.ShutdownEvent,
		xqueue.DispatchDone,
		xqueue.AckEvent,
		xqueue.ListenStopped,
	}, events)
}

func TestApp_PushMode(t *testing.T) {
	var app *xqueue.App
	var seen atomic.Int32
	app, broker := memory.Use(memory.Defaults(),
		memory.Push(),
		memory.WithHandler(func(_ context.Context, msg *xqueue.Message) (xqueue.Response, error) {
			n := seen.Add(1)
			if n == 3 {
				_ = app.Shutdown(context.Background())
			}
			if msg.Topic == "bad" {
				return xqueue.Deadletter, nil
			}
			return xqueue.Ack, nil
		}),
		memory.WithDeadletterTopic("deadletter"),
		memory.WithConfig(testConfig()),
	)
	publish(t, broker, "orders", "1")
	publish(t, broker, "payments", "2")
	publish(t, broker, "bad", "3")

	require.NoError(t, listen(t, app, "orders", "payments", "bad"))

	assert.Equal(t, int32(3), seen.Load())
	assert.Zero(t, broker.Count("orders"))
	assert.Zero(t, broker.Count("payments"))
	assert.Zero(t, broker.Count("bad"))
	assert.Equal(t, 1, broker.Count("deadletter"))
	assert.Equal(t, uint64(2), app.Metrics().Acked)
	assert.Equal(t, uint64(1), app.Metrics().Deadlettered)
}

func TestApp_PushDeadletterWithoutPublisherNacks(t *testing.T) {
	var nacks []xqueue.Event
	app, broker := memory.Use(memory.Defaults(),
		memory.Push(),
		memory.WithHandler(func(_ context.Context, _ *xqueue.Message) (xqueue.Response, error) {
			return xqueue.Deadletter, nil
		}),
		memory.WithConfig(testConfig()),
		memory.WithObserver(xqueue.ObserverFunc(func(e xqueue.Event) {
			if e.Type == xqueue.NackEvent {
				nacks = append(nacks, e)
			}
		})),
	)
	publish(t, broker, "test", "foo")

	err := listen(t, app, "test")
	assert.ErrorIs(t, err, xqueue.ErrNoDeadletter)
	assert.Equal(t, 1, broker.Count("test"))
	assert.Equal(t, uint64(1), app.Metrics().Nacked)
	require.Len(t, nacks, 1)
	assert.Equal(t, "test", nacks[0].Topic)
	assert.ErrorIs(t, nacks[0].Err, xqueue.ErrNoDeadletter)
}

func TestApp_BatchIsFullyDisposedOnShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessages = 10

	var app *xqueue.App
	var handled atomic.Int32
	app, broker := memory.Use(memory.Defaults(),
		memory.WithHandler(func(_ context.Context, _ *xqueue.Message) (xqueue.Response, error) {
			if handled.Add(1) == 1 {
				_ = app.Shutdown(context.Background())
			}
			return xqueue.Ack, nil
		}),
		memory.WithConfig(cfg),
	)
	for i := 0; i < 5; i++ {
		publish(t, broker, "test", "m")
	}

	require.NoError(t, listen(t, app, "test"))
	assert.Equal(t, int32(5), handled.Load())
	assert.Equal(t, 0, broker.Count("test"))
	assert.Equal(t, 0, broker.InFlight())
}
