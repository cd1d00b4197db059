package memory

import (
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xqueue"
)

// Use builds a Broker and an App running against it. The broker is both the message
// source and the deadletter sink.
//
// Example:
//
//	app, broker := memory.Use(memory.Defaults(),
//	    memory.WithRouter(router),
//	    memory.WithDeadletterTopic("deadletter"),
//	    memory.WithLogger(logger),
//	)
//
// The app pulls from the broker unless Push is given.
func Use(cfg Config, opts ...AppOption) (*xqueue.App, *Broker) {
	u := &use{builder: xqueue.NewAppBuilder()}
	for _, o := range opts {
		if o != nil {
			o(u)
		}
	}

	broker := NewBroker(cfg, WithClock(u.clock))
	if u.push {
		u.builder.WithSubscriber(broker)
	} else {
		u.builder.WithConsumer(broker)
	}
	if u.deadletter {
		u.builder.WithDeadletter(broker, u.deadletterTopic)
	}
	if u.clock != nil {
		u.builder.WithClock(u.clock)
	}

	app, err := u.builder.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return app, broker
}

type use struct {
	builder         *xqueue.AppBuilder
	push            bool
	deadletter      bool
	deadletterTopic string
	clock           xclock.Clock
}

// AppOption configures the App built by Use.
type AppOption func(*use)

// Push selects the push strategy (broker-driven Loop) instead of pulling.
func Push() AppOption {
	return func(u *use) { u.push = true }
}

// WithRouter dispatches through r.
func WithRouter(r *xqueue.Router) AppOption {
	return func(u *use) { u.builder.WithRouter(r) }
}

// WithHandler uses h as the terminal handler.
func WithHandler(h xqueue.Handler) AppOption {
	return func(u *use) { u.builder.WithHandler(h) }
}

// WithResolver sets the resolver for named handlers and middleware.
func WithResolver(r xqueue.Resolver) AppOption {
	return func(u *use) { u.builder.WithResolver(r) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(refs ...any) AppOption {
	return func(u *use) { u.builder.WithMiddleware(refs...) }
}

// WithDeadletterTopic publishes deadlettered messages back into the broker on topic.
func WithDeadletterTopic(topic string) AppOption {
	return func(u *use) {
		u.deadletter = true
		u.deadletterTopic = topic
	}
}

// WithConfig sets the loop configuration.
func WithConfig(cfg xqueue.Config) AppOption {
	return func(u *use) { u.builder.WithConfig(cfg) }
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) AppOption {
	return func(u *use) { u.builder.WithLogger(l) }
}

// WithAppClock injects a custom xclock clock into both the app and the broker.
func WithAppClock(c xclock.Clock) AppOption {
	return func(u *use) { u.clock = c }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xqueue.Observer) AppOption {
	return func(u *use) { u.builder.WithObserver(obs...) }
}
