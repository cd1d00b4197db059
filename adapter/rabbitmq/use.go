package rabbitmq

import (
	"fmt"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xqueue"
)

// Use connects a Client and builds an App running against it. The client is both the
// message source and, with WithDeadletterTopic, the deadletter sink. The caller owns the
// client and must Close it.
func Use(cfg Config, opts ...AppOption) (*xqueue.App, *Client, error) {
	u := &use{builder: xqueue.NewAppBuilder()}
	for _, o := range opts {
		if o != nil {
			o(u)
		}
	}

	client, err := NewClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	if u.push {
		u.builder.WithSubscriber(client)
	} else {
		u.builder.WithConsumer(client)
	}
	if u.deadletter {
		u.builder.WithDeadletter(client, u.deadletterTopic)
	}

	app, err := u.builder.Build()
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("rabbitmq.Use: %w", err)
	}
	return app, client, nil
}

type use struct {
	builder         *xqueue.AppBuilder
	push            bool
	deadletter      bool
	deadletterTopic string
}

// AppOption configures the App built by Use.
type AppOption func(*use)

// Push selects the push strategy (basic.consume on every listened topic).
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

// WithDeadletterTopic publishes deadlettered messages to the queue topic.
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

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xqueue.Observer) AppOption {
	return func(u *use) { u.builder.WithObserver(obs...) }
}
