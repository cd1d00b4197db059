package xqueue

import (
	"errors"
	"os"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// AppBuilder constructs App instances (Builder pattern).
type AppBuilder struct {
	consumer   Consumer
	subscriber Subscriber

	router   *Router
	handler  Handler
	resolver Resolver

	middlewares []any

	deadletter   Publisher
	deadletterTo string

	cfg       Config
	signals   []os.Signal
	signalSet bool
	observers []Observer
	logger    *xlog.Logger
	clock     xclock.Clock
}

// NewAppBuilder returns a builder with DefaultConfig.
func NewAppBuilder() *AppBuilder {
	return &AppBuilder{cfg: DefaultConfig()}
}

// WithConsumer selects the pull strategy.
func (ab *AppBuilder) WithConsumer(c Consumer) *AppBuilder {
	ab.consumer = c
	return ab
}

// WithSubscriber selects the push strategy.
func (ab *AppBuilder) WithSubscriber(s Subscriber) *AppBuilder {
	ab.subscriber = s
	return ab
}

// WithRouter dispatches through r, resolving Named references with the resolver.
func (ab *AppBuilder) WithRouter(r *Router) *AppBuilder {
	ab.router = r
	return ab
}

// WithHandler uses h as the terminal handler instead of a router.
func (ab *AppBuilder) WithHandler(h Handler) *AppBuilder {
	ab.handler = h
	return ab
}

// WithResolver sets the dependency resolver for named handlers and middleware.
func (ab *AppBuilder) WithResolver(r Resolver) *AppBuilder {
	ab.resolver = r
	return ab
}

// WithMiddleware appends middleware references: Middleware, Interceptor or a name
// known to the resolver. The first one added is the outermost.
func (ab *AppBuilder) WithMiddleware(refs ...any) *AppBuilder {
	ab.middlewares = append(ab.middlewares, refs...)
	return ab
}

// WithDeadletter publishes deadlettered messages through p to topic. An empty topic
// keeps the message's own topic (for publishers bound to a fixed destination).
func (ab *AppBuilder) WithDeadletter(p Publisher, topic string) *AppBuilder {
	ab.deadletter = p
	ab.deadletterTo = topic
	return ab
}

// WithConfig replaces the loop configuration.
func (ab *AppBuilder) WithConfig(cfg Config) *AppBuilder {
	ab.cfg = cfg
	return ab
}

// WithSignals overrides the shutdown signal set; with no arguments signal handling is
// disabled.
func (ab *AppBuilder) WithSignals(sigs ...os.Signal) *AppBuilder {
	ab.signals = sigs
	ab.signalSet = true
	return ab
}

func (ab *AppBuilder) WithObserver(obs ...Observer) *AppBuilder {
	for _, o := range obs {
		if o != nil {
			ab.observers = append(ab.observers, o)
		}
	}
	return ab
}

func (ab *AppBuilder) WithLogger(l *xlog.Logger) *AppBuilder {
	ab.logger = l
	return ab
}

func (ab *AppBuilder) WithClock(c xclock.Clock) *AppBuilder {
	ab.clock = c
	return ab
}

// Build validates the configuration and compiles the middleware pipeline. Every
// middleware reference is resolved here, before any message is processed.
func (ab *AppBuilder) Build() (*App, error) {
	var src Source
	switch {
	case ab.consumer != nil && ab.subscriber != nil:
		return nil, ErrAmbiguousSource
	case ab.consumer != nil:
		src = ConsumerSource{Consumer: ab.consumer}
	case ab.subscriber != nil:
		src = SubscriberSource{Subscriber: ab.subscriber}
	default:
		return nil, ErrNoSource
	}

	var kernel Handler
	switch {
	case ab.router != nil && ab.handler != nil:
		return nil, errors.New("xqueue: both router and handler configured")
	case ab.router != nil:
		kernel = NewDispatcher(ab.router, ab.resolver).Handle
	case ab.handler != nil:
		kernel = ab.handler
	default:
		return nil, ErrNoHandler
	}

	cfg := ab.cfg
	if ab.signalSet {
		cfg.Signals = ab.signals
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pipeline, err := Compile(kernel, ab.resolver, ab.middlewares...)
	if err != nil {
		return nil, err
	}

	clk := ab.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := ab.logger
	if lg == nil {
		lg = xlog.Default()
	}

	a := &App{
		source:       src,
		pipeline:     pipeline,
		deadletter:   ab.deadletter,
		deadletterTo: ab.deadletterTo,
		cfg:          cfg,
		logger:       lg,
		clock:        clk,
		metrics:      &appMetrics{},
	}

	// Attach logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range ab.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		a.observers = append(a.observers, LoggingObserver{Logger: lg})
	}
	a.observers = append(a.observers, ab.observers...)

	return a, nil
}

// New constructs an App via the builder.
func New(init func(b *AppBuilder)) (*App, error) {
	b := NewAppBuilder()
	if init != nil {
		init(b)
	}
	return b.Build()
}
