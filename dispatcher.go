package xqueue

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// Dispatcher is the terminal handler of the middleware pipeline: it resolves a message
// through the Router and invokes the referenced handler.
//
// Named references are resolved through the Resolver once per type name; the instance
// and its bound methods are cached for the dispatcher's lifetime.
type Dispatcher struct {
	router   *Router
	resolver Resolver

	mu        sync.Mutex
	instances map[string]any
	methods   map[string]Handler
}

// NewDispatcher builds a dispatcher. resolver may be nil when every route is Callable.
func NewDispatcher(router *Router, resolver Resolver) *Dispatcher {
	return &Dispatcher{
		router:    router,
		resolver:  resolver,
		instances: make(map[string]any),
		methods:   make(map[string]Handler),
	}
}

// Handle resolves and invokes the handler for msg. It returns ErrNoRoute when nothing
// matched and no default handler is configured.
func (d *Dispatcher) Handle(ctx context.Context, msg *Message) (Response, error) {
	ref, err := d.router.Resolve(msg)
	if err != nil {
		return Ack, err
	}
	if ref == nil {
		return Ack, fmt.Errorf("%w: topic %q", ErrNoRoute, msg.Topic)
	}
	h, err := d.Handler(ref)
	if err != nil {
		return Ack, err
	}
	if lg, ok := LoggerFromContext(ctx); ok {
		lg.Debug().Str("topic", msg.Topic).Str("handler", ref.Key()).Msg("xqueue: dispatch")
	}
	return h(ctx, msg)
}

// Handler turns ref into an invocable handler.
func (d *Dispatcher) Handler(ref HandlerRef) (Handler, error) {
	switch r := ref.(type) {
	case Callable:
		if r.Fn == nil {
			return nil, routingErrorf("dispatch", "callable %q has no function", r.Name)
		}
		return r.Fn, nil
	case Named:
		return d.named(r)
	default:
		return nil, routingErrorf("dispatch", "unsupported handler reference %T", ref)
	}
}

func (d *Dispatcher) named(ref Named) (Handler, error) {
	key := ref.Key()

	d.mu.Lock()
	defer d.mu.Unlock()

	if h, ok := d.methods[key]; ok {
		return h, nil
	}
	inst, ok := d.instances[ref.Type]
	if !ok {
		if d.resolver == nil {
			return nil, routingErrorf("dispatch", "no resolver configured for %s", key)
		}
		v, err := d.resolver.Resolve(ref.Type)
		if err != nil {
			return nil, err
		}
		inst = v
		d.instances[ref.Type] = inst
	}

	m := reflect.ValueOf(inst).MethodByName(ref.Method)
	if !m.IsValid() {
		return nil, routingErrorf("dispatch", "%T has no exported method %s", inst, ref.Method)
	}
	fn, ok := m.Interface().(func(context.Context, *Message) (Response, error))
	if !ok {
		return nil, routingErrorf("dispatch", "%T.%s has signature %s, want %s", inst, ref.Method, m.Type(), handlerType)
	}
	h := Handler(fn)
	d.methods[key] = h
	return h, nil
}
