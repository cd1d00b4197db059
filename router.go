package xqueue

// Router resolves a message to the handler of the first matching route.
//
// Routes are evaluated in registration order and evaluation stops at the first route
// whose topic, payload, header and attribute predicates all pass. Router holds only
// static configuration and is safe for concurrent use.
type Router struct {
	routes []Route
	def    HandlerRef
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithDefault sets the handler used when no route matches.
func WithDefault(ref HandlerRef) RouterOption {
	return func(r *Router) { r.def = ref }
}

// NewRouter builds a router over routes. The slice is copied.
func NewRouter(routes []Route, opts ...RouterOption) *Router {
	r := &Router{routes: append([]Route(nil), routes...)}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Routes returns a copy of the route table.
func (r *Router) Routes() []Route {
	return append([]Route(nil), r.routes...)
}

// Default returns the default handler reference (may be nil).
func (r *Router) Default() HandlerRef { return r.def }

// Resolve returns the handler of the first route that matches msg, the default handler
// when none does, or nil when there is no default. Matcher configuration errors abort
// resolution and are returned as-is.
func (r *Router) Resolve(msg *Message) (HandlerRef, error) {
	for i := range r.routes {
		ok, err := r.routes[i].Rule.Match(msg)
		if err != nil {
			return nil, err
		}
		if ok {
			return r.routes[i].Handler, nil
		}
	}
	return r.def, nil
}
