package xqueue

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

// HandlerRef identifies the handler a route dispatches to. It is either a Callable
// or a Named reference resolved later through a Resolver.
type HandlerRef interface {
	Key() string
	isHandlerRef()
}

// Callable is a handler reference that carries the function itself.
type Callable struct {
	Name string
	Fn   Handler
}

func (c Callable) Key() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("func@%p", c.Fn)
}

func (Callable) isHandlerRef() {}

// Func wraps fn as a Callable handler reference.
func Func(name string, fn Handler) Callable {
	return Callable{Name: name, Fn: fn}
}

// Named references exported method Method of the instance the Resolver returns for Type.
type Named struct {
	Type   string
	Method string
}

// Key returns "Type@Method".
func (n Named) Key() string { return n.Type + "@" + n.Method }

func (Named) isHandlerRef() {}

// ParseNamed parses a "Type@Method" reference.
func ParseNamed(ref string) (Named, error) {
	typ, method, ok := strings.Cut(ref, "@")
	if !ok || typ == "" || method == "" {
		return Named{}, routingErrorf("parse handler", "%q is not of the form Type@Method", ref)
	}
	return Named{Type: typ, Method: method}, nil
}

// MatchRule is the predicate set of a route. Empty lists and maps place no constraint.
type MatchRule struct {
	// Topics are glob patterns matched against Message.Topic (OR).
	Topics []string
	// Payload maps a gjson path to glob patterns (AND across paths, OR within one).
	Payload map[string][]string
	// Headers maps a header key to glob patterns (AND across keys, OR within one).
	Headers map[string][]string
	// Attributes maps an attribute key to glob patterns (AND across keys, OR within one).
	Attributes map[string][]string
}

// Match reports whether msg satisfies every predicate of the rule. The parsed payload
// is used when middleware attached one.
func (r MatchRule) Match(msg *Message) (bool, error) {
	ok, err := MatchPattern(msg.Topic, r.Topics...)
	if err != nil || !ok {
		return false, err
	}
	if len(r.Payload) > 0 {
		var payload any = msg.Payload
		if msg.ParsedPayload != nil {
			payload = msg.ParsedPayload
		}
		if ok, err = MatchPayload(payload, r.Payload); err != nil || !ok {
			return false, err
		}
	}
	if ok, err = MatchFields(msg.Headers, r.Headers); err != nil || !ok {
		return false, err
	}
	return MatchFields(msg.Attributes, r.Attributes)
}

// Route binds a handler reference to a match rule.
type Route struct {
	Handler HandlerRef
	Rule    MatchRule
}

// MethodRoute declares the rule for one method of a handler type.
type MethodRoute struct {
	Method string
	Rule   MatchRule
}

// Routable is implemented by handler types that declare their own routing table.
//
//	func (*Orders) Routes() []xqueue.MethodRoute {
//	    return []xqueue.MethodRoute{
//	        {Method: "Created", Rule: xqueue.MatchRule{Topics: []string{"orders"}}},
//	    }
//	}
type Routable interface {
	Routes() []MethodRoute
}

var handlerType = reflect.TypeOf((func(context.Context, *Message) (Response, error))(nil))

// BuildRoutes validates the declared routing tables of handlers and turns them into
// Named routes keyed "<TypeName>@<MethodName>", preserving declaration order across
// handlers and within each handler.
//
// A method that is unexported, missing, has the wrong signature, or declares more than
// one rule is rejected with an ErrRouting error.
func BuildRoutes(handlers ...Routable) ([]Route, error) {
	var routes []Route
	for _, h := range handlers {
		if h == nil {
			return nil, routingErrorf("build routes", "nil handler")
		}
		rt := reflect.TypeOf(h)
		typeName := TypeName(h)
		seen := make(map[string]struct{})
		for _, mr := range h.Routes() {
			if err := checkMethod(rt, typeName, mr.Method); err != nil {
				return nil, err
			}
			if _, dup := seen[mr.Method]; dup {
				return nil, routingErrorf("build routes", "%s.%s declares more than one routing rule", typeName, mr.Method)
			}
			seen[mr.Method] = struct{}{}
			routes = append(routes, Route{
				Handler: Named{Type: typeName, Method: mr.Method},
				Rule:    mr.Rule,
			})
		}
	}
	return routes, nil
}

func checkMethod(rt reflect.Type, typeName, method string) error {
	if method == "" || !unicode.IsUpper([]rune(method)[0]) {
		return routingErrorf("build routes", "%s.%s is not exported", typeName, method)
	}
	m, ok := rt.MethodByName(method)
	if !ok {
		return routingErrorf("build routes", "%s has no method %s", typeName, method)
	}
	// m.Type includes the receiver; compare the bound signature.
	in := make([]reflect.Type, 0, m.Type.NumIn()-1)
	for i := 1; i < m.Type.NumIn(); i++ {
		in = append(in, m.Type.In(i))
	}
	out := make([]reflect.Type, 0, m.Type.NumOut())
	for i := 0; i < m.Type.NumOut(); i++ {
		out = append(out, m.Type.Out(i))
	}
	if reflect.FuncOf(in, out, m.Type.IsVariadic()) != handlerType {
		return routingErrorf("build routes", "%s.%s has signature %s, want %s", typeName, method, m.Type, handlerType)
	}
	return nil
}

// TypeName returns the name handler references use for v's type: the type name
// without package or pointer decoration.
func TypeName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.Name()
}
