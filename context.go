package xqueue

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type scopeKey struct{}

// scope carries the application dependencies visible to handlers.
type scope struct {
	logger *xlog.Logger
	clock  xclock.Clock
}

func scopeFrom(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// LoggerFromContext returns the application logger handlers run with.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	l := scopeFrom(ctx).logger
	return l, l != nil
}

// ClockFromContext returns the application clock handlers run with.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	c := scopeFrom(ctx).clock
	return c, c != nil
}

// InjectAll attaches logger and clock to ctx, as the application does for handlers.
// Nil values keep whatever ctx already carries.
func InjectAll(ctx context.Context, logger *xlog.Logger, clock xclock.Clock) context.Context {
	s := scopeFrom(ctx)
	if logger != nil {
		s.logger = logger
	}
	if clock != nil {
		s.clock = clock
	}
	if s.logger == nil && s.clock == nil {
		return ctx
	}
	return context.WithValue(ctx, scopeKey{}, s)
}
