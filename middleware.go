package xqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/tidwall/gjson"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Chain composes middlewares around a handler. The first middleware is the outermost
// layer: it runs first on the way in and last on the way out.
func Chain(h Handler, mws ...Middleware) Handler {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// InterceptorMiddleware adapts an Interceptor to a Middleware.
func InterceptorMiddleware(ic Interceptor) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (Response, error) {
			return ic.Intercept(ctx, msg, next)
		}
	}
}

// Compile builds the invocation pipeline around kernel. Each ref is a Middleware, a
// func(Handler) Handler, an Interceptor, or a string naming an Interceptor (or
// Middleware) known to resolver. Every reference is checked before any message is
// processed; failures are ErrRouting errors.
func Compile(kernel Handler, resolver Resolver, refs ...any) (Handler, error) {
	if kernel == nil {
		return nil, routingErrorf("compile", "nil kernel handler")
	}
	mws := make([]Middleware, 0, len(refs))
	for i, ref := range refs {
		mw, err := toMiddleware(ref, resolver)
		if err != nil {
			return nil, fmt.Errorf("middleware %d: %w", i, err)
		}
		mws = append(mws, mw)
	}
	return Chain(kernel, mws...), nil
}

func toMiddleware(ref any, resolver Resolver) (Middleware, error) {
	switch m := ref.(type) {
	case Middleware:
		return m, nil
	case func(Handler) Handler:
		return m, nil
	case Interceptor:
		return InterceptorMiddleware(m), nil
	case string:
		if resolver == nil {
			return nil, routingErrorf("compile", "middleware %q needs a resolver", m)
		}
		v, err := resolver.Resolve(m)
		if err != nil {
			return nil, NewRoutingError("compile", fmt.Errorf("resolve middleware %q: %w", m, err))
		}
		if v, ok := v.(string); ok {
			return nil, routingErrorf("compile", "middleware %q resolved to another name %q", m, v)
		}
		mw, err := toMiddleware(v, nil)
		if err != nil {
			return nil, routingErrorf("compile", "middleware %q resolved to %T, which is not a middleware", m, v)
		}
		return mw, nil
	case nil:
		return nil, routingErrorf("compile", "nil middleware")
	default:
		return nil, routingErrorf("compile", "%T is not a middleware", ref)
	}
}

// RecoveryMiddleware converts handler panics into errors wrapping ErrHandlerPanic.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (resp Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					resp, err = Ack, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// TimeoutMiddleware bounds the handler context with a deadline. The handler still runs
// on the caller's goroutine and must observe ctx to stop early.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (Response, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(tctx, msg)
		}
	}
}

// RetryConfig controls retry behavior for processing middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt.
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
}

// RetryMiddleware retries a handler that returns an error. Responses (including Nack
// and Deadletter) are never retried; they are dispositions, not failures.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := max(cfg.MaxAttempts, 1)
	shouldRetry := cfg.RetryIf
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (Response, error) {
			var (
				resp    Response
				lastErr error
			)
			for i := 1; i <= attempts; i++ {
				resp, lastErr = next(ctx, msg)
				if lastErr == nil {
					return resp, nil
				}
				if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return resp, lastErr
				}
				if i == attempts || !shouldRetry(lastErr) {
					return resp, lastErr
				}
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					select {
					case <-ctx.Done():
						return resp, lastErr
					case <-time.After(wait):
					}
				}
			}
			return resp, lastErr
		}
	}
}

// ParseJSON attaches the payload as a gjson.Result in ParsedPayload so routing and
// handlers parse it once. A message whose payload is not valid JSON is deadlettered.
// Messages that already carry a parsed payload pass through untouched.
func ParseJSON() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (Response, error) {
			if msg.ParsedPayload == nil {
				if !gjson.ValidBytes(msg.Payload) {
					if lg, ok := LoggerFromContext(ctx); ok {
						lg.Warn().Str("topic", msg.Topic).Str("message_id", msg.ID).Msg("xqueue: payload is not valid JSON")
					}
					return Deadletter, nil
				}
				msg.ParsedPayload = gjson.ParseBytes(msg.Payload)
			}
			return next(ctx, msg)
		}
	}
}

// Validator checks a message against a structural contract.
type Validator interface {
	Validate(ctx context.Context, msg *Message) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, msg *Message) error

func (f ValidatorFunc) Validate(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// ValidateMiddleware runs v before the handler. A validation failure is not an error:
// the message is deadlettered and the failure is logged.
func ValidateMiddleware(v Validator) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (Response, error) {
			if err := v.Validate(ctx, msg); err != nil {
				if lg, ok := LoggerFromContext(ctx); ok {
					lg.Warn().Err(NewValidationError("validate", err)).
						Str("topic", msg.Topic).
						Str("message_id", msg.ID).
						Msg("xqueue: message failed validation")
				}
				return Deadletter, nil
			}
			return next(ctx, msg)
		}
	}
}

// LoggingMiddleware logs the start and outcome of every dispatch.
func LoggingMiddleware(l *xlog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (Response, error) {
			clock, ok := ClockFromContext(ctx)
			if !ok {
				clock = xclock.Default()
			}
			start := clock.Now()
			l.Debug().
				Str("topic", msg.Topic).
				Str("message_id", msg.ID).
				Msg("handler start")

			resp, err := next(ctx, msg)

			l.Debug().
				Str("topic", msg.Topic).
				Str("message_id", msg.ID).
				Str("response", resp.String()).
				Dur("dur", clock.Since(start)).
				Err(err).
				Msg("handler done")
			return resp, err
		}
	}
}
