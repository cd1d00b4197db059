package xqueue

import (
	"context"
	"time"
)

// Handler processes a single message and decides its disposition.
// Returning an error aborts the listen loop without disposing of the message.
type Handler func(ctx context.Context, msg *Message) (Response, error)

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Interceptor is the object form of Middleware, used for middleware resolved by name.
type Interceptor interface {
	Intercept(ctx context.Context, msg *Message, next Handler) (Response, error)
}

// ConsumeOptions are passed through to Consumer.Consume.
type ConsumeOptions struct {
	// Timeout bounds how long Consume may block waiting for messages. Zero means the
	// adapter default.
	Timeout time.Duration
	// Extra carries adapter-specific options.
	Extra map[string]any
}

// Consumer is the pull-mode capability: the application polls it for messages.
type Consumer interface {
	Consume(ctx context.Context, topic string, max int, opts ConsumeOptions) ([]*Message, error)
	Ack(ctx context.Context, msg *Message) error
	Nack(ctx context.Context, msg *Message, delay time.Duration) error
}

// Subscriber is the push-mode capability: the broker drives delivery inside Loop.
//
// For every delivery the subscriber calls the registered callback and then acks on Ack,
// nacks on Nack or error. Loop blocks until Shutdown is called or ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, topics []string, cb Handler) error
	Loop(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Publisher sends a message to msg.Topic. It is used as the deadletter sink.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// Resolver turns a name into a constructed instance (dependency-resolution collaborator).
type Resolver interface {
	Resolve(name string) (any, error)
}

// Observer receives application lifecycle events. Implementations must not block.
type Observer interface {
	OnEvent(e Event)
}
