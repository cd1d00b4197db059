package xqueue_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xqueue"
	"github.com/trickstertwo/xqueue/adapter/memory"
)

func ackAll(_ context.Context, _ *xqueue.Message) (xqueue.Response, error) { return xqueue.Ack, nil }

func TestBuild_SourceIsExclusive(t *testing.T) {
	b := memory.NewBroker(memory.Defaults())

	_, err := xqueue.NewAppBuilder().WithHandler(ackAll).Build()
	assert.ErrorIs(t, err, xqueue.ErrNoSource)

	_, err = xqueue.NewAppBuilder().WithConsumer(b).WithSubscriber(b).WithHandler(ackAll).Build()
	assert.ErrorIs(t, err, xqueue.ErrAmbiguousSource)
}

func TestBuild_RequiresHandler(t *testing.T) {
	b := memory.NewBroker(memory.Defaults())

	_, err := xqueue.NewAppBuilder().WithConsumer(b).Build()
	assert.ErrorIs(t, err, xqueue.ErrNoHandler)

	_, err = xqueue.NewAppBuilder().WithConsumer(b).WithHandler(ackAll).WithRouter(xqueue.NewRouter(nil)).Build()
	assert.Error(t, err)
}

func TestBuild_ResolvesMiddlewareEagerly(t *testing.T) {
	b := memory.NewBroker(memory.Defaults())

	_, err := xqueue.NewAppBuilder().
		WithConsumer(b).
		WithHandler(ackAll).
		WithResolver(xqueue.NewRegistry()).
		WithMiddleware("audit").
		Build()
	assert.ErrorIs(t, err, xqueue.ErrRouting)
}

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	cfg := xqueue.DefaultConfig()
	cfg.MaxMessages = 0
	_, err := xqueue.NewAppBuilder().
		WithConsumer(memory.NewBroker(memory.Defaults())).
		WithHandler(ackAll).
		WithConfig(cfg).
		Build()
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	app, err := xqueue.New(func(b *xqueue.AppBuilder) {
		b.WithConsumer(memory.NewBroker(memory.Defaults())).WithHandler(ackAll)
	})
	require.NoError(t, err)
	assert.Equal(t, xqueue.StateIdle, app.State())
}
