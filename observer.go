package xqueue

import (
	"time"

	"github.com/trickstertwo/xlog"
)

// EventType enumerates application lifecycle events for observers.
type EventType string

const (
	ListenStart     EventType = "listen_start"
	DispatchStart   EventType = "dispatch_start"
	DispatchDone    EventType = "dispatch_done"
	AckEvent        EventType = "ack"
	NackEvent       EventType = "nack"
	DeadletterEvent EventType = "deadletter"
	ErrorEvent      EventType = "error"
	ShutdownEvent   EventType = "shutdown"
	ListenStopped   EventType = "listen_stopped"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Topic     string
	MessageID string
	Response  Response
	Duration  time.Duration
	Err       error
	// Reason describes what triggered a shutdown (signal name, "context", "shutdown").
	Reason string
}

// ObserverFunc lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver emits application events through xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("topic", e.Topic),
		xlog.Str("message_id", e.MessageID),
	)
	switch e.Type {
	case ListenStart:
		ev.Info().Msg("xqueue listening")
	case ShutdownEvent:
		ev.Info().Str("reason", e.Reason).Msg("xqueue shutting down")
	case ListenStopped:
		ev.Info().Msg("xqueue stopped")
	case ErrorEvent, NackEvent, DeadletterEvent:
		ev.Warn().Err(e.Err).Msg("xqueue event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xqueue event")
	}
}
