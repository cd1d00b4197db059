package xqueue

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// Config controls the application loop.
type Config struct {
	// MaxMessages is the batch size requested from Consumer.Consume (pull mode).
	MaxMessages int
	// PollTimeout bounds how long a single Consume call may block.
	PollTimeout time.Duration
	// NackDelay is passed to Consumer.Nack for redelivery.
	NackDelay time.Duration
	// AckTimeout bounds each ack/nack/deadletter call. Zero disables the bound.
	AckTimeout time.Duration
	// Signals trigger a graceful shutdown while listening. Empty disables signal handling.
	Signals []os.Signal
	// Options are passed through to Consume and Subscribe.
	Options map[string]any
}

// DefaultConfig returns the defaults used when no Config is supplied.
func DefaultConfig() Config {
	return Config{
		MaxMessages: 1,
		PollTimeout: 5 * time.Second,
		NackDelay:   0,
		AckTimeout:  5 * time.Second,
		Signals:     []os.Signal{os.Interrupt, syscall.SIGTERM},
	}
}

// Validate checks the config for values the loop cannot work with.
func (c Config) Validate() error {
	if c.MaxMessages < 1 {
		return fmt.Errorf("config: max_messages must be >= 1, got %d", c.MaxMessages)
	}
	if c.PollTimeout < 0 {
		return fmt.Errorf("config: poll_timeout must be >= 0, got %v", c.PollTimeout)
	}
	if c.NackDelay < 0 {
		return fmt.Errorf("config: nack_delay must be >= 0, got %v", c.NackDelay)
	}
	if c.AckTimeout < 0 {
		return fmt.Errorf("config: ack_timeout must be >= 0, got %v", c.AckTimeout)
	}
	return nil
}

// ConfigFromMap converts a generic config blob to Config, keeping defaults for
// missing or mistyped keys. Durations may be time.Duration, a string accepted by
// time.ParseDuration, or a number of nanoseconds. Signals are names such as "SIGTERM".
func ConfigFromMap(m map[string]any) Config {
	c := DefaultConfig()

	if v, ok := toInt(m["max_messages"]); ok && v > 0 {
		c.MaxMessages = v
	}
	if v, ok := toDuration(m["poll_timeout"]); ok {
		c.PollTimeout = v
	}
	if v, ok := toDuration(m["nack_delay"]); ok {
		c.NackDelay = v
	}
	if v, ok := toDuration(m["ack_timeout"]); ok {
		c.AckTimeout = v
	}
	if names, ok := toStrings(m["signals"]); ok {
		c.Signals = c.Signals[:0:0]
		for _, name := range names {
			if sig, ok := signalByName[name]; ok {
				c.Signals = append(c.Signals, sig)
			}
		}
	}
	if v, ok := m["options"].(map[string]any); ok {
		c.Options = v
	}
	return c
}

var signalByName = map[string]os.Signal{
	"SIGINT":  os.Interrupt,
	"SIGTERM": syscall.SIGTERM,
	"SIGHUP":  syscall.SIGHUP,
	"SIGQUIT": syscall.SIGQUIT,
}

// toStrings accepts []string or the []any a JSON or YAML decoder produces.
func toStrings(v any) ([]string, bool) {
	switch l := v.(type) {
	case []string:
		return l, true
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func toDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		if p, err := time.ParseDuration(d); err == nil {
			return p, true
		}
	case int:
		return time.Duration(d), true
	case int64:
		return time.Duration(d), true
	case float64:
		return time.Duration(d), true
	}
	return 0, false
}
