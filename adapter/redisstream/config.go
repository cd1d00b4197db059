package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams adapter.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumer group
	Group      string
	Consumer   string
	BatchSize  int
	Block      time.Duration
	AutoCreate bool

	// Stream management
	AutoDeleteOnAck bool
	MaxLenApprox    int64

	// Pending entry recovery: entries left pending (crashed consumer, delayed nack) are
	// reclaimed by Consume/Loop once idle for ClaimMinIdle. Zero disables reclaiming.
	ClaimMinIdle time.Duration
	ClaimBatch   int
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xqueue"
	}

	return Config{
		Addr:         "127.0.0.1:6379",
		Group:        "xqueue",
		Consumer:     fmt.Sprintf("xqueue-%s-%d", hostname, os.Getpid()),
		BatchSize:    128,
		Block:        5 * time.Second,
		AutoCreate:   true,
		ClaimMinIdle: 30 * time.Second,
		ClaimBatch:   128,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	for key, v := range map[string]string{"addr": c.Addr, "group": c.Group, "consumer": c.Consumer} {
		if v == "" {
			return fmt.Errorf("redisstream config: %s required", key)
		}
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("redisstream config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("redisstream config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimBatch < 1 {
		return fmt.Errorf("redisstream config: claim_batch must be >= 1 if claim_min_idle is set")
	}
	return nil
}

// ConfigFromMap overlays the recognised keys of m on Defaults(). Durations accept
// time.Duration or a time.ParseDuration string; unknown keys are ignored.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	nonEmpty := func(key string, dst *string) {
		if v, ok := m[key].(string); ok && v != "" {
			*dst = v
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := m[key].(bool); ok {
			*dst = v
		}
	}
	positive := func(key string, dst *int) {
		if v, ok := toInt64(m[key]); ok && v > 0 {
			*dst = int(v)
		}
	}

	nonEmpty("addr", &c.Addr)
	nonEmpty("group", &c.Group)
	nonEmpty("consumer", &c.Consumer)
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := toInt64(m["db"]); ok && v >= 0 {
		c.DB = int(v)
	}
	flag("tls", &c.TLS)
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}

	positive("batch_size", &c.BatchSize)
	positive("claim_batch", &c.ClaimBatch)
	if v, ok := durationValue(m["block"]); ok && v > 0 {
		c.Block = v
	}
	if v, ok := durationValue(m["claim_min_idle"]); ok && v >= 0 {
		c.ClaimMinIdle = v
	}

	flag("auto_create", &c.AutoCreate)
	flag("auto_delete_on_ack", &c.AutoDeleteOnAck)
	if v, ok := toInt64(m["max_len_approx"]); ok && v > 0 {
		c.MaxLenApprox = v
	}

	return c
}

func durationValue(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	}
	return 0, false
}
