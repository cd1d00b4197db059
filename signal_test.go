package xqueue

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchSignals_ForwardsUntilStopped(t *testing.T) {
	ch := make(chan os.Signal, 1)
	got := make(chan os.Signal, 2)
	stop := watchSignals(ch, func(sig os.Signal) { got <- sig })

	ch <- syscall.SIGTERM
	select {
	case sig := <-got:
		assert.Equal(t, syscall.SIGTERM, sig)
	case <-time.After(time.Second):
		t.Fatal("signal not forwarded")
	}

	stop()
	stop() // idempotent

	ch <- syscall.SIGINT
	select {
	case sig := <-got:
		t.Fatalf("signal %v forwarded after stop", sig)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifySignals_NoSignalsIsNoop(t *testing.T) {
	stop := notifySignals(nil, func(os.Signal) { t.Fatal("unexpected signal") })
	require.NotNil(t, stop)
	stop()
}
