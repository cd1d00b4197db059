package xqueue

import (
	"os"
	"os/signal"
	"sync"
)

// notifySignals calls fn for each of sigs delivered to the process until stop is called.
// With no signals it installs nothing.
func notifySignals(sigs []os.Signal, fn func(os.Signal)) (stop func()) {
	if len(sigs) == 0 {
		return func() {}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	stopWatch := watchSignals(ch, fn)
	return func() {
		signal.Stop(ch)
		stopWatch()
	}
}

// watchSignals forwards signals from ch to fn on a single goroutine. fn therefore never
// runs concurrently with itself.
func watchSignals(ch <-chan os.Signal, fn func(os.Signal)) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case sig := <-ch:
				fn(sig)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
