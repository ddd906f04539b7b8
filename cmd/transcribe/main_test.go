package main

import (
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatchSignals(t *testing.T) {
	sigs := make(chan os.Signal)
	var cancels atomic.Int32
	exited := make(chan int, 1)
	go watchSignals(sigs, func() { cancels.Add(1) }, func(code int) { exited <- code }, zerolog.Nop())

	sigs <- os.Interrupt
	// the unbuffered send returns once the watcher took the first signal
	select {
	case code := <-exited:
		t.Fatalf("first interrupt must not exit, got code %d", code)
	case <-time.After(50 * time.Millisecond):
	}

	sigs <- syscall.SIGTERM
	select {
	case code := <-exited:
		if code != exitCancelled {
			t.Fatalf("expected exit code %d, got %d", exitCancelled, code)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("second interrupt did not exit")
	}
	if got := cancels.Load(); got != 1 {
		t.Fatalf("expected one cancel, got %d", got)
	}
}
