package systemd

import (
	"context"
	"testing"
	"time"
)

func TestNotifyOutsideSystemdIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if sent, err := Ready(); sent || err != nil {
		t.Fatalf("Ready = %v, %v", sent, err)
	}
	if sent, err := Stopping(); sent || err != nil {
		t.Fatalf("Stopping = %v, %v", sent, err)
	}
	if WatchdogInterval() != 0 {
		t.Fatal("watchdog should be disabled")
	}

	done := make(chan struct{})
	go func() {
		RunWatchdog(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunWatchdog should return when disabled")
	}
}
