package systemd

import (
	"context"
	"testing"
)

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if ok, err := Ready(); ok || err != nil {
		t.Fatalf("Ready() = %v, %v; want false, nil outside systemd", ok, err)
	}
	if ok, err := Status("idle"); ok || err != nil {
		t.Fatalf("Status() = %v, %v", ok, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Watchdog(ctx); err != nil {
		t.Fatalf("Watchdog() = %v", err)
	}
}
