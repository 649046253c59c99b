package systemd

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Not parallel: these tests set process environment.

func listenNotify(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram not available: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read notify socket: %v", err)
	}
	return string(buf[:n])
}

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	sent, err := Ready()
	if err != nil || sent {
		t.Fatalf("Ready() = %v, %v; want false, nil", sent, err)
	}
	if got := WatchdogInterval(); got != 0 {
		t.Fatalf("WatchdogInterval() = %v, want 0", got)
	}
}

func TestNotifyStates(t *testing.T) {
	conn := listenNotify(t)

	if sent, err := Ready(); err != nil || !sent {
		t.Fatalf("Ready() = %v, %v", sent, err)
	}
	if got := read(t, conn); got != "READY=1" {
		t.Fatalf("message = %q, want READY=1", got)
	}
	if _, err := Status("3 timers armed"); err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if got := read(t, conn); got != "STATUS=3 timers armed" {
		t.Fatalf("message = %q", got)
	}
	if _, err := Stopping(); err != nil {
		t.Fatalf("Stopping() error: %v", err)
	}
	if got := read(t, conn); got != "STOPPING=1" {
		t.Fatalf("message = %q, want STOPPING=1", got)
	}
}

func TestWatchdogPings(t *testing.T) {
	conn := listenNotify(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Watchdog(ctx, 20*time.Millisecond, func() bool { return true })
		close(done)
	}()
	got := read(t, conn)
	cancel()
	<-done
	if !strings.HasPrefix(got, "WATCHDOG=1") {
		t.Fatalf("message = %q, want WATCHDOG=1", got)
	}
}
