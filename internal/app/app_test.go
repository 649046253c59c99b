package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "diffido.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewAppMissingConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.yaml")

	if _, err := NewApp(context.Background(), path, true, Overrides{}); err == nil {
		t.Fatal("NewApp(required) error = nil, want missing file error")
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, "store:\n  driver: redis\n")

	if _, err := NewApp(context.Background(), path, true, Overrides{}); err == nil {
		t.Fatal("NewApp() error = nil, want store.driver error")
	}
}

func TestAppServesAndStops(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, fmt.Sprintf(`
logging:
  level: ERROR
  console: false
store:
  driver: file
  path: %s
job_store:
  url: memory
metrics:
  enabled: true
`, filepath.Join(dir, "schedules.json")))

	a, err := NewApp(context.Background(), path, true, Overrides{Address: "127.0.0.1", Port: freePort(t)})
	if err != nil {
		t.Fatalf("NewApp() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	base := "http://" + a.Addr()

	body := bytes.NewBufferString(`{"name":"ping","trigger":{"type":"interval","hours":1}}`)
	resp, err := http.Post(base+"/api/schedules", "application/json", body)
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	var created struct {
		Error    bool `json:"error"`
		Schedule struct {
			ID string `json:"id"`
		} `json:"schedule"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || created.Schedule.ID != "1" {
		t.Fatalf("POST = %d %+v, want 200 with id 1", resp.StatusCode, created)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done() not closed after Stop")
	}

	// The schedule survives in the file store.
	raw, err := os.ReadFile(filepath.Join(dir, "schedules.json"))
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	if !bytes.Contains(raw, []byte(`"ping"`)) {
		t.Fatalf("store = %s, want schedule named ping", raw)
	}
}

func TestUnreadableStoreIsLoadedOnceReadable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "schedules.json")
	if err := os.WriteFile(storePath, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, dir, fmt.Sprintf("logging:\n  console: false\nstore:\n  driver: file\n  path: %s\njob_store:\n  url: memory\n", storePath))

	a, err := NewApp(context.Background(), path, true, Overrides{Address: "127.0.0.1", Port: freePort(t)})
	if err != nil {
		t.Fatalf("NewApp() error: %v", err)
	}
	a.loadBackoff = 10 * time.Millisecond
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	if n := a.sched.ArmedCount(); n != 0 {
		t.Fatalf("ArmedCount() = %d with unreadable store, want 0", n)
	}

	doc := `{"schedules":{"1":{"id":"1","trigger":{"type":"interval","hours":1}}},"last_id":1}`
	if err := os.WriteFile(storePath, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		ti, err := a.sched.Timer(context.Background(), "1")
		if err == nil && ti.Armed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("schedule 1 not armed after store became readable (timer=%+v, err=%v)", ti, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestApplyConfigUpdatesRateLimit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  console: false\nstore:\n  driver: memory\njob_store:\n  url: memory\n")

	a, err := NewApp(context.Background(), path, true, Overrides{Port: 4321})
	if err != nil {
		t.Fatalf("NewApp() error: %v", err)
	}
	next := *a.cfg
	next.Server.Port = 9999
	next.Server.RatePerSec = 5
	next.Server.RateBurst = 2
	a.applyConfig(&next)

	if a.cfg.Server.Port != 4321 {
		t.Fatalf("port = %d, want override 4321 kept", a.cfg.Server.Port)
	}
	if a.cfg.Server.RatePerSec != 5 {
		t.Fatalf("rate = %v, want 5", a.cfg.Server.RatePerSec)
	}
	_ = a.store.Close()
	_ = a.timers.Close()
}

func TestRedactURL(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"postgres://bob:secret@db/jobs", "postgres://bob:***@db/jobs"},
		{"sqlite:///conf/jobs.db", "sqlite:///conf/jobs.db"},
		{"memory", "memory"},
	}
	for _, tt := range tests {
		if got := redactURL(tt.in); got != tt.want {
			t.Errorf("redactURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
