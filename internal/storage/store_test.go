package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"diffido/internal/schedule"
	"diffido/internal/trigger"
	logx "diffido/pkg/logx"
)

func everyMinute() schedule.Schedule {
	return schedule.Schedule{Trigger: &trigger.Spec{Type: trigger.KindInterval, Minutes: 1}}
}

func openFileStore(t *testing.T) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conf", "schedules.json")
	st, err := Open(Config{Driver: "file", Path: path, Location: time.UTC}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func drivers(t *testing.T) map[string]Store {
	t.Helper()
	fs, _ := openFileStore(t)
	ms, err := Open(Config{Driver: "memory", Location: time.UTC}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(memory) error: %v", err)
	}
	return map[string]Store{"file": fs, "memory": ms}
}

func TestIDsAreNeverReused(t *testing.T) {
	t.Parallel()
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, err := st.Create(ctx, everyMinute())
			if err != nil {
				t.Fatalf("Create() error: %v", err)
			}
			if a.ID != "1" {
				t.Fatalf("first id = %q, want 1", a.ID)
			}
			b, _ := st.Create(ctx, everyMinute())
			if b.ID != "2" {
				t.Fatalf("second id = %q, want 2", b.ID)
			}
			removed, err := st.Delete(ctx, "1")
			if err != nil || !removed {
				t.Fatalf("Delete(1) = %v, %v; want true, nil", removed, err)
			}
			c, _ := st.Create(ctx, everyMinute())
			if c.ID != "3" {
				t.Fatalf("third id = %q, want 3", c.ID)
			}
			// deleting the highest id must not free it either
			if _, err := st.Delete(ctx, "3"); err != nil {
				t.Fatalf("Delete(3) error: %v", err)
			}
			d, _ := st.Create(ctx, everyMinute())
			if d.ID != "4" {
				t.Fatalf("fourth id = %q, want 4", d.ID)
			}
		})
	}
}

func TestCreateIgnoresBodyID(t *testing.T) {
	t.Parallel()
	st, _ := openFileStore(t)
	s := everyMinute()
	s.ID = "99"
	got, err := st.Create(context.Background(), s)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if got.ID != "1" {
		t.Fatalf("id = %q, want 1", got.ID)
	}
}

func TestCreateInvalidTriggerLeavesStoreUnchanged(t *testing.T) {
	t.Parallel()
	st, path := openFileStore(t)
	ctx := context.Background()

	bad := schedule.Schedule{Trigger: &trigger.Spec{Type: trigger.KindCron, Expression: "not-a-valid-expr"}}
	if _, err := st.Create(ctx, bad); !errors.Is(err, schedule.ErrInvalidTrigger) {
		t.Fatalf("Create() error = %v, want ErrInvalidTrigger", err)
	}
	if _, err := st.Create(ctx, schedule.Schedule{}); !errors.Is(err, schedule.ErrInvalidTrigger) {
		t.Fatalf("Create() without trigger error = %v, want ErrInvalidTrigger", err)
	}
	all, err := st.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("List() = %d entries, want 0", len(all))
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("document written after rejected create: %v", err)
	}
}

func TestRoundTripPreservesFields(t *testing.T) {
	t.Parallel()
	st, path := openFileStore(t)
	ctx := context.Background()
	off := false
	in := schedule.Schedule{
		Name:             "homepage",
		Description:      "watch the homepage",
		Trigger:          &trigger.Spec{Type: trigger.KindCron, Expression: "*/5 * * * *"},
		Enabled:          &off,
		ActionParameters: map[string]any{"url": "https://example.org", "selector": "#main"},
		Metadata:         map[string]any{"owner": "ops"},
	}
	created, err := st.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// reopen to force a read from disk
	st2, err := Open(Config{Driver: "file", Path: path, Location: time.UTC}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	got, err := st2.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Name != in.Name || got.Description != in.Description {
		t.Fatalf("Get() = %+v, want name/description preserved", got)
	}
	if got.Trigger == nil || got.Trigger.Expression != "*/5 * * * *" {
		t.Fatalf("trigger = %+v, want cron */5 * * * *", got.Trigger)
	}
	if got.IsEnabled() {
		t.Fatal("enabled=false lost on round-trip")
	}
	if got.ActionParameters["selector"] != "#main" || got.Metadata["owner"] != "ops" {
		t.Fatalf("opaque maps not preserved: %+v %+v", got.ActionParameters, got.Metadata)
	}
}

func TestUpdateReplacesFully(t *testing.T) {
	t.Parallel()
	st, _ := openFileStore(t)
	ctx := context.Background()
	in := everyMinute()
	in.Name = "old"
	in.ActionParameters = map[string]any{"a": 1.0, "b": 2.0}
	created, _ := st.Create(ctx, in)

	repl := schedule.Schedule{
		ID:               "42",
		Trigger:          &trigger.Spec{Type: trigger.KindInterval, Unit: "hours", Amount: 1},
		ActionParameters: map[string]any{"c": 3.0},
	}
	got, err := st.Update(ctx, created.ID, repl)
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if got.ID != created.ID {
		t.Fatalf("id = %q, want %q", got.ID, created.ID)
	}
	stored, _ := st.Get(ctx, created.ID)
	if stored.Name != "" {
		t.Fatalf("name = %q, want cleared by full replacement", stored.Name)
	}
	if _, ok := stored.ActionParameters["a"]; ok {
		t.Fatalf("action_parameters merged: %+v", stored.ActionParameters)
	}
	if stored.ActionParameters["c"] != 3.0 {
		t.Fatalf("action_parameters = %+v, want c=3", stored.ActionParameters)
	}
	all, _ := st.List(ctx)
	if _, ok := all["42"]; ok {
		t.Fatal("body id created a new entry")
	}
}

func TestUpdateErrors(t *testing.T) {
	t.Parallel()
	st, _ := openFileStore(t)
	ctx := context.Background()
	if _, err := st.Update(ctx, "7", everyMinute()); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("Update(unknown) error = %v, want ErrNotFound", err)
	}
	if _, err := st.Update(ctx, "", everyMinute()); !errors.Is(err, schedule.ErrIDRequired) {
		t.Fatalf("Update(\"\") error = %v, want ErrIDRequired", err)
	}
	created, _ := st.Create(ctx, everyMinute())
	bad := schedule.Schedule{Trigger: &trigger.Spec{Type: trigger.KindCron, Expression: "nope"}}
	if _, err := st.Update(ctx, created.ID, bad); !errors.Is(err, schedule.ErrInvalidTrigger) {
		t.Fatalf("Update(bad trigger) error = %v, want ErrInvalidTrigger", err)
	}
	stored, _ := st.Get(ctx, created.ID)
	if stored.Trigger.Minutes != 1 {
		t.Fatalf("rejected update modified the stored trigger: %+v", stored.Trigger)
	}
}

func TestDeleteUnknownIsNoop(t *testing.T) {
	t.Parallel()
	st, _ := openFileStore(t)
	removed, err := st.Delete(context.Background(), "5")
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if removed {
		t.Fatal("Delete(unknown) reported removal")
	}
	if _, err := st.Delete(context.Background(), " "); !errors.Is(err, schedule.ErrIDRequired) {
		t.Fatalf("Delete(blank) error = %v, want ErrIDRequired", err)
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()
	st, _ := openFileStore(t)
	if _, err := st.Get(context.Background(), "1"); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestUnreadableDocument(t *testing.T) {
	t.Parallel()
	st, path := openFileStore(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	all, err := st.List(ctx)
	if !errors.Is(err, schedule.ErrStorageUnavailable) {
		t.Fatalf("List() error = %v, want ErrStorageUnavailable", err)
	}
	if all == nil || len(all) != 0 {
		t.Fatalf("List() = %v, want empty non-nil map", all)
	}
	if _, err := st.Create(ctx, everyMinute()); !errors.Is(err, schedule.ErrStorageUnavailable) {
		t.Fatalf("Create() error = %v, want ErrStorageUnavailable", err)
	}
	raw, _ := os.ReadFile(path)
	if string(raw) != "{not json" {
		t.Fatalf("failed create touched the document: %q", raw)
	}
}

func TestLegacyDocumentWithoutLastID(t *testing.T) {
	t.Parallel()
	st, path := openFileStore(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	legacy := `{"schedules":{"4":{"trigger":{"type":"interval","minutes":1}},"web":{"trigger":{"type":"interval","minutes":2}}}}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	got, err := st.Get(ctx, "4")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ID != "4" {
		t.Fatalf("id = %q, want 4 (taken from the map key)", got.ID)
	}
	created, err := st.Create(ctx, everyMinute())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if created.ID != "5" {
		t.Fatalf("id = %q, want 5", created.ID)
	}
}

func TestConcurrentCreatesGetDistinctIDs(t *testing.T) {
	t.Parallel()
	st, path := openFileStore(t)
	ctx := context.Background()

	const n = 20
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := st.Create(ctx, everyMinute())
			if err != nil {
				t.Errorf("Create() error: %v", err)
				return
			}
			ids <- s.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	all, _ := st.List(ctx)
	if len(all) != n {
		t.Fatalf("List() = %d entries, want %d", len(all), n)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	st, _ := openFileStore(t)
	_ = st.Close()
	if _, err := st.List(context.Background()); !errors.Is(err, schedule.ErrStorageUnavailable) {
		t.Fatalf("List() after Close error = %v, want ErrStorageUnavailable", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "s3"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
