package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"diffido/internal/schedule"
	"diffido/internal/storage"
	"diffido/internal/trigger"
	logx "diffido/pkg/logx"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCheckConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	good := filepath.Join(dir, "good.toml")
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(good, []byte("[server]\nport = 8080\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte(`{"store":{"driver":"redis"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
		want    string
	}{
		{name: "valid", path: good, want: "port=8080"},
		{name: "invalid", path: bad, wantErr: true},
		{name: "explicit missing", path: filepath.Join(dir, "nope.yaml"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, "check-config", "--config", tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("check-config error = %v, wantErr %v (out=%s)", err, tt.wantErr, out)
			}
			if tt.want != "" && !strings.Contains(out, tt.want) {
				t.Fatalf("output = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestSchedulesListAndShow(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "schedules.json")
	st, err := storage.Open(storage.Config{Driver: "file", Path: storePath, Location: time.UTC}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open() error: %v", err)
	}
	off := false
	for _, sc := range []schedule.Schedule{
		{Name: "hourly", Trigger: &trigger.Spec{Type: trigger.KindInterval, Hours: 1}},
		{Name: "nightly", Enabled: &off, Trigger: &trigger.Spec{Type: trigger.KindCron, Expression: "0 3 * * *"}},
	} {
		if _, err := st.Create(context.Background(), sc); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}
	_ = st.Close()

	cfgPath := filepath.Join(dir, "diffido.json")
	body := fmt.Sprintf(`{"store":{"driver":"file","path":%q}}`, storePath)
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "schedules", "list", "--config", cfgPath)
	if err != nil {
		t.Fatalf("schedules list error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "1\tinterval\tenabled\thourly") || !strings.Contains(lines[1], "disabled") {
		t.Fatalf("schedules list = %q", out)
	}

	out, err = execute(t, "schedules", "show", "2", "--config", cfgPath)
	if err != nil {
		t.Fatalf("schedules show error: %v", err)
	}
	if !strings.Contains(out, `"expression": "0 3 * * *"`) {
		t.Fatalf("schedules show = %s", out)
	}

	if _, err := execute(t, "schedules", "show", "9", "--config", cfgPath); err == nil {
		t.Fatal("schedules show 9 error = nil, want not found")
	}
}

func TestVersion(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error: %v", err)
	}
	if !strings.HasPrefix(out, "diffido "+Version) {
		t.Fatalf("version output = %q", out)
	}
}
