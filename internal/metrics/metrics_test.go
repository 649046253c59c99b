package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"diffido/internal/eventbus"
	"diffido/internal/task/executor"
)

func counterValue(t *testing.T, m *Metrics, name, label, value string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					if c := metric.GetCounter(); c != nil {
						return c.GetValue()
					}
				}
			}
		}
	}
	return 0
}

func gaugeValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name && len(f.GetMetric()) > 0 {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return -1
}

func TestObserve(t *testing.T) {
	t.Parallel()
	m := New("test", func() int { return 3 }, nil)

	now := time.Now()
	events := []eventbus.Event{
		{Type: eventbus.ExecutionSucceeded, Data: executor.Record{Outcome: executor.OutcomeSuccess, StartedAt: now, CompletedAt: now.Add(time.Second)}},
		{Type: eventbus.ExecutionSucceeded, Data: executor.Record{Outcome: executor.OutcomeSuccess}},
		{Type: eventbus.ExecutionFailed, Data: executor.Record{Outcome: executor.OutcomeFailure}},
		{Type: eventbus.ExecutionSkipped, Data: executor.Record{Outcome: executor.OutcomeSkippedOverlap}},
		{Type: eventbus.ExecutionSucceeded, Data: "not a record"},
		{Type: eventbus.TimerArmed, Data: "1"},
	}
	for _, e := range events {
		m.Observe(e)
	}

	tests := []struct {
		outcome string
		want    float64
	}{
		{"success", 2},
		{"failure", 1},
		{"skipped_overlap", 1},
	}
	for _, tt := range tests {
		if got := counterValue(t, m, "test_executions_total", "outcome", tt.outcome); got != tt.want {
			t.Fatalf("executions_total{outcome=%q} = %v, want %v", tt.outcome, got, tt.want)
		}
	}
	if got := counterValue(t, m, "test_timer_changes_total", "op", "arm"); got != 1 {
		t.Fatalf("timer_changes_total{op=arm} = %v, want 1", got)
	}
	if got := gaugeValue(t, m, "test_armed_timers"); got != 3 {
		t.Fatalf("armed_timers = %v, want 3", got)
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	m := New("", nil, bus.Dropped)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, bus)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(3 * time.Second)
	for counterValue(t, m, "diffido_executions_total", "outcome", "failure") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event not observed")
		}
		// Publish until the subscription is in place.
		bus.Publish(eventbus.Event{Type: eventbus.ExecutionFailed, Data: executor.Record{Outcome: executor.OutcomeFailure}})
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()
	m := New("diffido", nil, nil)
	m.Observe(eventbus.Event{Type: eventbus.ExecutionFailed, Data: executor.Record{Outcome: executor.OutcomeFailure}})

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `diffido_executions_total{outcome="failure"} 1`) {
		t.Fatalf("metrics output missing executions_total:\n%s", body)
	}
}
