package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupLogger_JSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := setupLogger(&buf, LogConfig{Level: "INFO"})
	WithJob(logger, "j1", "trade.buy", "jobs.trade", 2).Info("job started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["job_id"] != "j1" || entry["queue"] != "jobs.trade" || entry["attempt"] != float64(2) {
		t.Errorf("unexpected attrs: %v", entry)
	}
}

func TestFromContext(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Error("FromContext() should return stored logger")
	}
	if FromContext(context.Background()) != slog.Default() {
		t.Error("FromContext() without logger should return default")
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.JobFinished("jobs.trade", "succeeded", time.Second)
	m.JobFinished("jobs.trade", "succeeded", time.Second)
	m.Submission("direct", "confirmed")
	m.Dispatch("skipped")

	if got := testutil.ToFloat64(m.jobs.WithLabelValues("jobs.trade", "succeeded")); got != 2 {
		t.Errorf("jobs_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.dispatch.WithLabelValues("skipped")); got != 1 {
		t.Errorf("dispatch_total = %v, want 1", got)
	}

	var nilMetrics *Metrics
	nilMetrics.JobFinished("q", "x", 0)
	nilMetrics.Submission("direct", "x")
	nilMetrics.Dispatch("x")
}
