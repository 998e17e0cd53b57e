package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/shelfwatch/shelf"
)

func TestNewLogger_JSONWhenNotATerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("want JSON record, got %s", out)
	}
	if !logger.Enabled(context.Background(), slog.LevelWarn) || logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("level not applied")
	}
}

func TestPrintOutcomes_FailsWhenAChannelFails(t *testing.T) {
	// WHAT: digest exits non-zero when any channel failed, after printing all.
	var buf bytes.Buffer
	err := printOutcomes(&buf, []shelf.Outcome{
		{Channel: "mail", Duration: 120 * time.Millisecond},
		{Channel: "push", Err: errors.New("http status 500")},
	})
	if err == nil || !strings.Contains(err.Error(), "1 channel failed") {
		t.Fatalf("err = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "mail") || !strings.Contains(out, "FAIL  http status 500") {
		t.Errorf("output: %s", out)
	}

	buf.Reset()
	if err := printOutcomes(&buf, nil); err != nil || !strings.Contains(buf.String(), "nothing sent") {
		t.Errorf("empty: %v %q", err, buf.String())
	}
}

func TestPrintMetrics(t *testing.T) {
	var buf bytes.Buffer
	printMetrics(&buf, []shelf.Metric{
		{Name: "cycle_duration_ms", Value: 420, Unit: "milliseconds", Timestamp: time.Now(), Labels: map[string]string{"cycle_id": "cyc_1"}},
		{Name: "goroutines_count", Value: 12, Unit: "count", Timestamp: time.Now()},
	})
	out := buf.String()
	for _, want := range []string{"420 milliseconds", "cyc_1", "12 count"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}
