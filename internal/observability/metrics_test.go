package observability

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/remotesource/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestMetricsRecorders(t *testing.T) {
	testlog.Start(t)
	m := NewMetrics()

	m.RecordInvocation("read", 5*time.Millisecond, nil)
	m.RecordInvocation("read", time.Millisecond, errors.New("boom"))
	m.RecordInvocation("getCatalog", time.Millisecond, nil)
	if got := testutil.ToFloat64(m.invocations.WithLabelValues("read", "ok")); got != 1 {
		t.Fatalf("read ok=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.invocations.WithLabelValues("read", "error")); got != 1 {
		t.Fatalf("read error=%v want 1", got)
	}
	if n := testutil.CollectAndCount(m.duration); n != 2 {
		t.Fatalf("expected 2 duration series, got %d", n)
	}

	m.RecordSamples("FLOAT64", 4, 1)
	if got := testutil.ToFloat64(m.samples.WithLabelValues("FLOAT64", "valid")); got != 4 {
		t.Fatalf("valid samples=%v want 4", got)
	}

	m.RecordDelegated("local", nil)
	m.SetProgress(0.5)
	if got := testutil.ToFloat64(m.progress); got != 0.5 {
		t.Fatalf("progress=%v want 0.5", got)
	}

	summary := m.Summary()
	if summary["remotesource_rpc_invocations_total{method=read,outcome=ok}"] != 1 {
		t.Fatalf("summary missing read counter: %v", summary)
	}
	if summary["remotesource_read_delegated_total{outcome=ok,target=local}"] != 1 {
		t.Fatalf("summary missing delegated counter: %v", summary)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	testlog.Start(t)
	var m *Metrics
	m.RecordInvocation("read", time.Millisecond, nil)
	m.RecordSamples("INT64", 1, 0)
	m.RecordDelegated("upstream", nil)
	m.SetProgress(1)
	if len(m.Summary()) != 0 {
		t.Fatalf("nil metrics produced a summary")
	}
}

func TestLogSummary(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	logger := SessionLogger(zerolog.New(&buf), "sess-1", "127.0.0.1:5000")
	m := NewMetrics()
	m.RecordInvocation("setContext", time.Millisecond, nil)
	LogSummary(logger, m)

	out := buf.String()
	for _, want := range []string{"sess-1", "127.0.0.1:5000", "session summary", "setContext"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary line missing %q: %s", want, out)
		}
	}
}
