package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestHelpersBeforeInit(t *testing.T) {
	// nil collectors must be tolerated; packages call these from tests
	// that never register metrics.
	saved := DispatchQueueDepth
	DispatchQueueDepth = nil
	defer func() { DispatchQueueDepth = saved }()
	SetQueueDepth(3)
}

func TestCountersAfterInit(t *testing.T) {
	Init()

	before := testutil.ToFloat64(DispatchDropped.WithLabelValues("overflow"))
	IncDropped("overflow", 2)
	IncDropped("overflow", 0)
	if got := testutil.ToFloat64(DispatchDropped.WithLabelValues("overflow")); got != before+2 {
		t.Errorf("dropped overflow = %v, want %v", got, before+2)
	}

	IncMessage("")
	if got := testutil.ToFloat64(MessagesReceived.WithLabelValues("unknown")); got < 1 {
		t.Errorf("unknown command counter = %v, want >= 1", got)
	}

	SetBackoffDelay(40 * time.Second)
	if got := testutil.ToFloat64(BackoffDelayGauge); got != 40 {
		t.Errorf("backoff gauge = %v, want 40", got)
	}
	SetSessionState(3)
	if got := testutil.ToFloat64(SessionStateGauge); got != 3 {
		t.Errorf("state gauge = %v, want 3", got)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_duration_seconds", Help: "Test duration"})

	executed := false
	d := TimeFunc(h, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})
	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if d < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", d)
	}

	metric := &dto.Metric{}
	if err := h.Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", metric.Histogram.GetSampleCount())
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Fatal("unexpected correlation on empty context")
	}
	id := NewCorrelationID()
	ctx = WithCorrelation(ctx, id)
	if GetCorrelation(ctx) != id {
		t.Errorf("GetCorrelation() = %q, want %q", GetCorrelation(ctx), id)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("nil logger")
	}
}

func TestSpanWithoutExporter(t *testing.T) {
	ctx, span := StartSpan(WithCorrelation(context.Background(), "abc"), "test")
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	EndSpan(span, errors.New("boom"))
	if IsTracingEnabled() {
		t.Error("tracing should be disabled without an endpoint")
	}
	shutdown, err := InitTracing("", "test", "0")
	if err != nil {
		t.Fatalf("InitTracing(\"\") error: %v", err)
	}
	shutdown()
}
