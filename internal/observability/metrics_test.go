package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordTurn("success", 2*time.Second, 3)
	m.RecordModelCall("success")
	m.RecordModelCall("error")
	m.RecordModelRetry()
	m.RecordTokens(100, 40)
	m.RecordToolExecution("echo", "success", 50*time.Millisecond)
	m.RecordMCPReconnect("weather")
	m.RecordEviction(4)
	m.RecordGuardrailIntervention()

	if got := testutil.ToFloat64(m.TurnsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("turns success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ModelCallsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("model calls error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("input")); got != 100 {
		t.Errorf("input tokens = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionsTotal.WithLabelValues("echo", "success")); got != 1 {
		t.Errorf("tool executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MCPReconnectsTotal.WithLabelValues("weather")); got != 1 {
		t.Errorf("reconnects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EvictedMessagesTotal); got != 4 {
		t.Errorf("evictions = %v, want 4", got)
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordTurn("success", time.Second, 1)
	m.RecordModelCall("success")
	m.RecordModelRetry()
	m.RecordTokens(1, 1)
	m.RecordToolExecution("echo", "success", time.Millisecond)
	m.RecordMCPReconnect("s")
	m.RecordEviction(1)
	m.RecordGuardrailIntervention()
}
