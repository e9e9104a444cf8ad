package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordDecision("aiMessages", "consume", "allowed")
	m.RecordFailOpen("aiMessages", "unavailable")
	m.AddNotifierListeners(1)
	if m.Registry() != nil {
		t.Fatalf("expected nil registry on nil metrics")
	}
}

func TestRecordDecisionCountsByLabels(t *testing.T) {
	m := New(Config{Enabled: true})
	m.RecordDecision("aiMessages", "consume", "allowed")
	m.RecordDecision("aiMessages", "consume", "allowed")
	m.RecordDecision("aiMessages", "consume", "denied")

	if got := testutil.ToFloat64(m.decisions.WithLabelValues("aiMessages", "consume", "allowed")); got != 2 {
		t.Fatalf("expected 2 allowed decisions, got %v", got)
	}
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("aiMessages", "consume", "denied")); got != 1 {
		t.Fatalf("expected 1 denied decision, got %v", got)
	}
}

func TestSanitizeLabel(t *testing.T) {
	if got := sanitizeLabel("  "); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
	if got := sanitizeLabel(strings.Repeat("x", 100)); len(got) != 64 {
		t.Fatalf("expected truncation to 64, got %d", len(got))
	}
	if got := statusClass(503); got != "5xx" {
		t.Fatalf("expected 5xx, got %q", got)
	}
}
