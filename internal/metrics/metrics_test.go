package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCreditUpdate("USAGE", "ok")
	m.ObserveCreditLogFailure()
	m.ObserveGiftSend("sent", time.Now())
	m.ObservePersonaCandidates(10)
	m.ObserveRealtimeEvent("conversation-change")
	m.ObserveIdempotentReplay()
	if m.Registry() != nil {
		t.Fatalf("expected nil registry for nil metrics")
	}
}

func TestObserveCreditUpdateCountsByLabel(t *testing.T) {
	m := New("test")
	m.ObserveCreditUpdate("USAGE", "ok")
	m.ObserveCreditUpdate("USAGE", "ok")
	m.ObserveCreditUpdate("BONUS", "ok")

	if got := testutil.ToFloat64(m.CreditUpdates.WithLabelValues("USAGE", "ok")); got != 2 {
		t.Fatalf("expected 2 usage updates, got %v", got)
	}
}

func TestHandlerServesRegisteredCollectors(t *testing.T) {
	m := New("test")
	m.ObserveGiftSend("sent", time.Now())

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `test_gift_sends_total{status="sent"} 1`) {
		t.Fatalf("expected gift send counter in output")
	}
}
