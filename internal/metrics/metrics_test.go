package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsMethodsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordSessionAcquired("ws")
	m.RecordSessionReleased("ws")
	m.RecordToolCall("read_file", time.Millisecond, false)
	m.RecordTaskDispatch("researcher", "success", time.Millisecond)
	m.RecordProgressStream("agent", time.Millisecond)

	if m.Handler() == nil {
		t.Fatal("Handler should return a non-nil handler even for a nil Metrics")
	}
}

func TestHandlerServesExpositionFormat(t *testing.T) {
	m := New("conductor")
	m.RecordToolCall("read_file", 5*time.Millisecond, false)
	m.RecordSessionAcquired("/work")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "conductor_toolregistry_calls_total") {
		t.Fatalf("body missing expected metric:\n%s", body)
	}
	if !strings.Contains(body, "conductor_pool_sessions_acquired_total") {
		t.Fatalf("body missing expected metric:\n%s", body)
	}
}
