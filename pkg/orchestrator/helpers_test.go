package orchestrator

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/loomwork/conductor/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func httptestRecorder(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)
	return rr.Body.String()
}
