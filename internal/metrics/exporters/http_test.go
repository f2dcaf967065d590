package exporters

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/smazurov/vcapd/internal/metrics"
)

func TestHTTPHandler(t *testing.T) {
	handler := HTTPHandler()
	if handler == nil {
		t.Fatal("expected non-nil handler")
	}

	// Set a metric so there's something to export
	metrics.ObserveRequest("query-capabilities", 0, time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	body := w.Body.String()
	if !strings.Contains(body, "vcapd_dispatch_requests_total") {
		t.Error("expected prometheus metrics in response")
	}
}

func TestHandlerForCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "vcapd_test_gauge", Help: "test"})
	reg.MustRegister(gauge)
	gauge.Set(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), "vcapd_test_gauge 3") {
		t.Errorf("custom registry gauge missing:\n%s", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "vcapd_dispatch_requests_total") {
		t.Error("default registry leaked into custom handler")
	}
}
