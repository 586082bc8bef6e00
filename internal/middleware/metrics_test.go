package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(reg); err == nil {
		t.Error("expected an error registering the same collectors twice")
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveHTTPRequest(http.MethodGet, "/", http.StatusOK, time.Millisecond, 0, 0)
	m.observeLimit("global", "/", false)
	m.incLimitStoreErrors()
}

func TestHTTPMetrics_LabelsByRoute(t *testing.T) {
	m := NewMetrics()
	h := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/event/999" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	for _, path := range []string{"/event/1", "/event/2", "/event/999"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	body := `{"uid":1,"source":"web","name":"open","type":"nav"}`
	req := httptest.NewRequest(http.MethodPost, "/event/add", strings.NewReader(body))
	h.ServeHTTP(httptest.NewRecorder(), req)

	tests := []struct {
		method, route, status string
		want                  float64
	}{
		{"GET", "/event/{id}", "200", 2},
		{"GET", "/event/{id}", "404", 1},
		{"POST", "/event/add", "200", 1},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.requests.WithLabelValues(tt.method, tt.route, tt.status))
		if got != tt.want {
			t.Errorf("requests{%s %s %s} = %v, want %v", tt.method, tt.route, tt.status, got, tt.want)
		}
	}

	var hist dto.Metric
	obs := m.requestSize.WithLabelValues("POST", "/event/add", "200").(prometheus.Histogram)
	if err := obs.Write(&hist); err != nil {
		t.Fatalf("failed to read histogram: %v", err)
	}
	if got := hist.GetHistogram().GetSampleSum(); got != float64(len(body)) {
		t.Errorf("request size sum = %v, want %d", got, len(body))
	}
}

func TestHTTPMetrics_SkipsInfraRoutes(t *testing.T) {
	m := NewMetrics()
	h := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	if n := testutil.CollectAndCount(m.requests); n != 0 {
		t.Errorf("expected no request series for infra routes, got %d", n)
	}
}

func TestHTTPMetrics_UnknownPathsShareLabel(t *testing.T) {
	m := NewMetrics()
	h := HTTPMetrics(m)(http.NotFoundHandler())
	for _, path := range []string{"/wp-admin", "/.env", "/event/1/2/3"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	if n := testutil.CollectAndCount(m.requests); n != 1 {
		t.Errorf("expected a single series for unknown paths, got %d", n)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("GET", UnmatchedRoute, "404")); got != 3 {
		t.Errorf("unmatched count = %v, want 3", got)
	}
}

func TestHTTPMetrics_NilMetricsPassThrough(t *testing.T) {
	called := false
	h := HTTPMetrics(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/event/1", nil))
	if !called {
		t.Error("handler not called")
	}
}
