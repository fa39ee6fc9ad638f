package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func find(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func TestRecordIngest(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordIngest("text-upload", 3, 20*time.Millisecond)
	c.RecordIngest("text-upload", 2, 30*time.Millisecond)

	rows := find(t, reg, "sourcehub_ingest_rows_total")
	if got := rows.GetMetric()[0].GetCounter().GetValue(); got != 5 {
		t.Errorf("ingest_rows_total = %v, want 5", got)
	}
	hist := find(t, reg, "sourcehub_ingest_duration_seconds")
	if got := hist.GetMetric()[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("ingest_duration sample count = %d, want 2", got)
	}
}

func TestRecordIngestFailure_Labels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordIngestFailure("manual", "InvalidManualPayload")

	mf := find(t, reg, "sourcehub_ingest_failures_total")
	labels := map[string]string{}
	for _, lp := range mf.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	if labels["kind"] != "manual" || labels["code"] != "InvalidManualPayload" {
		t.Errorf("labels = %v", labels)
	}
}

func TestRegisterGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RegisterGauge("uploads_in_flight", "Active ingestions.", func() float64 { return 2 })

	mf := find(t, reg, "sourcehub_uploads_in_flight")
	if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 2 {
		t.Errorf("gauge = %v, want 2", got)
	}
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordHTTPRequest(http.MethodGet, "/api/health", http.StatusOK, time.Millisecond)
	c.RecordAuthEvent("login", "ok")

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	for _, want := range []string{"sourcehub_http_requests_total", "sourcehub_auth_events_total"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("response missing %s", want)
		}
	}
}
