package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newRecorder(t *testing.T) (*Prometheus, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	if err != nil {
		t.Fatalf("NewPrometheus: %v", err)
	}
	return p, reg
}

func TestPrometheusPublished(t *testing.T) {
	p, _ := newRecorder(t)

	p.Published("test", nil)
	p.Published("test", nil)
	p.Published("test", errors.New("channel closed"))

	if got := testutil.ToFloat64(p.published.WithLabelValues("test", "ok")); got != 2 {
		t.Errorf("ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.published.WithLabelValues("test", "error")); got != 1 {
		t.Errorf("error = %v, want 1", got)
	}
}

func TestPrometheusAcks(t *testing.T) {
	p, _ := newRecorder(t)

	p.Delivered("OCR")
	p.Acked("OCR")
	p.Nacked("OCR")
	p.Nacked("OCR")

	if got := testutil.ToFloat64(p.deliveries.WithLabelValues("OCR")); got != 1 {
		t.Errorf("deliveries = %v", got)
	}
	if got := testutil.ToFloat64(p.acks.WithLabelValues("OCR", "ack")); got != 1 {
		t.Errorf("acks = %v", got)
	}
	if got := testutil.ToFloat64(p.acks.WithLabelValues("OCR", "nack")); got != 2 {
		t.Errorf("nacks = %v", got)
	}
}

func TestPrometheusTransitionIsOneHot(t *testing.T) {
	p, _ := newRecorder(t)

	p.Transition("subscriber", "OCR", "started")
	p.Transition("subscriber", "OCR", "stopped")

	for _, s := range States {
		want := 0.0
		if s == "stopped" {
			want = 1
		}
		if got := testutil.ToFloat64(p.state.WithLabelValues("subscriber", "OCR", s)); got != want {
			t.Errorf("state %s = %v, want %v", s, got, want)
		}
	}
}

func TestNewPrometheusDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheus(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := NewPrometheus(reg); err == nil {
		t.Fatal("expected error registering collectors twice")
	}
}

func TestMuxHealthAndMetrics(t *testing.T) {
	p, reg := newRecorder(t)
	p.Published("test", nil)

	h := &Health{}
	mux := NewMux(reg, h)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health before ready = %d", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"status":"ok"}` {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `pubsub_published_total{exchange="test",result="ok"} 1`) {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}
