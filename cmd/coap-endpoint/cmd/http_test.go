package cmd

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/backkem/coap/pkg/coap"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type fixedState coap.NodeState

func (s fixedState) State() coap.NodeState { return coap.NodeState(s) }

func TestHealthz(t *testing.T) {
	tests := []struct {
		state coap.NodeState
		want  int
	}{
		{coap.NodeStateRunning, http.StatusOK},
		{coap.NodeStateInitialized, http.StatusServiceUnavailable},
		{coap.NodeStateStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		h := newHTTPHandler(prometheus.NewRegistry(), fixedState(tt.state))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != tt.want {
			t.Errorf("GET /healthz in %s = %d, want %d", tt.state, rec.Code, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.DefaultNamespace, reg)
	m.Retransmission()

	h := newHTTPHandler(reg, fixedState(coap.NodeStateRunning))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "coap_retransmissions_total 1") {
		t.Errorf("metrics body missing retransmission counter:\n%s", rec.Body.String())
	}
}
