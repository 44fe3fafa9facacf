package cmd

import (
	"net/http"

	"github.com/backkem/coap/pkg/coap"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// stateReporter is the part of coap.Node the health check needs.
type stateReporter interface {
	State() coap.NodeState
}

// newHTTPHandler serves /metrics from reg and /healthz from the node state.
func newHTTPHandler(reg *prometheus.Registry, node stateReporter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		state := node.State()
		if state != coap.NodeStateRunning {
			http.Error(w, state.String(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
	return r
}
