// Package debug hosts the process-wide metrics registry and the debug HTTP
// mux (metrics, health, readiness and pprof).
package debug

import (
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ready atomic.Bool

	readyChecksMu sync.RWMutex
	readyChecks   []func() bool

	globalRegistry = newRegistry()
)

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func SetReady() {
	ready.Store(true)
}

func SetNotReady() {
	ready.Store(false)
}

// AddReadyCheck registers an extra readiness condition. IsReady reports true
// only when SetReady has been called and every check passes.
func AddReadyCheck(check func() bool) {
	readyChecksMu.Lock()
	defer readyChecksMu.Unlock()
	readyChecks = append(readyChecks, check)
}

func IsReady() bool {
	if !ready.Load() {
		return false
	}

	readyChecksMu.RLock()
	defer readyChecksMu.RUnlock()
	for _, check := range readyChecks {
		if !check() {
			return false
		}
	}
	return true
}

// Registry returns the registerer every package uses for its collectors.
func Registry() prometheus.Registerer {
	return globalRegistry
}

// Gatherer exposes the registry for tests and custom exporters.
func Gatherer() prometheus.Gatherer {
	return globalRegistry
}

func GetMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(globalRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	return mux
}
