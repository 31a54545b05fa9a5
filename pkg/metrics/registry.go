// Package metrics provides Prometheus metrics for the extent store.
//
// All metrics are optional. Until InitRegistry is called every constructor
// returns nil, and the instrumented packages fall back to their built-in
// no-op implementations.
//
// Usage:
//
//	metrics.InitRegistry()
//	store, err := object.OpenStore(ctx, dev, db, object.Config{
//	    Metrics:          metrics.NewHandleMetrics(),
//	    AllocatorMetrics: metrics.NewAllocatorMetrics(),
//	    TxnMetrics:       metrics.NewTxnMetrics(),
//	})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "extentstore"

var (
	// registry is written once by InitRegistry and read afterwards.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry, with the Go
// runtime and process collectors registered.
//
// It must be called before any New*Metrics constructor for metrics to be
// collected. It is safe to call multiple times; subsequent calls are
// ignored.
//
// Thread safety:
// sync.Once makes the registry write visible to every later GetRegistry.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
	})
}

// GetRegistry returns the global Prometheus registry.
//
// Returns nil if InitRegistry has not been called, meaning metrics are
// disabled.
//
// Thread safety:
// Safe to call concurrently.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// latencyBuckets covers in-memory hits up to slow object storage round
// trips.
var latencyBuckets = []float64{
	0.00005, // 50µs
	0.0001,  // 100µs
	0.0005,  // 500µs
	0.001,   // 1ms
	0.005,   // 5ms
	0.01,    // 10ms
	0.05,    // 50ms
	0.1,     // 100ms
	0.5,     // 500ms
	1,       // 1s
	5,       // 5s
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
