package config

import (
	"github.com/marmos91/extentstore/pkg/metrics"
	"github.com/marmos91/extentstore/pkg/store/allocator"
	"github.com/marmos91/extentstore/pkg/store/device"
	"github.com/marmos91/extentstore/pkg/store/txn"
)

// MetricsResult contains all metrics-related components created from configuration.
//
// When metrics are disabled every field is nil; the instrumented packages
// substitute no-op implementations for nil collectors.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics
	Server *metrics.Server

	Handle    metrics.HandleMetrics
	Allocator allocator.Metrics
	Device    device.Metrics
	Txn       txn.Metrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed collectors for all components
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{
			Port: cfg.Metrics.Port,
		}),
		Handle:    metrics.NewHandleMetrics(),
		Allocator: metrics.NewAllocatorMetrics(),
		Device:    metrics.NewDeviceMetrics(),
		Txn:       metrics.NewTxnMetrics(),
	}
}
