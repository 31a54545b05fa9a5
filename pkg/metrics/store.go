package metrics

import (
	"sync"
	"time"

	"github.com/marmos91/extentstore/pkg/store/allocator"
	"github.com/marmos91/extentstore/pkg/store/device"
	"github.com/marmos91/extentstore/pkg/store/txn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are registered once per process; constructors hand out the
// same instance on every call.
var (
	handleOnce sync.Once
	handleInst *handleMetrics

	allocatorOnce sync.Once
	allocatorInst *allocatorMetrics

	deviceOnce sync.Once
	deviceInst *deviceMetrics

	txnOnce sync.Once
	txnInst *txnMetrics
)

// HandleMetrics is implemented by the object handle metrics. It matches
// object.Metrics.
type HandleMetrics interface {
	ObserveOperation(operation string, bytes uint64, duration time.Duration, err error)
	RecordChecksumMismatch()
	RecordFlush(extents, objects int, duration time.Duration, err error)
}

type handleMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bytes      *prometheus.CounterVec
	mismatches prometheus.Counter
	flushes    *prometheus.CounterVec
	flushDur   prometheus.Histogram
	flushItems *prometheus.CounterVec
}

// NewHandleMetrics returns the object handle metrics, or nil when metrics
// are disabled.
func NewHandleMetrics() HandleMetrics {
	if !IsEnabled() {
		return nil
	}
	handleOnce.Do(func() {
		reg := GetRegistry()
		handleInst = &handleMetrics{
			operations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "handle",
				Name:      "operations_total",
				Help:      "Object handle operations by operation and status",
			}, []string{"operation", "status"}),
			duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "handle",
				Name:      "operation_duration_seconds",
				Help:      "Duration of object handle operations",
				Buckets:   latencyBuckets,
			}, []string{"operation"}),
			bytes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "handle",
				Name:      "bytes_total",
				Help:      "Logical bytes moved by object handle operations",
			}, []string{"operation"}),
			mismatches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "handle",
				Name:      "checksum_mismatches_total",
				Help:      "Blocks whose checksum did not match on read",
			}),
			flushes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "flushes_total",
				Help:      "Index flushes by status",
			}, []string{"status"}),
			flushDur: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "flush_duration_seconds",
				Help:      "Duration of index flushes",
				Buckets:   latencyBuckets,
			}),
			flushItems: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "flushed_records_total",
				Help:      "Records written to the persistent layer by kind",
			}, []string{"kind"}),
		}
	})
	return handleInst
}

func (m *handleMetrics) ObserveOperation(operation string, bytes uint64, duration time.Duration, err error) {
	m.operations.WithLabelValues(operation, status(err)).Inc()
	m.duration.WithLabelValues(operation).Observe(duration.Seconds())
	if err == nil && bytes > 0 {
		m.bytes.WithLabelValues(operation).Add(float64(bytes))
	}
}

func (m *handleMetrics) RecordChecksumMismatch() {
	m.mismatches.Inc()
}

func (m *handleMetrics) RecordFlush(extents, objects int, duration time.Duration, err error) {
	m.flushes.WithLabelValues(status(err)).Inc()
	m.flushDur.Observe(duration.Seconds())
	if err == nil {
		m.flushItems.WithLabelValues("extent").Add(float64(extents))
		m.flushItems.WithLabelValues("object").Add(float64(objects))
	}
}

type allocatorMetrics struct {
	allocated     prometheus.Gauge
	grants        prometheus.Counter
	shortGrants   prometheus.Counter
	grantedBytes  prometheus.Counter
	deallocations prometheus.Counter
	freedBytes    prometheus.Counter
}

// NewAllocatorMetrics returns the allocator metrics, or nil when metrics
// are disabled.
func NewAllocatorMetrics() allocator.Metrics {
	if !IsEnabled() {
		return nil
	}
	allocatorOnce.Do(func() {
		reg := GetRegistry()
		counter := func(name, help string) prometheus.Counter {
			return promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "allocator", Name: name, Help: help,
			})
		}
		allocatorInst = &allocatorMetrics{
			allocated: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "allocator",
				Name:      "allocated_bytes",
				Help:      "Committed allocated device bytes",
			}),
			grants:        counter("grants_total", "Allocation grants"),
			shortGrants:   counter("short_grants_total", "Grants smaller than requested"),
			grantedBytes:  counter("granted_bytes_total", "Bytes granted (reserved)"),
			deallocations: counter("deallocations_total", "Committed deallocations"),
			freedBytes:    counter("freed_bytes_total", "Committed deallocated bytes"),
		}
	})
	return allocatorInst
}

func (m *allocatorMetrics) SetAllocatedBytes(bytes uint64) {
	m.allocated.Set(float64(bytes))
}

func (m *allocatorMetrics) RecordGrant(requested, granted uint64) {
	m.grants.Inc()
	m.grantedBytes.Add(float64(granted))
	if granted < requested {
		m.shortGrants.Inc()
	}
}

func (m *allocatorMetrics) RecordDeallocation(bytes uint64) {
	m.deallocations.Inc()
	m.freedBytes.Add(float64(bytes))
}

type deviceMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bytes      *prometheus.CounterVec
}

// NewDeviceMetrics returns the S3 device metrics, or nil when metrics are
// disabled.
func NewDeviceMetrics() device.Metrics {
	if !IsEnabled() {
		return nil
	}
	deviceOnce.Do(func() {
		reg := GetRegistry()
		deviceInst = &deviceMetrics{
			operations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "operations_total",
				Help:      "Backend device operations by operation and status",
			}, []string{"operation", "status"}),
			duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "operation_duration_seconds",
				Help:      "Duration of backend device operations",
				Buckets:   latencyBuckets,
			}, []string{"operation"}),
			bytes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "bytes_total",
				Help:      "Bytes transferred to and from the backend",
			}, []string{"operation"}),
		}
	})
	return deviceInst
}

func (m *deviceMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	m.operations.WithLabelValues(operation, status(err)).Inc()
	m.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *deviceMetrics) RecordBytes(operation string, bytes int64) {
	m.bytes.WithLabelValues(operation).Add(float64(bytes))
}

type txnMetrics struct {
	commits   prometheus.Counter
	mutations prometheus.Histogram
}

// NewTxnMetrics returns the transaction metrics, or nil when metrics are
// disabled.
func NewTxnMetrics() txn.Metrics {
	if !IsEnabled() {
		return nil
	}
	txnOnce.Do(func() {
		reg := GetRegistry()
		txnInst = &txnMetrics{
			commits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txn",
				Name:      "commits_total",
				Help:      "Committed transactions",
			}),
			mutations: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "txn",
				Name:      "mutations_per_commit",
				Help:      "Mutations applied per committed transaction",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			}),
		}
	})
	return txnInst
}

func (m *txnMetrics) RecordCommit(mutations int) {
	m.commits.Inc()
	m.mutations.Observe(float64(mutations))
}
