// Package metrics exposes dsvault's Prometheus collectors.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Backend metrics
	backendOperationsTotal   *prometheus.CounterVec
	backendOperationDuration *prometheus.HistogramVec
	backendRetriesTotal      *prometheus.CounterVec

	// KMS data-key cache metrics
	kmsCacheEventsTotal *prometheus.CounterVec

	// Transition metrics
	transitionsTotal *prometheus.CounterVec

	// Vault token renewal metrics
	vaultRenewalsTotal        *prometheus.CounterVec
	vaultRenewalFailuresTotal *prometheus.CounterVec

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered atomic.Bool
)

// Recorder provides methods to record dsvault metrics. Calls are no-ops until
// InitMetrics has run.
type Recorder struct{}

// NewRecorder creates a new Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// InitMetrics registers all collectors with the default registry.
// Safe to call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		backendOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsvault_backend_operations_total",
				Help: "Total number of calls made to encryption backends",
			},
			[]string{"backend", "operation", "status"},
		)

		backendOperationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dsvault_backend_operation_duration_seconds",
				Help:    "Duration of encryption backend calls in seconds",
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5},
			},
			[]string{"backend", "operation"},
		)

		backendRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsvault_backend_retries_total",
				Help: "Total number of retried encryption backend calls",
			},
			[]string{"backend", "operation"},
		)

		kmsCacheEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsvault_kms_cache_events_total",
				Help: "KMS data-key cache hits, misses and evictions",
			},
			[]string{"event"},
		)

		transitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsvault_transition_total",
				Help: "Secret transition tasks by state reached",
			},
			[]string{"state"},
		)

		vaultRenewalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsvault_vault_renewals_total",
				Help: "Successful Vault token renewals",
			},
			[]string{"config"},
		)

		vaultRenewalFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsvault_vault_renewal_failures_total",
				Help: "Vault token renewals that failed after all retries",
			},
			[]string{"config"},
		)

		metricsRegistered.Store(true)
	})
}

// RecordBackendCall records one backend call and its outcome.
func (r *Recorder) RecordBackendCall(backend, operation string, err error, d time.Duration) {
	if !metricsRegistered.Load() {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	backendOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	backendOperationDuration.WithLabelValues(backend, operation).Observe(d.Seconds())
}

// RecordRetry records a retried backend call.
func (r *Recorder) RecordRetry(backend, operation string) {
	if !metricsRegistered.Load() {
		return
	}
	backendRetriesTotal.WithLabelValues(backend, operation).Inc()
}

// RecordCacheEvent records a KMS cache hit, miss or eviction.
func (r *Recorder) RecordCacheEvent(event string) {
	if !metricsRegistered.Load() {
		return
	}
	kmsCacheEventsTotal.WithLabelValues(event).Inc()
}

// RecordTransition records a transition task entering state.
func (r *Recorder) RecordTransition(state string) {
	if !metricsRegistered.Load() {
		return
	}
	transitionsTotal.WithLabelValues(state).Inc()
}

// RecordVaultRenewal records the outcome of a Vault token renewal.
func (r *Recorder) RecordVaultRenewal(configID string, err error) {
	if !metricsRegistered.Load() {
		return
	}
	if err != nil {
		vaultRenewalFailuresTotal.WithLabelValues(configID).Inc()
		return
	}
	vaultRenewalsTotal.WithLabelValues(configID).Inc()
}

// BackendOperationsTotal returns the backend call counter for testing.
func BackendOperationsTotal() *prometheus.CounterVec {
	return backendOperationsTotal
}

// BackendRetriesTotal returns the retry counter for testing.
func BackendRetriesTotal() *prometheus.CounterVec {
	return backendRetriesTotal
}

// KMSCacheEventsTotal returns the cache event counter for testing.
func KMSCacheEventsTotal() *prometheus.CounterVec {
	return kmsCacheEventsTotal
}

// TransitionsTotal returns the transition counter for testing.
func TransitionsTotal() *prometheus.CounterVec {
	return transitionsTotal
}

// VaultRenewalFailuresTotal returns the renewal failure counter for testing.
func VaultRenewalFailuresTotal() *prometheus.CounterVec {
	return vaultRenewalFailuresTotal
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	return metricsRegistered.Load()
}
