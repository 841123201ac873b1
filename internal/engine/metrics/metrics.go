package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Provisioning metrics
	ProvisionOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_provisioner_operations_total",
			Help: "Provisioning operations by kind and result",
		},
		[]string{"operation", "result"},
	)

	ProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vpn_provisioner_operation_duration_seconds",
			Help:    "Provisioning operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	PoolActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpn_provisioner_pool_active_addresses",
			Help: "Addresses held by active configs per server",
		},
		[]string{"server"},
	)

	PoolCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpn_provisioner_pool_capacity",
			Help: "Configured capacity per server",
		},
		[]string{"server"},
	)

	// Device metrics
	DeviceErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_provisioner_device_errors_total",
			Help: "Device gateway errors by server and error code",
		},
		[]string{"server", "code"},
	)

	DeviceSessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vpn_provisioner_device_session_duration_seconds",
			Help:    "Device session duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	// Reconciler metrics
	ReconcilePassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vpn_provisioner_reconcile_pass_duration_seconds",
			Help:    "Usage reconciliation pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciledBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_provisioner_reconciled_bytes_total",
			Help: "Bytes folded into cumulative usage by direction",
		},
		[]string{"direction"},
	)

	CounterResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vpn_provisioner_counter_resets_total",
			Help: "Device counter resets detected during reconciliation",
		},
	)

	OrphanPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpn_provisioner_orphan_peers",
			Help: "Device peers carrying an engine comment with no local config",
		},
		[]string{"server"},
	)

	// Lifecycle metrics
	LifecycleTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_provisioner_lifecycle_transitions_total",
			Help: "Lifecycle transitions applied by kind",
		},
		[]string{"kind"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_provisioner_notifications_total",
			Help: "Notifications emitted by kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_provisioner_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(ProvisionOpsTotal)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(PoolActive)
	prometheus.MustRegister(PoolCapacity)
	prometheus.MustRegister(DeviceErrorsTotal)
	prometheus.MustRegister(DeviceSessionDuration)
	prometheus.MustRegister(ReconcilePassDuration)
	prometheus.MustRegister(ReconciledBytesTotal)
	prometheus.MustRegister(CounterResetsTotal)
	prometheus.MustRegister(OrphanPeers)
	prometheus.MustRegister(LifecycleTransitionsTotal)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// Result maps an error to the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
