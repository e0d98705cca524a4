package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the driver console. A nil *Metrics is a no-op.
type Metrics struct {
	OtpIssued           *prometheus.CounterVec
	OtpDispatchFailures *prometheus.CounterVec
	OtpValidations      *prometheus.CounterVec
	DriversCreated      prometheus.Counter
	KycCompleted        prometheus.Counter
	BulkItems           *prometheus.CounterVec
	BulkRejected        *prometheus.CounterVec
	BulkDuration        *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OtpIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driverdesk_otp_issued_total",
			Help: "OTP challenges issued by channel",
		}, []string{"channel"}),
		OtpDispatchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driverdesk_otp_dispatch_failures_total",
			Help: "OTP dispatches that failed after retries, by channel",
		}, []string{"channel"}),
		OtpValidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driverdesk_otp_validations_total",
			Help: "OTP validation outcomes by channel",
		}, []string{"channel", "outcome"}),
		DriversCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "driverdesk_drivers_created_total",
			Help: "Driver accounts created",
		}),
		KycCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "driverdesk_kyc_completed_total",
			Help: "Drivers that reached KYC complete",
		}),
		BulkItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driverdesk_bulk_items_total",
			Help: "Per-driver bulk outcomes by operation, status and failure reason",
		}, []string{"operation", "status", "reason"}),
		BulkRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driverdesk_bulk_rejected_total",
			Help: "Bulk requests rejected before touching any driver",
		}, []string{"operation", "reason"}),
		BulkDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "driverdesk_bulk_duration_seconds",
			Help:    "Duration of bulk operation execution",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
	}
}

func (m *Metrics) IncOtpIssued(channel string) {
	if m != nil {
		m.OtpIssued.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) IncOtpDispatchFailure(channel string) {
	if m != nil {
		m.OtpDispatchFailures.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) IncOtpValidation(channel, outcome string) {
	if m != nil {
		m.OtpValidations.WithLabelValues(channel, outcome).Inc()
	}
}

func (m *Metrics) IncDriversCreated() {
	if m != nil {
		m.DriversCreated.Inc()
	}
}

func (m *Metrics) IncKycCompleted() {
	if m != nil {
		m.KycCompleted.Inc()
	}
}

func (m *Metrics) IncBulkItem(operation, status, reason string) {
	if m != nil {
		m.BulkItems.WithLabelValues(operation, status, reason).Inc()
	}
}

func (m *Metrics) IncBulkRejected(operation, reason string) {
	if m != nil {
		m.BulkRejected.WithLabelValues(operation, reason).Inc()
	}
}

func (m *Metrics) ObserveBulkDuration(operation string, d time.Duration) {
	if m != nil {
		m.BulkDuration.WithLabelValues(operation).Observe(d.Seconds())
	}
}
