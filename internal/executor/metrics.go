package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько времени занял платеж (включая провайдера)
	PaymentDuration *prometheus.HistogramVec

	// Traffic: общее кол-во платежных запросов
	PaymentsTotal *prometheus.CounterVec

	// Errors: классификация отказов
	FailuresTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker провайдера (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Сколько custody-средств сейчас в резерве под in-flight платежи
	ReservedFunds prometheus.Gauge

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		PaymentDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "treasury_payment_duration_seconds",
			Help:    "Histogram of payment execution latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"status"}),

		PaymentsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "treasury_payments_total",
			Help: "Total number of payment requests.",
		}, []string{"owner_id"}),

		FailuresTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "treasury_payment_failures_total",
			Help: "Total number of payment failures by kind.",
		}, []string{"kind"}), // kinds: policy_blocked, insufficient_funds, transfer_failed, ...

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "treasury_circuit_breaker_state",
			Help: "Current state of the settlement circuit breaker (0=closed, 1=open).",
		}, []string{"provider"}),

		ReservedFunds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "treasury_reserved_funds",
			Help: "Funds currently reserved for in-flight payments.",
		}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "treasury_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
