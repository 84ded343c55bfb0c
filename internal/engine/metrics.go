package engine

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
)

// Исходы авторизации (label outcome)
const (
	OutcomeAllowed     = "allowed"
	OutcomeDenied      = "denied"
	OutcomeRateLimited = "rate_limited"
	OutcomeUnavailable = "unavailable"
)

// unmatchedLabel: метка для tool/scope, которых нет в правилах (и запросов, не дошедших до движка)
const unmatchedLabel = "_unmatched"

type Metrics struct {
	// Latency: сколько времени заняла авторизация
	RequestDuration *prometheus.HistogramVec

	// Traffic: общее кол-во запросов по паре tool/scope. Пары без правил сведены в unmatchedLabel
	TotalRequests *prometheus.CounterVec

	// Вердикты: allowed, denied, rate_limited, unavailable
	Decisions *prometheus.CounterVec

	// Отказы аутентификации по причине
	AuthFailures *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure), потери и сбои записи
	AuditBufferFill    prometheus.Gauge
	AuditDropped       prometheus.Counter
	AuditWriteFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gate_request_duration_seconds",
			Help:    "Histogram of authorization latencies.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"outcome"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gate_requests_total",
			Help: "Total number of authorization requests.",
		}, []string{"tool", "scope"}),

		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Authorization verdicts by outcome.",
		}, []string{"outcome"}),

		AuthFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gate_auth_failures_total",
			Help: "Rejected credentials by reason.",
		}, []string{"reason"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "gate_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "gate_audit_buffer_utilization",
			Help: "Current number of entries in audit buffer.",
		}),

		AuditDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gate_audit_dropped_total",
			Help: "Audit entries dropped because of overflow or shutdown.",
		}),

		AuditWriteFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gate_audit_write_failures_total",
			Help: "Audit entries lost after all write attempts.",
		}),
	}
}

// ObserveAuthFailure: колбэк для auth middleware и gRPC интерцептора.
func (m *Metrics) ObserveAuthFailure(err error) {
	reason := domain.AuthReason(err)
	if errors.Is(err, domain.ErrEngineUnavailable) {
		reason = OutcomeUnavailable
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// Реализация audit.Observer

func (m *Metrics) BufferLen(n int) { m.AuditBufferFill.Set(float64(n)) }
func (m *Metrics) Dropped()        { m.AuditDropped.Inc() }
func (m *Metrics) WriteFailed(n int) {
	m.AuditWriteFailures.Add(float64(n))
}

func (m *Metrics) setBreakerState(name string, st gobreaker.State) {
	var v float64
	switch st {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}
