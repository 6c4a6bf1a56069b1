package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gate verdicts by product and reason ("accept" for passes).
	GateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskgate_gate_decisions_total",
			Help: "Total pre-trade gate verdicts by product and reason.",
		},
		[]string{"product", "reason"},
	)

	GateDecisionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskgate_gate_decision_duration_seconds",
			Help:    "Time taken to produce a pre-trade verdict.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs → ~1.6s
		},
		[]string{"product"},
	)

	// Fill application results: applied | duplicate | retried | failed.
	FillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskgate_fills_total",
			Help: "Total fill events processed by result.",
		},
		[]string{"product", "result"},
	)

	// Bus messages processed by channel and result ("ok" | "error").
	BusMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskgate_bus_messages_total",
			Help: "Total bus messages published or consumed.",
		},
		[]string{"channel", "direction", "result"},
	)

	BusPublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskgate_bus_publish_latency_seconds",
			Help:    "Time taken to publish bus messages.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// Kill switch state: 1 engaged, 0 clear.
	KillSwitchEngaged = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskgate_kill_switch_engaged",
			Help: "Whether the kill switch is currently engaged.",
		},
	)

	DailyPnL = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskgate_daily_pnl",
			Help: "Cumulative daily PnL as last computed by this replica.",
		},
	)

	// Alerts by result: sent | deduped | failed.
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskgate_alerts_total",
			Help: "Total alert deliveries by result.",
		},
		[]string{"result"},
	)

	// Aggregated component errors.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskgate_errors_total",
			Help: "Count of component-level errors by reason.",
		},
		[]string{"component", "reason"},
	)
)

// ObserveDuration records the time since start on the given histogram.
func ObserveDuration(h *prometheus.HistogramVec, start time.Time, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
}

func IncGateDecision(product, reason string) {
	GateDecisionsTotal.WithLabelValues(product, reason).Inc()
}

func IncFill(product, result string) {
	FillsTotal.WithLabelValues(product, result).Inc()
}

func IncBusMessage(channel, direction, result string) {
	BusMessagesTotal.WithLabelValues(channel, direction, result).Inc()
}

func IncAlert(result string) {
	AlertsTotal.WithLabelValues(result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

func SetKillSwitch(engaged bool) {
	if engaged {
		KillSwitchEngaged.Set(1)
	} else {
		KillSwitchEngaged.Set(0)
	}
}
