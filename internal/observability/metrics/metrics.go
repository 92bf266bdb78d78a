package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentvault"

var (
	registry = prometheus.NewRegistry()

	terminalTransactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "transactions_total",
		Help:      "Transactions that reached a terminal status.",
	}, []string{"status", "error_code"})

	tierDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "policy",
		Name:      "tier_decisions_total",
		Help:      "Policy verdicts by tier; denials are counted as tier DENIED.",
	}, []string{"tier"})

	chainErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "errors_total",
		Help:      "Classified chain adapter errors.",
	}, []string{"chain", "category", "code"})

	retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "retries_total",
		Help:      "Execute stage retries by kind (transient resubmit or stale rebuild).",
	}, []string{"kind"})

	priceLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "price",
		Name:      "lookups_total",
		Help:      "Price resolver outcomes.",
	}, []string{"result"})

	killSwitchState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "killswitch",
		Name:      "state",
		Help:      "1 for the current kill switch state, 0 otherwise.",
	}, []string{"state"})

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Time spent per pipeline stage.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stage"})

	notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "events_total",
		Help:      "Notification deliveries by sink and outcome.",
	}, []string{"sink", "outcome"})
)

var killSwitchStates = []string{"ACTIVE", "TRIPPED", "RECOVERING"}

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		terminalTransactions,
		tierDecisions,
		chainErrors,
		retries,
		priceLookups,
		killSwitchState,
		stageDuration,
		notifications,
	)
}

// ObserveTerminal counts a transaction reaching status.
func ObserveTerminal(status, errorCode string) {
	terminalTransactions.WithLabelValues(status, errorCode).Inc()
}

// ObserveTier counts a policy verdict.
func ObserveTier(tier string) {
	tierDecisions.WithLabelValues(tier).Inc()
}

// ObserveChainError counts a classified adapter error.
func ObserveChainError(chain, category, code string) {
	chainErrors.WithLabelValues(chain, category, code).Inc()
}

// ObserveRetry counts a resubmit ("transient") or rebuild ("stale").
func ObserveRetry(kind string) {
	retries.WithLabelValues(kind).Inc()
}

// ObservePriceLookup counts a resolver outcome.
func ObservePriceLookup(result string) {
	priceLookups.WithLabelValues(result).Inc()
}

// ObserveNotification counts a sink delivery.
func ObserveNotification(sink string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	notifications.WithLabelValues(sink, outcome).Inc()
}

// SetKillSwitchState flips the state gauge.
func SetKillSwitchState(state string) {
	for _, s := range killSwitchStates {
		v := 0.0
		if s == state {
			v = 1
		}
		killSwitchState.WithLabelValues(s).Set(v)
	}
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Handler exposes the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
