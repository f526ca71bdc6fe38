package reconciliation

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	reconcileMismatch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "ledger_chain_diff",
		Help:      "Absolute difference between ledger total and on-chain treasury balance from the last run, in platform units.",
	})

	reconcileClass = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "last_run_class",
		Help:      "1 if the last reconciliation run's discrepancy matched this class, 0 otherwise.",
	}, []string{"class"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(reconcileMismatch, reconcileClass, reconcileDuration, reconcileErrors)
}

func recordMetrics(result *OnChainResult) {
	diff := result.Diff
	if diff.IsNegative() {
		diff = diff.Neg()
	}
	if f, err := strconv.ParseFloat(diff.String(), 64); err == nil {
		reconcileMismatch.Set(f)
	}

	for _, class := range []DiscrepancyClass{ClassNone, ClassInFlight, ClassShortfall, ClassSurplus} {
		v := 0.0
		if result.Class == class {
			v = 1.0
		}
		reconcileClass.WithLabelValues(string(class)).Set(v)
	}
}
