// Primary metrics the copier updates during operation:
//   - copytrader_cycles_total            reconciliation cycles completed
//   - copytrader_cycle_failures_total    cycles aborted by an error
//   - copytrader_plans_total{action}     plans emitted (ENTER/EXIT)
//   - copytrader_orders_executed_total   plans executed successfully
//   - copytrader_order_failures_total    plans that failed at the exchange
//   - copytrader_tolerance_blocks_total  entries blocked by price drift
//   - copytrader_margin_budget           configured margin budget
//
// Served in Prometheus text format at /metrics when a listen address is
// configured.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CyclesRun = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "copytrader_cycles_total",
		Help: "Reconciliation cycles completed",
	})

	CycleFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "copytrader_cycle_failures_total",
		Help: "Reconciliation cycles aborted by an error",
	})

	PlansEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrader_plans_total",
		Help: "Follow plans emitted",
	}, []string{"action"})

	OrdersExecuted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "copytrader_orders_executed_total",
		Help: "Plans executed successfully",
	})

	OrderFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "copytrader_order_failures_total",
		Help: "Plans that failed at the exchange",
	})

	ToleranceBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "copytrader_tolerance_blocks_total",
		Help: "Entries blocked by price drift",
	})

	MarginBudget = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "copytrader_margin_budget",
		Help: "Configured margin budget distributed over new entries",
	})
)

func init() {
	prometheus.MustRegister(
		CyclesRun,
		CycleFailures,
		PlansEmitted,
		OrdersExecuted,
		OrderFailures,
		ToleranceBlocks,
		MarginBudget,
	)
}

// ServeMetrics exposes /metrics on addr. Blocks; run in a goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
