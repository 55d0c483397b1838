package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricFailedWrites is the metric name for audit persistence failures.
const MetricFailedWrites = "audit_failed_writes_total"

// failedWrites counts audit entries that could not be persisted and were
// degraded to the application log (fail-open events).
var failedWrites = prometheus.NewCounter(prometheus.CounterOpts{
	Name: MetricFailedWrites,
	Help: "Total number of audit entries that failed to persist (fail-open events)",
})

// RegisterMetrics registers the audit metrics with the given registry.
func RegisterMetrics(reg prometheus.Registerer) error {
	return reg.Register(failedWrites)
}
