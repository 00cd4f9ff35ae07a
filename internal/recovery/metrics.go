package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

// Recovery metrics.
var (
	redoSentMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtm0_redo_sent_total",
		Help: "Number of REDO messages sent, by stream kind.",
	}, []string{"kind"})

	redoAppliedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtm0_redo_applied_total",
		Help: "Number of received REDOs that added a record to the log.",
	})

	redoDuplicateMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtm0_redo_duplicates_total",
		Help: "Number of received REDOs for records already in the log.",
	})

	ackReceivedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtm0_acks_received_total",
		Help: "Number of persistent acknowledgements received, by stream kind.",
	}, []string{"kind"})

	tasksActiveMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtm0_tasks_active",
		Help: "Number of running recovery tasks, by role.",
	}, []string{"role"})

	tasksCompletedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtm0_tasks_completed_total",
		Help: "Number of finished recovery tasks, by role and result.",
	}, []string{"role", "result"})

	violationsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtm0_protocol_violations_total",
		Help: "Number of rejected HA events.",
	})

	staleRetriesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtm0_stale_copy_retries_total",
		Help: "Number of copy-outs retried because the record was being mutated.",
	})

	linkRetriesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtm0_link_retries_total",
		Help: "Number of replay sessions restarted after a link failure, by stream kind.",
	}, []string{"kind"})
)

// streamKind reduces a stream id to a bounded label value.
func streamKind(s dtx.StreamID) string {
	if s == dtx.RecoveryStream {
		return "recovery"
	}
	return "eviction"
}
