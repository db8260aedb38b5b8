package task

import "github.com/prometheus/client_golang/prometheus"

var (
	submitCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtf_submit_create_total"})
	submitJoined    = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtf_submit_join_total"})
	submitDeduped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtf_submit_dedupe_total"})
	updateWrites    = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtf_task_update_write_total"})
	updateDeferred  = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtf_task_update_deferred_total"})
	publishFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtf_publish_failure_total"})
	pruneDeleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "gtf_prune_deleted_total"})
)

func init() {
	prometheus.MustRegister(
		submitCreated,
		submitJoined,
		submitDeduped,
		updateWrites,
		updateDeferred,
		publishFailures,
		pruneDeleted,
	)
}
