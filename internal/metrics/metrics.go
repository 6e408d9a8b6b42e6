package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanflow_tasks_pushed_total",
			Help: "Total number of tasks pushed onto a priority queue",
		},
		[]string{"scheduler"},
	)

	TasksPopped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanflow_tasks_popped_total",
			Help: "Total number of tasks popped for dispatch",
		},
		[]string{"scheduler"},
	)

	TasksSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanflow_tasks_skipped_total",
			Help: "Candidate tasks dropped before queueing, by reason",
		},
		[]string{"scheduler", "reason"},
	)

	TasksCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanflow_tasks_cancelled_total",
			Help: "Tasks cancelled after a delete mutation",
		},
		[]string{"scheduler"},
	)

	MutationsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanflow_mutations_received_total",
			Help: "Scan profile mutations received from the event stream",
		},
		[]string{"operation"},
	)

	SchedulesDisabled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanflow_schedules_disabled_total",
			Help: "Schedules disabled because their preconditions no longer hold",
		},
		[]string{"scheduler", "reason"},
	)

	BatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanflow_batch_failures_total",
			Help: "Candidate submissions that failed inside a fan-out batch",
		},
		[]string{"scheduler", "caller"},
	)

	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanflow_queue_length",
			Help: "Current number of queued tasks per scheduler",
		},
		[]string{"scheduler"},
	)
)
