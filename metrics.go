package caseselect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "caseselect",
		Name:      "jobs_started_total",
		Help:      "Number of selection jobs created.",
	})
	jobsFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caseselect",
		Name:      "jobs_finalized_total",
		Help:      "Number of selection jobs finalized, by terminal status.",
	}, []string{"status"})
	batchesCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "caseselect",
		Name:      "batches_committed_total",
		Help:      "Number of batch commits applied to job records.",
	})
	casesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "caseselect",
		Name:      "cases_processed_total",
		Help:      "Number of cases evaluated and committed.",
	})
	specimensSelectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "caseselect",
		Name:      "specimens_selected_total",
		Help:      "Number of specimens judged selectable and accumulated.",
	})
	runningJobsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "caseselect",
		Name:      "running_jobs",
		Help:      "Number of selection jobs currently running.",
	})
)
