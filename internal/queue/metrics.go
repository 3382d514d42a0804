package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	segmentsAssigned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmq_segments_assigned_total",
			Help: "Segments handed to connections",
		},
		[]string{"type"},
	)

	bytesFinished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmq_finished_bytes_total",
			Help: "Bytes newly marked as downloaded",
		},
	)

	runningDownloads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmq_running_downloads",
			Help: "Transfers currently reserved",
		},
	)

	queueBytesRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmq_queue_remaining_bytes",
			Help: "Bytes left to download across the queue",
		},
	)

	queueSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmq_queue_saves_total",
			Help: "Queue save attempts by result",
		},
		[]string{"result"},
	)

	rechecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmq_rechecks_total",
			Help: "Integrity rechecks by result",
		},
		[]string{"result"},
	)
)
