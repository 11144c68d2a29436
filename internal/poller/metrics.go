package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_cycles_total",
		Help: "Polling cycles started.",
	})
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_records_total",
		Help: "Attendance records appended, by status.",
	}, []string{"status"})
	recordFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_record_failures_total",
		Help: "Attendance record appends that failed and were dropped.",
	})
	classificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_classification_failures_total",
		Help: "Face classification calls that failed.",
	})
	cameraFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_camera_failures_total",
		Help: "Camera acquisitions that failed, aborting a cycle.",
	})
	activeControllers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_active_controllers",
		Help: "Controllers currently tracking a session.",
	})
)
