// Package metrics provides Prometheus metrics for CoreCam.
// Labels are limited to camera ids and fixed reason sets.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MonitorReloadsTotal counts local player reloads by camera and reason.
	MonitorReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corecam_monitor_reloads_total",
		Help: "Total number of health monitor player reloads, by camera and reason.",
	}, []string{"camera", "reason"})

	// MonitorEscalationsTotal counts server-side restart requests issued by monitors.
	MonitorEscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corecam_monitor_escalations_total",
		Help: "Total number of stream restart escalations, by camera and result.",
	}, []string{"camera", "result"})

	// MonitorMediaRecoveriesTotal counts in-place media error recoveries.
	MonitorMediaRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corecam_monitor_media_recoveries_total",
		Help: "Total number of in-place media error recoveries, by camera.",
	}, []string{"camera"})

	// MonitorNudgesTotal counts playhead nudges and buffer refills.
	MonitorNudgesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corecam_monitor_playback_actions_total",
		Help: "Total number of in-place playback corrections, by camera and action.",
	}, []string{"camera", "action"})

	// MonitorFragmentsTotal counts fragments loaded by monitor players.
	MonitorFragmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corecam_monitor_fragments_total",
		Help: "Total number of live fragments loaded by health monitors, by camera.",
	}, []string{"camera"})

	// MonitorStallSeconds is the time since the last fragment per camera.
	MonitorStallSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corecam_monitor_stall_seconds",
		Help: "Seconds since the health monitor last received media data, by camera.",
	}, []string{"camera"})

	// MonitorBufferedSeconds is the buffered lookahead per camera.
	MonitorBufferedSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corecam_monitor_buffered_seconds",
		Help: "Buffered media ahead of the playhead, by camera.",
	}, []string{"camera"})

	// MonitorRetries is the current reload retry count per camera.
	MonitorRetries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corecam_monitor_retries",
		Help: "Consecutive reloads since the last successful player initialization, by camera.",
	}, []string{"camera"})

	// MonitorInitDuration tracks how long player initialization takes.
	MonitorInitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corecam_monitor_init_duration_seconds",
		Help:    "Time from player creation to first buffered fragment, by result.",
		Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13},
	}, []string{"result"})

	// StreamRestartsTotal counts ffmpeg live stream restarts.
	StreamRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corecam_stream_restarts_total",
		Help: "Total number of live stream restarts, by camera and cause.",
	}, []string{"camera", "cause"})

	// StreamUp reports whether a live stream process is running.
	StreamUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corecam_stream_up",
		Help: "1 when the live stream process for a camera is running.",
	}, []string{"camera"})

	// SegmentsRemovedTotal counts orphaned live segments removed by the janitor.
	SegmentsRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corecam_stream_segments_removed_total",
		Help: "Total number of unreferenced live segments removed.",
	})

	// RecorderUp reports whether a recorder process is running.
	RecorderUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corecam_recorder_up",
		Help: "1 when the recorder process for a camera is running.",
	}, []string{"camera"})

	// RecoveryActionsTotal counts recording recovery ladder actions.
	RecoveryActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corecam_recovery_actions_total",
		Help: "Total number of recording recovery actions, by camera and action.",
	}, []string{"camera", "action"})

	// DiskUsagePercent reports the used share of a storage path.
	DiskUsagePercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corecam_disk_usage_percent",
		Help: "Used disk space in percent, by storage path role.",
	}, []string{"path"})

	// FilesRemovedTotal counts files deleted by storage cleanup.
	FilesRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corecam_storage_files_removed_total",
		Help: "Total number of files removed by storage cleanup, by kind.",
	}, []string{"kind"})

	// HTTPRequestsTotal counts API requests by route and status class.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corecam_http_requests_total",
		Help: "Total number of HTTP requests, by route pattern, method and status code class.",
	}, []string{"route", "method", "code"})

	// HTTPRequestDuration tracks request latency by route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corecam_http_request_duration_seconds",
		Help:    "HTTP request latency, by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// StatusFeedClients is the number of connected websocket status clients.
	StatusFeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "corecam_status_feed_clients",
		Help: "Number of connected status feed websocket clients.",
	})
)

// RecordReload counts one monitor reload.
func RecordReload(camera, reason string) {
	MonitorReloadsTotal.WithLabelValues(camera, reason).Inc()
}

// RecordEscalation counts one escalation attempt.
func RecordEscalation(camera string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	MonitorEscalationsTotal.WithLabelValues(camera, result).Inc()
}

// ObserveMonitor publishes the monitor gauges for one camera.
func ObserveMonitor(camera string, stall time.Duration, buffered float64, retries int) {
	MonitorStallSeconds.WithLabelValues(camera).Set(stall.Seconds())
	MonitorBufferedSeconds.WithLabelValues(camera).Set(buffered)
	MonitorRetries.WithLabelValues(camera).Set(float64(retries))
}

// ObserveInit records one player initialization.
func ObserveInit(ok bool, d time.Duration) {
	result := "ready"
	if !ok {
		result = "timeout"
	}
	MonitorInitDuration.WithLabelValues(result).Observe(d.Seconds())
}

// ForgetCamera drops the per-camera series of a removed camera.
func ForgetCamera(camera string) {
	labels := prometheus.Labels{"camera": camera}
	MonitorStallSeconds.Delete(labels)
	MonitorBufferedSeconds.Delete(labels)
	MonitorRetries.Delete(labels)
	StreamUp.Delete(labels)
	RecorderUp.Delete(labels)
}

// SetUp sets a 0/1 gauge.
func SetUp(g *prometheus.GaugeVec, camera string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	g.WithLabelValues(camera).Set(v)
}
