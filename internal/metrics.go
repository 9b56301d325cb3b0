package internal

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chirp_http_requests_total",
		Help: "Total HTTP requests by route and status",
	}, []string{"route", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chirp_http_request_duration_seconds",
		Help:    "HTTP request duration seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	timelineEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chirp_timeline_evictions_total",
		Help: "Total chirp ids removed from the timeline by retention",
	})

	// ImportRecords 匯入記錄數，outcome: imported / filtered / skipped / failed
	ImportRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chirp_import_records_total",
		Help: "Total import records by outcome",
	}, []string{"outcome"})

	importDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chirp_import_duration_seconds",
		Help:    "Import run duration seconds",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	})
)

func init() {
	prometheus.MustRegister(httpRequests, httpDuration, timelineEvictions, ImportRecords, importDuration)
}

// ObserveImportDuration 記錄一次匯入的耗時
func ObserveImportDuration(start time.Time) {
	importDuration.Observe(time.Since(start).Seconds())
}
