package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksSubmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "downloads_submitted_total", Help: "Download tasks submitted"})
	TasksCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "downloads_completed_total", Help: "Download tasks completed successfully"})
	TasksFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "downloads_failed_total", Help: "Download tasks that ended in failure"})
	TasksCancelled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "downloads_cancelled_total", Help: "Download tasks cancelled by their owner"})
	TasksRecovered   = prometheus.NewCounter(prometheus.CounterOpts{Name: "downloads_recovered_total", Help: "Orphaned running tasks resolved at startup"})
	TasksRunning     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "downloads_running", Help: "Download tasks currently running"})
	FeedClients      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "download_feed_clients", Help: "Live status feed connections currently open"})
	FeedRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "download_feed_rejects_total", Help: "Feed connections rejected at the client cap"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "download_submit_rate_limited_total", Help: "Submissions rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksSubmitted,
			TasksCompleted,
			TasksFailed,
			TasksCancelled,
			TasksRecovered,
			TasksRunning,
			FeedClients,
			FeedRejects,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
