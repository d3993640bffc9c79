// Package metrics
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProjectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cataloger_project_duration_seconds",
			Help:    "Duration of one project's fetch-and-classify traversal in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"course"},
	)
	ProjectsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cataloger_projects_processed_total",
			Help: "Total number of projects driven to a recorded outcome, labeled by outcome.",
		},
		[]string{"course", "outcome"},
	)
	RepoAPIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cataloger_repo_api_requests_total",
			Help: "Total number of repository API requests, labeled by status code.",
		},
		[]string{"status_code"},
	)
	ClassifyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cataloger_classification_requests_total",
			Help: "Total number of classification API requests, labeled by status code.",
		},
		[]string{"status_code"},
	)
	InflightProjects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cataloger_inflight_projects",
			Help: "Number of projects currently being processed by workers.",
		},
	)
)

func init() {
	prometheus.MustRegister(ProjectDuration)
	prometheus.MustRegister(ProjectsProcessed)
	prometheus.MustRegister(RepoAPIRequests)
	prometheus.MustRegister(ClassifyRequests)
	prometheus.MustRegister(InflightProjects)
}

func ExposeMetrics(addr string) {
	slog.Info("Exposing Prometheus metrics", "address", addr)
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, nil); err != nil {
		slog.Error("Failed to start Prometheus metrics server", "error", err)
	}
}
