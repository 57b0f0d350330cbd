package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ContainerDestroyErrors counts destroy-time failures: aggregated
	// child failures, launcher failures, isolator cleanup failures and
	// provisioner destroy failures.
	ContainerDestroyErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_container_destroy_errors_total",
			Help: "Total number of failures while destroying containers",
		},
	)

	// ContainersTotal tracks the number of containers by lifecycle state.
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_containers",
			Help: "Number of containers owned by the containerizer, by state",
		},
		[]string{"state"},
	)

	// ContainerLaunchDuration observes the time from launch to the
	// container entering the RUNNING state.
	ContainerLaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_container_launch_duration_seconds",
			Help:    "Time taken to launch containers in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ContainerDestroyDuration observes the time a full destroy takes.
	ContainerDestroyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_container_destroy_duration_seconds",
			Help:    "Time taken to destroy containers in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// FetchRetries counts artifact download attempts that had to be
	// retried.
	FetchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_fetch_retries_total",
			Help: "Total number of retried artifact downloads",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ContainerDestroyErrors)
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(ContainerLaunchDuration)
	prometheus.MustRegister(ContainerDestroyDuration)
	prometheus.MustRegister(FetchRetries)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
