// Package metrics は Prometheus のメトリクス定義を提供します。
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reelforge"

var jobsCreatedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_created_total",
		Help:      "number of accepted video jobs",
	},
	[]string{"model"},
)

var jobsSettledMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_settled_total",
		Help:      "number of jobs that reached a terminal state, by status and error type",
	},
	[]string{"status", "error_type"},
)

var dispatchDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "wall-clock time spent dispatching a job to the backend",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	},
	[]string{"outcome"},
)

var backendRetriesMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_retries_total",
		Help:      "number of retried backend calls after a transient failure",
	},
	[]string{"operation"},
)

var sweeperMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeper_jobs_total",
		Help:      "number of jobs handled by the expiry sweeper, by action",
	},
	[]string{"action"},
)

var httpRequestsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "number of HTTP requests partitioned by status code, method and route",
	},
	[]string{"code", "method", "route"},
)

var httpLatencyMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency partitioned by method and route",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route"},
)

func init() {
	prometheus.MustRegister(
		jobsCreatedMetric,
		jobsSettledMetric,
		dispatchDurationMetric,
		backendRetriesMetric,
		sweeperMetric,
		httpRequestsMetric,
		httpLatencyMetric,
	)
}

// IncJobsCreated は受け付けたジョブ数を加算します。
func IncJobsCreated(model string) {
	jobsCreatedMetric.With(prometheus.Labels{"model": model}).Inc()
}

// IncJobsSettled は終端に達したジョブ数を加算します。
func IncJobsSettled(status, errorType string) {
	jobsSettledMetric.With(prometheus.Labels{"status": status, "error_type": errorType}).Inc()
}

// ObserveDispatch はディスパッチ 1 回の所要時間を記録します。
func ObserveDispatch(outcome string, d time.Duration) {
	dispatchDurationMetric.With(prometheus.Labels{"outcome": outcome}).Observe(d.Seconds())
}

// IncBackendRetry はバックエンド呼び出しの再試行回数を加算します。
func IncBackendRetry(operation string) {
	backendRetriesMetric.With(prometheus.Labels{"operation": operation}).Inc()
}

// IncSweeper はスイーパーの処理件数を加算します。action は expired / reclaimed / purged です。
func IncSweeper(action string, n int) {
	if n <= 0 {
		return
	}
	sweeperMetric.With(prometheus.Labels{"action": action}).Add(float64(n))
}

// Middleware はリクエスト数とレイテンシを記録する gin ミドルウェアです。
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsMetric.With(prometheus.Labels{
			"code":   strconv.Itoa(c.Writer.Status()),
			"method": c.Request.Method,
			"route":  route,
		}).Inc()
		httpLatencyMetric.With(prometheus.Labels{
			"method": c.Request.Method,
			"route":  route,
		}).Observe(time.Since(start).Seconds())
	}
}

// Handler は /metrics 用のハンドラーです。
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
