package middleware

import (
	"strconv"
	"time"

	"github.com/devhelper/devhelper-go/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 解析指标
	dumpsParsedTotal  *prometheus.CounterVec
	parseDuration     *prometheus.HistogramVec
	viewIDsPerDump    prometheus.Histogram
	fragmentsPerDump  prometheus.Histogram
	capturesTotal     *prometheus.CounterVec
	captureDuration   *prometheus.HistogramVec
	liveClients       prometheus.Gauge
	captureQueueDepth prometheus.Gauge

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolActive    prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge

	// 数据库指标
	dbConnectionsOpen  prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge
	dbConnectionsInUse prometheus.Gauge
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "devhelper"
	}

	gauge := func(name, help string) prometheus.Gauge {
		return promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	pm := &PrometheusMetrics{
		logger: logger,

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		dumpsParsedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dumps_parsed_total",
				Help:      "Total number of dumpsys outputs parsed",
			},
			[]string{"source", "status"}, // source: device/file/upload/inline, status: parsed/failed
		),
		parseDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "parse_duration_seconds",
				Help:      "Time spent parsing one dump",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
			[]string{"source"},
		),
		viewIDsPerDump: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "view_ids_per_dump",
				Help:      "Number of resource ids extracted from a dump",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		fragmentsPerDump: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fragments_per_dump",
				Help:      "Number of top-level fragments extracted from a dump",
				Buckets:   []float64{0, 1, 2, 4, 8, 16},
			},
		),
		capturesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "captures_total",
				Help:      "Total number of device captures",
			},
			[]string{"device", "status"}, // status: success/failure
		),
		captureDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "capture_duration_seconds",
				Help:      "Device capture duration in seconds, including adb round trip",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"device"},
		),
		liveClients:       gauge("live_clients", "Number of connected snapshot stream clients"),
		captureQueueDepth: gauge("capture_queue_depth", "Number of capture requests waiting in RabbitMQ"),

		memoryUsage:     gauge("memory_usage_bytes", "Current memory usage in bytes"),
		goroutinesCount: gauge("goroutines_count", "Current number of goroutines"),
		gcCount:         gauge("gc_count", "Number of completed GC cycles"),

		workerPoolSize:      gauge("worker_pool_size", "Total number of workers in the pool"),
		workerPoolActive:    gauge("worker_pool_active", "Number of active workers"),
		workerPoolQueueSize: gauge("worker_pool_queue_size", "Number of jobs waiting in the pool"),

		dbConnectionsOpen:  gauge("db_connections_open", "Number of open database connections"),
		dbConnectionsIdle:  gauge("db_connections_idle", "Number of idle database connections"),
		dbConnectionsInUse: gauge("db_connections_in_use", "Number of database connections in use"),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			// 未匹配路由统一归类，避免标签爆炸
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordParse 记录一次解析
func (pm *PrometheusMetrics) RecordParse(source string, status domain.SnapshotStatus, duration time.Duration, views, fragments int) {
	pm.dumpsParsedTotal.WithLabelValues(source, string(status)).Inc()
	pm.parseDuration.WithLabelValues(source).Observe(duration.Seconds())
	if status == domain.SnapshotStatusParsed {
		pm.viewIDsPerDump.Observe(float64(views))
		pm.fragmentsPerDump.Observe(float64(fragments))
	}
}

// RecordCapture 记录一次设备抓取
func (pm *PrometheusMetrics) RecordCapture(deviceID string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	pm.capturesTotal.WithLabelValues(deviceID, status).Inc()
	pm.captureDuration.WithLabelValues(deviceID).Observe(duration.Seconds())
}

// SetLiveClients 更新 WebSocket 客户端数量
func (pm *PrometheusMetrics) SetLiveClients(n int) {
	pm.liveClients.Set(float64(n))
}

// SetCaptureQueueDepth 更新队列积压
func (pm *PrometheusMetrics) SetCaptureQueueDepth(n int) {
	pm.captureQueueDepth.Set(float64(n))
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolActive.Set(float64(active))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// UpdateDBStats 更新数据库连接统计
func (pm *PrometheusMetrics) UpdateDBStats(open, idle, inUse int) {
	pm.dbConnectionsOpen.Set(float64(open))
	pm.dbConnectionsIdle.Set(float64(idle))
	pm.dbConnectionsInUse.Set(float64(inUse))
}
