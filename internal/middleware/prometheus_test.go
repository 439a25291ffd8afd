package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devhelper/devhelper-go/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestMetrics 创建测试用的 Prometheus 指标收集器
func setupTestMetrics(t *testing.T) *PrometheusMetrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	// 使用唯一的 namespace 避免重复注册
	namespace := "test_" + strings.ReplaceAll(t.Name(), "/", "_") + "_" + time.Now().Format("20060102150405999999999")
	return NewPrometheusMetrics(logger, namespace)
}

func sampleCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, h.Write(m))
	return m.GetHistogram().GetSampleCount()
}

func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/api/snapshots/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/snapshots/"+id, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 路由模板作为标签，不同 id 聚合到同一序列
	assert.Equal(t, float64(2), testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "/api/snapshots/:id", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}

func TestRecordParse(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordParse("device", domain.SnapshotStatusParsed, 2*time.Millisecond, 12, 2)
	pm.RecordParse("device", domain.SnapshotStatusParsed, time.Millisecond, 3, 0)
	pm.RecordParse("upload", domain.SnapshotStatusFailed, time.Millisecond, 0, 0)

	assert.Equal(t, float64(2), testutil.ToFloat64(pm.dumpsParsedTotal.WithLabelValues("device", "parsed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.dumpsParsedTotal.WithLabelValues("upload", "failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.parseDuration))
	// 失败的解析不计入数量分布
	assert.Equal(t, uint64(2), sampleCount(t, pm.viewIDsPerDump))
	assert.Equal(t, uint64(2), sampleCount(t, pm.fragmentsPerDump))
}

func TestRecordCapture(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordCapture("pixel", nil, 300*time.Millisecond)
	pm.RecordCapture("pixel", errors.New("device offline"), time.Second)
	pm.RecordCapture("emu", nil, 100*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(pm.capturesTotal.WithLabelValues("pixel", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.capturesTotal.WithLabelValues("pixel", "failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.capturesTotal.WithLabelValues("emu", "success")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.captureDuration))
}

func TestGauges(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateMemoryStats(MemoryStats{Alloc: 100 * 1024 * 1024, NumGC: 10, Goroutines: 50})
	pm.UpdateWorkerPoolStats(4, 2, 7)
	pm.UpdateDBStats(1, 0, 1)
	pm.SetLiveClients(3)
	pm.SetCaptureQueueDepth(5)

	assert.Equal(t, float64(100*1024*1024), testutil.ToFloat64(pm.memoryUsage))
	assert.Equal(t, float64(50), testutil.ToFloat64(pm.goroutinesCount))
	assert.Equal(t, float64(10), testutil.ToFloat64(pm.gcCount))
	assert.Equal(t, float64(4), testutil.ToFloat64(pm.workerPoolSize))
	assert.Equal(t, float64(2), testutil.ToFloat64(pm.workerPoolActive))
	assert.Equal(t, float64(7), testutil.ToFloat64(pm.workerPoolQueueSize))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.dbConnectionsOpen))
	assert.Equal(t, float64(0), testutil.ToFloat64(pm.dbConnectionsIdle))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.dbConnectionsInUse))
	assert.Equal(t, float64(3), testutil.ToFloat64(pm.liveClients))
	assert.Equal(t, float64(5), testutil.ToFloat64(pm.captureQueueDepth))
}

func TestConcurrentMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				pm.RecordParse("file", domain.SnapshotStatusParsed, time.Microsecond, 1, 1)
				pm.RecordCapture("pixel", nil, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(100), testutil.ToFloat64(pm.dumpsParsedTotal.WithLabelValues("file", "parsed")))
	assert.Equal(t, float64(100), testutil.ToFloat64(pm.capturesTotal.WithLabelValues("pixel", "success")))
}

func TestPrometheusHandler(t *testing.T) {
	pm := setupTestMetrics(t)
	pm.RecordCapture("pixel", nil, time.Second)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics/prometheus", pm.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
	assert.Contains(t, w.Body.String(), "captures_total")
}

func TestMemoryMonitor_FeedsSink(t *testing.T) {
	pm := setupTestMetrics(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m := NewMemoryMonitor(logger, time.Hour, pm)
	m.Start()
	defer m.Stop()

	stats := m.GetStats()
	assert.NotZero(t, stats.Alloc)
	assert.NotZero(t, stats.Goroutines)
	assert.Equal(t, float64(stats.Alloc), testutil.ToFloat64(pm.memoryUsage))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", m.MetricsEndpoint())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "goroutines")
}

func TestTokenAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{name: "disabled", token: "", want: http.StatusOK},
		{name: "missing header", token: "s3cret-token", want: http.StatusUnauthorized},
		{name: "not bearer", token: "s3cret-token", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "wrong token", token: "s3cret-token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid", token: "s3cret-token", header: "Bearer s3cret-token", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.POST("/x", TokenAuth(tt.token), func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodPost, "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
