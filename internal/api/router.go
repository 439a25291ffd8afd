package api

import (
	"time"

	"github.com/devhelper/devhelper-go/internal/api/handlers"
	"github.com/devhelper/devhelper-go/internal/config"
	"github.com/devhelper/devhelper-go/internal/middleware"
	"github.com/devhelper/devhelper-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const version = "1.0.0"

func SetupRouter(cfg *config.Config, logger *logrus.Logger, snapshotService service.SnapshotService, devices handlers.DeviceRegistry, stream *handlers.SnapshotStreamHandler, memMonitor *middleware.MemoryMonitor, promMetrics *middleware.PrometheusMetrics) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Prometheus 监控中间件
	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
	}

	snapshotHandler := handlers.NewSnapshotHandler(snapshotService, logger)
	dumpHandler := handlers.NewDumpHandler(snapshotService, logger)
	deviceHandler := handlers.NewDeviceHandler(devices, snapshotService, logger)

	// 写接口鉴权
	auth := middleware.TokenAuth(cfg.Server.APIToken)

	if stream != nil {
		r.GET("/ws/snapshots", stream.HandleWebSocket)
	}

	// 性能监控端点 (仅在非生产环境)
	if cfg.Server.Mode != "release" {
		middleware.RegisterPprof(r)
		logger.Info("pprof endpoints registered at /debug/pprof/*")
	}

	if memMonitor != nil {
		r.GET("/metrics", memMonitor.MetricsEndpoint())
	}
	r.POST("/debug/gc", auth, middleware.ForceGC())

	if promMetrics != nil {
		r.GET("/metrics/prometheus", promMetrics.Handler())
	}

	v1 := r.Group("/api")
	{
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":  "ok",
				"version": version,
			})
		})

		v1.GET("/stats", snapshotHandler.GetStats)

		// 设备
		v1.GET("/devices", deviceHandler.ListDevices)
		v1.POST("/devices/:id/capture", auth, deviceHandler.Capture)
		v1.GET("/devices/:id/snapshots/latest", snapshotHandler.LatestSnapshot)

		// dump 上传
		v1.POST("/dumps", auth, dumpHandler.ImportDump)
		v1.POST("/dumps/parse", dumpHandler.ParseDump)

		// 快照
		v1.GET("/snapshots", snapshotHandler.ListSnapshots)
		v1.GET("/snapshots/:id", snapshotHandler.GetSnapshot)
		v1.GET("/snapshots/:id/top-activity", snapshotHandler.GetTopActivity)
		v1.DELETE("/snapshots/:id", auth, snapshotHandler.DeleteSnapshot)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": latency.Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
