package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devhelper/devhelper-go/internal/adb"
	"github.com/devhelper/devhelper-go/internal/api"
	"github.com/devhelper/devhelper-go/internal/api/handlers"
	"github.com/devhelper/devhelper-go/internal/config"
	"github.com/devhelper/devhelper-go/internal/device"
	"github.com/devhelper/devhelper-go/internal/domain"
	"github.com/devhelper/devhelper-go/internal/middleware"
	"github.com/devhelper/devhelper-go/internal/queue"
	"github.com/devhelper/devhelper-go/internal/repository"
	"github.com/devhelper/devhelper-go/internal/retry"
	"github.com/devhelper/devhelper-go/internal/service"
	"github.com/devhelper/devhelper-go/internal/watcher"
	"github.com/devhelper/devhelper-go/internal/worker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	fmt.Printf("devhelper server\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 1. 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting devhelper %s", Version)
	logger.Infof("Config loaded from: %s", configPath)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// 3. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.WithField("type", cfg.Database.Type).Info("Database connected successfully")

	// 4. 设备
	deviceMgr := buildDevices(cfg, logger)

	// 5. 指标与实时推送
	promMetrics := middleware.NewPrometheusMetrics(logger, "devhelper")
	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second, promMetrics)
	memMonitor.Start()

	stream := handlers.NewSnapshotStreamHandler(logger, promMetrics.SetLiveClients)
	stream.Start()

	// 6. RabbitMQ（可选）
	var (
		mq       *queue.RabbitMQ
		producer *queue.Producer
	)
	opts := service.Options{Recorder: promMetrics, Broadcaster: stream}
	if cfg.RabbitMQ.Enabled {
		mq, err = queue.NewRabbitMQ(&queue.RabbitMQConfig{
			Host:     cfg.RabbitMQ.Host,
			Port:     cfg.RabbitMQ.Port,
			User:     cfg.RabbitMQ.User,
			Password: cfg.RabbitMQ.Password,
			VHost:    cfg.RabbitMQ.VHost,
		}, cfg.RabbitMQ.Queue, cfg.Worker.Concurrency, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		producer = queue.NewProducer(mq, logger)
		opts.Publisher = producer
		logger.WithField("queue", cfg.RabbitMQ.Queue).Info("RabbitMQ connected successfully")
	} else {
		logger.Info("RabbitMQ disabled, async capture unavailable")
	}

	// 7. Service
	snapshotRepo := repository.NewSnapshotRepository(db, logger)
	snapshotService := service.NewSnapshotService(snapshotRepo, deviceMgr, opts, logger)

	// 8. Worker Pool
	workerPool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, snapshotService, logger)
	workerPool.Start(rootCtx)

	// 9. 抓取请求消费者
	var consumer *queue.Consumer
	if mq != nil {
		consumer = queue.NewConsumer(mq, captureHandler(workerPool, logger), cfg.Worker.Concurrency, logger)
		if err := consumer.Start(rootCtx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
	}

	// 10. dump 目录监控
	var fileWatcher *watcher.FileWatcher
	if cfg.Watcher.Enabled {
		fileWatcher, err = watcher.NewFileWatcher(cfg.Watcher.DumpDir, watcher.Options{
			Pattern:      cfg.Watcher.Pattern,
			Debounce:     cfg.Watcher.DebounceInterval(),
			ScanExisting: cfg.Watcher.ScanExisting,
		}, watcher.ImportHandler(poolImporter{pool: workerPool}, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		if err := fileWatcher.Start(rootCtx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
		logger.Infof("File watcher started for directory: %s", cfg.Watcher.DumpDir)
	}

	// 11. ADB 连接健康检查
	if cfg.ADB.HealthCheck > 0 && deviceMgr.GetDeviceCount() > 0 {
		connMgr := adb.GetConnectionManager(cfg.ADB.Binary, logger)
		go connMgr.StartHealthCheck(rootCtx, time.Duration(cfg.ADB.HealthCheck)*time.Second, deviceMgr.Targets())
		logger.WithField("interval_s", cfg.ADB.HealthCheck).Info("ADB connection health check started")
	}

	go updateGauges(rootCtx, promMetrics, db, workerPool, producer, logger)

	// 12. HTTP Server
	router := api.SetupRouter(cfg, logger, snapshotService, deviceMgr, stream, memMonitor, promMetrics)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Minute,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 13. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	// 14. 优雅关闭 (30秒超时)，先停入口再停下游
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}
	if fileWatcher != nil {
		fileWatcher.Stop()
	}
	if consumer != nil {
		consumer.Stop()
	}
	workerPool.Stop()
	stream.Stop()
	memMonitor.Stop()
	cancelRoot()

	if mq != nil {
		mq.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("Server stopped")
}

// buildDevices 按配置注册设备
func buildDevices(cfg *config.Config, logger *logrus.Logger) *device.Manager {
	mgr := device.NewManager(logger)

	var retryCfg *retry.Config
	if cfg.ADB.RetryAttempts > 1 {
		retryCfg = retry.DefaultConfig()
		retryCfg.MaxAttempts = cfg.ADB.RetryAttempts
		retryCfg.Logger = logger
	}

	for _, d := range cfg.Devices {
		client := adb.NewClient(d.ADBTarget, adb.Options{
			Binary:  cfg.ADB.Binary,
			UseSu:   d.UseSu,
			Timeout: cfg.ADB.CommandTimeout(),
			Retry:   retryCfg,
		}, logger)
		mgr.AddDevice(device.NewDevice(d.ID, client, d.SDK))
	}

	logger.WithFields(logrus.Fields{
		"device_count": mgr.GetDeviceCount(),
		"targets":      mgr.Targets(),
	}).Info("Device manager initialized")
	return mgr
}

// captureHandler 把队列里的抓取请求交给 Worker Pool 并等待结果
func captureHandler(pool *worker.Pool, logger *logrus.Logger) queue.CaptureHandler {
	return func(ctx context.Context, msg *queue.CaptureMessage) error {
		logger.WithFields(logrus.Fields{
			"request_id": msg.RequestID,
			"device_id":  msg.DeviceID,
		}).Info("Received capture request, submitting to worker pool")

		_, err := pool.SubmitAndWait(ctx, &worker.Job{
			ID:       msg.RequestID,
			Kind:     worker.JobCapture,
			DeviceID: msg.DeviceID,
		})
		return err
	}
}

// poolImporter 通过 Worker Pool 导入，限制与抓取共享并发
type poolImporter struct {
	pool *worker.Pool
}

func (p poolImporter) Import(ctx context.Context, source, raw string) (*domain.Snapshot, error) {
	return p.pool.SubmitAndWait(ctx, &worker.Job{
		ID:     uuid.New().String(),
		Kind:   worker.JobImport,
		Source: source,
		Raw:    raw,
	})
}

// updateGauges 定时刷新 Gauge 指标
func updateGauges(ctx context.Context, pm *middleware.PrometheusMetrics, db *gorm.DB, pool *worker.Pool, producer *queue.Producer, logger *logrus.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if sqlDB, err := db.DB(); err == nil {
			stats := sqlDB.Stats()
			pm.UpdateDBStats(stats.OpenConnections, stats.Idle, stats.InUse)
		}

		pm.UpdateWorkerPoolStats(pool.Stats())

		if producer != nil {
			depth, err := producer.GetQueueSize()
			if err != nil {
				logger.WithError(err).Debug("Failed to read queue depth")
				continue
			}
			pm.SetCaptureQueueDepth(depth)
		}
	}
}
