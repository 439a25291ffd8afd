package middleware

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`       // 当前分配的内存 (字节)
	TotalAlloc uint64 `json:"total_alloc"` // 累计分配的内存
	Sys        uint64 `json:"sys"`         // 从系统获取的内存
	NumGC      uint32 `json:"num_gc"`      // GC 次数
	Goroutines int    `json:"goroutines"`  // Goroutine 数量
	AllocMB    uint64 `json:"alloc_mb"`
	SysMB      uint64 `json:"sys_mb"`
}

// StatsSink 接收每次采样结果
type StatsSink interface {
	UpdateMemoryStats(stats MemoryStats)
}

// MemoryMonitor 内存监控器
type MemoryMonitor struct {
	logger   *logrus.Logger
	stats    *MemoryStats
	mutex    sync.RWMutex
	stopChan chan struct{}
	stopOnce sync.Once
	interval time.Duration
	sink     StatsSink

	// 超过该值时告警 (MB)
	warnAllocMB uint64
}

// NewMemoryMonitor 创建内存监控器，sink 可为 nil
func NewMemoryMonitor(logger *logrus.Logger, interval time.Duration, sink StatsSink) *MemoryMonitor {
	return &MemoryMonitor{
		logger:      logger,
		stats:       &MemoryStats{},
		stopChan:    make(chan struct{}),
		interval:    interval,
		sink:        sink,
		warnAllocMB: 512,
	}
}

// Start 启动内存监控
func (m *MemoryMonitor) Start() {
	m.updateStats()
	go m.monitor()
}

// Stop 停止内存监控
func (m *MemoryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *MemoryMonitor) monitor() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.updateStats()
			m.logStats()
		}
	}
}

func (m *MemoryMonitor) updateStats() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mutex.Lock()
	m.stats.Alloc = ms.Alloc
	m.stats.TotalAlloc = ms.TotalAlloc
	m.stats.Sys = ms.Sys
	m.stats.NumGC = ms.NumGC
	m.stats.Goroutines = runtime.NumGoroutine()
	m.stats.AllocMB = ms.Alloc / 1024 / 1024
	m.stats.SysMB = ms.Sys / 1024 / 1024
	snapshot := *m.stats
	m.mutex.Unlock()

	if m.sink != nil {
		m.sink.UpdateMemoryStats(snapshot)
	}
}

func (m *MemoryMonitor) logStats() {
	stats := m.GetStats()

	m.logger.WithFields(logrus.Fields{
		"alloc_mb":   stats.AllocMB,
		"sys_mb":     stats.SysMB,
		"num_gc":     stats.NumGC,
		"goroutines": stats.Goroutines,
	}).Debug("Memory stats")

	if stats.AllocMB > m.warnAllocMB {
		m.logger.WithFields(logrus.Fields{
			"alloc_mb": stats.AllocMB,
			"sys_mb":   stats.SysMB,
		}).Warn("High memory usage detected")
	}
}

// GetStats 获取当前统计信息
func (m *MemoryMonitor) GetStats() MemoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return *m.stats
}

// MetricsEndpoint 创建 Metrics 端点
func (m *MemoryMonitor) MetricsEndpoint() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"memory": m.GetStats(),
		})
	}
}

// ForceGC 手动触发 GC
func ForceGC() gin.HandlerFunc {
	return func(c *gin.Context) {
		runtime.GC()
		c.JSON(http.StatusOK, gin.H{
			"message": "GC triggered successfully",
		})
	}
}
