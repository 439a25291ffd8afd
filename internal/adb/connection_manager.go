package adb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectionManager ADB 连接管理器（单例模式）
// 1. 全局互斥锁保护 ADB daemon 初始化
// 2. 连接复用，每个 target 只 connect 一次
// 3. 定期检查连接状态并重连
type ConnectionManager struct {
	binary string
	run    runFunc

	daemonMutex   sync.Mutex
	daemonStarted bool

	connections map[string]bool
	connMutex   sync.RWMutex

	// daemon 启动后的等待时间
	settle time.Duration

	logger *logrus.Logger
}

var (
	once              sync.Once
	connectionManager *ConnectionManager
)

// GetConnectionManager 获取全局连接管理器（单例）
func GetConnectionManager(binary string, logger *logrus.Logger) *ConnectionManager {
	once.Do(func() {
		connectionManager = newConnectionManager(binary, execRun, logger)
	})
	return connectionManager
}

func newConnectionManager(binary string, run runFunc, logger *logrus.Logger) *ConnectionManager {
	return &ConnectionManager{
		binary:      binary,
		run:         run,
		connections: make(map[string]bool),
		settle:      2 * time.Second,
		logger:      logger,
	}
}

// EnsureDaemonStarted 确保 ADB daemon 已启动（线程安全）
func (m *ConnectionManager) EnsureDaemonStarted(ctx context.Context) error {
	m.daemonMutex.Lock()
	defer m.daemonMutex.Unlock()

	if m.daemonStarted {
		return nil
	}

	if _, _, code, err := m.run(ctx, m.binary, "devices"); err == nil && code == 0 {
		m.logger.Debug("ADB daemon already running")
		m.daemonStarted = true
		return nil
	}

	m.logger.Info("Starting ADB daemon...")
	stdout, stderr, code, err := m.run(ctx, m.binary, "start-server")
	if err != nil || code != 0 {
		// daemon 可能在第一次 connect 时自动启动
		m.logger.WithError(err).WithFields(logrus.Fields{
			"stdout": string(stdout),
			"stderr": string(stderr),
		}).Warn("Failed to start ADB daemon explicitly, will retry on first connect")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.settle):
	}

	m.daemonStarted = true
	return nil
}

// Connect 连接到设备（带缓存和锁保护）
func (m *ConnectionManager) Connect(ctx context.Context, target string) error {
	if err := m.EnsureDaemonStarted(ctx); err != nil {
		return fmt.Errorf("failed to ensure daemon started: %w", err)
	}

	m.connMutex.RLock()
	if m.connections[target] {
		m.connMutex.RUnlock()
		return nil
	}
	m.connMutex.RUnlock()

	m.connMutex.Lock()
	defer m.connMutex.Unlock()

	if m.connections[target] {
		return nil
	}

	m.logger.WithField("target", target).Info("Connecting to ADB device...")

	stdout, stderr, code, err := m.run(ctx, m.binary, "connect", target)
	if err != nil {
		return fmt.Errorf("adb connect failed: %w", err)
	}
	// adb connect 失败时仍可能返回 0，需要看输出
	out := string(stdout)
	if code != 0 || !strings.Contains(out, "connected to") {
		return fmt.Errorf("%w: adb connect %s: %s%s", ErrTransport, target, strings.TrimSpace(out), strings.TrimSpace(string(stderr)))
	}

	m.connections[target] = true
	m.logger.WithField("target", target).Info("ADB connected successfully")
	return nil
}

// Disconnect 断开设备连接
func (m *ConnectionManager) Disconnect(ctx context.Context, target string) error {
	m.connMutex.Lock()
	defer m.connMutex.Unlock()

	if _, _, _, err := m.run(ctx, m.binary, "disconnect", target); err != nil {
		m.logger.WithError(err).WithField("target", target).Warn("ADB disconnect failed")
		return err
	}

	delete(m.connections, target)
	m.logger.WithField("target", target).Info("ADB disconnected")
	return nil
}

// IsConnected 通过 adb devices 检查设备状态
func (m *ConnectionManager) IsConnected(ctx context.Context, target string) bool {
	stdout, _, code, err := m.run(ctx, m.binary, "devices")
	connected := err == nil && code == 0 && deviceOnline(string(stdout), target)

	m.connMutex.Lock()
	if connected {
		m.connections[target] = true
	} else {
		delete(m.connections, target)
	}
	m.connMutex.Unlock()

	return connected
}

// deviceOnline 解析 adb devices 输出：<serial>\t<state>
func deviceOnline(devices, target string) bool {
	for _, line := range strings.Split(devices, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == target {
			return fields[1] == "device"
		}
	}
	return false
}

// StartHealthCheck 定期检查并重连，阻塞直到 ctx 结束
func (m *ConnectionManager) StartHealthCheck(ctx context.Context, interval time.Duration, targets []string) {
	m.logger.WithField("interval", interval.String()).Info("Starting ADB connection health check")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("ADB connection health check stopped")
			return
		case <-ticker.C:
			m.checkAndReconnect(ctx, targets)
		}
	}
}

func (m *ConnectionManager) checkAndReconnect(ctx context.Context, targets []string) {
	for _, target := range targets {
		if m.IsConnected(ctx, target) {
			continue
		}
		// USB 设备无法 connect，只能等待重新插入
		if !strings.Contains(target, ":") {
			m.logger.WithField("target", target).Warn("USB device offline")
			continue
		}

		m.logger.WithField("target", target).Warn("Device disconnected, attempting to reconnect...")
		if err := m.Connect(ctx, target); err != nil {
			m.logger.WithError(err).WithField("target", target).Error("Failed to reconnect device")
		}
	}
}

// GetConnectionStats 连接统计信息
func (m *ConnectionManager) GetConnectionStats() map[string]interface{} {
	m.connMutex.RLock()
	defer m.connMutex.RUnlock()

	connected := []string{}
	for target, ok := range m.connections {
		if ok {
			connected = append(connected, target)
		}
	}

	m.daemonMutex.Lock()
	started := m.daemonStarted
	m.daemonMutex.Unlock()

	return map[string]interface{}{
		"daemon_started":    started,
		"connected_devices": connected,
		"connected_count":   len(connected),
	}
}
