package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devhelper/devhelper-go/internal/inspector"
	"github.com/devhelper/devhelper-go/internal/shell"
	"github.com/sirupsen/logrus"
)

var ErrDeviceNotFound = errors.New("device not found")

// Client 设备连接，adb.Client 实现了这个接口
type Client interface {
	shell.Executor
	Target() string
	Connect(ctx context.Context) error
	IsConnected(ctx context.Context) bool
	SDKVersion(ctx context.Context) (int, error)
}

// Device 一台被调试的 Android 设备
type Device struct {
	ID     string
	client Client

	mu        sync.Mutex // 同一设备上的抓取串行执行
	initMu    sync.Mutex
	inspector *inspector.Inspector

	// statsMu 只保护下面几个字段，抓取期间也不会被长时间持有；
	// sdk 的写入同时持有 initMu 和 statsMu
	statsMu  sync.Mutex
	sdk      int
	lastSeen time.Time
	captures int
}

// NewDevice sdk<=0 时在第一次使用时通过 getprop 读取
func NewDevice(id string, client Client, sdk int) *Device {
	return &Device{ID: id, client: client, sdk: sdk}
}

// Target adb 目标地址
func (d *Device) Target() string {
	return d.client.Target()
}

// Info 设备对外展示的信息
type Info struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	SDK       int       `json:"sdk,omitempty"`
	Captures  int       `json:"captures"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	Connected bool      `json:"connected"`
}

// Manager 设备注册表
type Manager struct {
	devices map[string]*Device
	mu      sync.RWMutex
	logger  *logrus.Logger
}

func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{
		devices: make(map[string]*Device),
		logger:  logger,
	}
}

// AddDevice 注册设备
func (m *Manager) AddDevice(device *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices[device.ID] = device
	m.logger.WithFields(logrus.Fields{
		"device_id": device.ID,
		"target":    device.Target(),
	}).Info("Device registered")
}

// Get 按 ID 查找
func (m *Manager) Get(id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d, nil
}

// List 按 ID 排序的设备列表
func (m *Manager) List() []*Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// GetDeviceCount 设备数量
func (m *Manager) GetDeviceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// Inspector 返回设备的 Inspector，首次调用时连接设备并按 SDK 选择命令集
func (m *Manager) Inspector(ctx context.Context, id string) (*inspector.Inspector, error) {
	d, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	d.initMu.Lock()
	defer d.initMu.Unlock()

	if d.inspector != nil {
		return d.inspector, nil
	}

	if err := d.client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", d.ID, err)
	}

	if d.sdk <= 0 {
		sdk, err := d.client.SDKVersion(ctx)
		if err != nil {
			// 拿不到版本时使用最保守的命令集，下次再试
			m.logger.WithError(err).WithField("device_id", d.ID).Warn("Failed to read SDK version, using baseline commands")
			return inspector.New(d.client, shell.ForSDK(0), m.logger), nil
		}
		d.statsMu.Lock()
		d.sdk = sdk
		d.statsMu.Unlock()
	}

	cmds := shell.ForSDK(d.sdk)
	d.inspector = inspector.New(d.client, cmds, m.logger)
	m.logger.WithFields(logrus.Fields{
		"device_id":   d.ID,
		"sdk":         d.sdk,
		"command_set": cmds.MinSDK,
	}).Info("Device inspector ready")

	return d.inspector, nil
}

// WithDevice 独占设备执行 fn
func (m *Manager) WithDevice(ctx context.Context, id string, fn func(ctx context.Context, insp *inspector.Inspector) error) error {
	insp, err := m.Inspector(ctx, id)
	if err != nil {
		return err
	}
	d, err := m.Get(id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := fn(ctx, insp); err != nil {
		return err
	}
	d.statsMu.Lock()
	d.captures++
	d.lastSeen = time.Now().UTC()
	d.statsMu.Unlock()
	return nil
}

// Describe 设备信息，checkConnection 为 true 时实时检查连接
func (m *Manager) Describe(ctx context.Context, checkConnection bool) []Info {
	devices := m.List()
	infos := make([]Info, 0, len(devices))
	for _, d := range devices {
		d.statsMu.Lock()
		info := Info{
			ID:       d.ID,
			Target:   d.Target(),
			SDK:      d.sdk,
			Captures: d.captures,
			LastSeen: d.lastSeen,
		}
		d.statsMu.Unlock()

		if checkConnection {
			info.Connected = d.client.IsConnected(ctx)
		}
		infos = append(infos, info)
	}
	return infos
}

// GetDeviceStats 统计信息
func (m *Manager) GetDeviceStats() map[string]interface{} {
	stats := map[string]interface{}{
		"total_devices": m.GetDeviceCount(),
	}
	captures := 0
	for _, d := range m.List() {
		d.statsMu.Lock()
		captures += d.captures
		d.statsMu.Unlock()
	}
	stats["total_captures"] = captures
	return stats
}

// Targets 所有设备的 adb 地址
func (m *Manager) Targets() []string {
	devices := m.List()
	targets := make([]string, 0, len(devices))
	for _, d := range devices {
		targets = append(targets, d.Target())
	}
	return targets
}
