package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devhelper/devhelper-go/internal/device"
	"github.com/devhelper/devhelper-go/internal/domain"
	"github.com/devhelper/devhelper-go/internal/dumpsys"
	"github.com/devhelper/devhelper-go/internal/inspector"
	"github.com/devhelper/devhelper-go/internal/queue"
	"github.com/devhelper/devhelper-go/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrDeviceNotFound   = device.ErrDeviceNotFound
	ErrSnapshotNotFound = repository.ErrSnapshotNotFound
	ErrQueueDisabled    = errors.New("capture queue is disabled")
	ErrEmptyDump        = errors.New("empty dump")
)

// DeviceRunner 独占设备执行，device.Manager 实现了这个接口
type DeviceRunner interface {
	WithDevice(ctx context.Context, id string, fn func(ctx context.Context, insp *inspector.Inspector) error) error
}

// CapturePublisher 异步抓取请求的投递方
type CapturePublisher interface {
	PublishCapture(ctx context.Context, msg *queue.CaptureMessage) error
}

// Recorder 指标记录
type Recorder interface {
	RecordParse(source string, status domain.SnapshotStatus, duration time.Duration, views, fragments int)
	RecordCapture(deviceID string, err error, duration time.Duration)
}

// Broadcaster 新快照推送
type Broadcaster interface {
	BroadcastSnapshot(snapshot *domain.Snapshot)
}

// Stats 快照统计
type Stats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
}

// SnapshotService 快照服务接口
type SnapshotService interface {
	// 从设备抓取并保存
	Capture(ctx context.Context, deviceID string) (*domain.Snapshot, error)

	// 投递异步抓取请求，返回请求 ID
	CaptureAsync(ctx context.Context, deviceID string) (string, error)

	// 解析外部获取的 dump 文本并保存
	Import(ctx context.Context, source, raw string) (*domain.Snapshot, error)

	// 只解析不保存
	Parse(raw string) (*dumpsys.TopActivityInfo, error)

	Get(ctx context.Context, id string) (*domain.Snapshot, error)
	List(ctx context.Context, page, pageSize int, deviceID string) ([]*domain.Snapshot, int64, error)
	Latest(ctx context.Context, deviceID string) (*domain.Snapshot, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (*Stats, error)
}

// Options 可选依赖，nil 表示不启用
type Options struct {
	Publisher   CapturePublisher
	Recorder    Recorder
	Broadcaster Broadcaster
}

type snapshotService struct {
	repo    repository.SnapshotRepository
	devices DeviceRunner
	opts    Options
	logger  *logrus.Logger
}

// NewSnapshotService 创建快照服务实例
func NewSnapshotService(repo repository.SnapshotRepository, devices DeviceRunner, opts Options, logger *logrus.Logger) SnapshotService {
	return &snapshotService{
		repo:    repo,
		devices: devices,
		opts:    opts,
		logger:  logger,
	}
}

func (s *snapshotService) Capture(ctx context.Context, deviceID string) (*domain.Snapshot, error) {
	start := time.Now()
	if s.devices == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	var raw string
	err := s.devices.WithDevice(ctx, deviceID, func(ctx context.Context, insp *inspector.Inspector) error {
		var err error
		raw, err = insp.DumpTopActivity(ctx)
		return err
	})
	if err != nil {
		s.recordCapture(deviceID, err, time.Since(start))
		s.logger.WithError(err).WithField("device_id", deviceID).Error("Capture failed")
		return nil, fmt.Errorf("capture %s: %w", deviceID, err)
	}

	snapshot, err := s.store(ctx, deviceID, domain.SourceDevicePrefix+deviceID, raw)
	s.recordCapture(deviceID, err, time.Since(start))
	return snapshot, err
}

func (s *snapshotService) CaptureAsync(ctx context.Context, deviceID string) (string, error) {
	if s.opts.Publisher == nil {
		return "", ErrQueueDisabled
	}

	msg := &queue.CaptureMessage{
		RequestID: uuid.New().String(),
		DeviceID:  deviceID,
	}
	if err := s.opts.Publisher.PublishCapture(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to publish capture request: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"request_id": msg.RequestID,
		"device_id":  deviceID,
	}).Info("Capture request queued")
	return msg.RequestID, nil
}

func (s *snapshotService) Import(ctx context.Context, source, raw string) (*domain.Snapshot, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyDump
	}
	if source == "" {
		source = domain.SourceUpload
	}
	return s.store(ctx, "", source, raw)
}

func (s *snapshotService) Parse(raw string) (*dumpsys.TopActivityInfo, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyDump
	}
	start := time.Now()
	info, err := dumpsys.Parse(raw)
	if err != nil {
		s.recordParse("inline", domain.SnapshotStatusFailed, time.Since(start), nil)
		return nil, fmt.Errorf("%w: %w", inspector.ErrUnreadableHierarchy, err)
	}
	s.recordParse("inline", domain.SnapshotStatusParsed, time.Since(start), info)
	return info, nil
}

// store 解析并保存；解析失败也会保存一条 failed 快照
func (s *snapshotService) store(ctx context.Context, deviceID, source, raw string) (*domain.Snapshot, error) {
	start := time.Now()
	id := uuid.New().String()

	info, parseErr := dumpsys.Parse(raw)

	var snapshot *domain.Snapshot
	if parseErr != nil {
		snapshot = domain.NewFailedSnapshot(id, deviceID, source, len(raw), parseErr)
	} else {
		snapshot = domain.NewSnapshot(id, deviceID, source, len(raw), info)
	}
	s.recordParse(sourceKind(source), snapshot.Status, time.Since(start), info)

	if err := s.repo.Create(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}

	if s.opts.Broadcaster != nil {
		s.opts.Broadcaster.BroadcastSnapshot(snapshot)
	}

	fields := logrus.Fields{
		"snapshot_id": id,
		"source":      source,
		"status":      snapshot.Status,
	}
	if parseErr != nil {
		s.logger.WithFields(fields).WithError(parseErr).Warn("Dump could not be parsed")
		return snapshot, fmt.Errorf("%w: %w", inspector.ErrUnreadableHierarchy, parseErr)
	}

	fields["activity"] = snapshot.Activity
	fields["views"] = len(snapshot.ViewIDs)
	fields["fragments"] = len(snapshot.Fragments)
	s.logger.WithFields(fields).Info("Snapshot stored")
	return snapshot, nil
}

func (s *snapshotService) Get(ctx context.Context, id string) (*domain.Snapshot, error) {
	snapshot, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *snapshotService) List(ctx context.Context, page, pageSize int, deviceID string) ([]*domain.Snapshot, int64, error) {
	return s.repo.List(ctx, page, pageSize, deviceID)
}

func (s *snapshotService) Latest(ctx context.Context, deviceID string) (*domain.Snapshot, error) {
	snapshot, err := s.repo.Latest(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *snapshotService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (s *snapshotService) Stats(ctx context.Context) (*Stats, error) {
	counts, total, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return &Stats{Total: total, ByStatus: counts}, nil
}

func (s *snapshotService) recordParse(source string, status domain.SnapshotStatus, d time.Duration, info *dumpsys.TopActivityInfo) {
	if s.opts.Recorder == nil {
		return
	}
	views, fragments := 0, 0
	if info != nil {
		views, fragments = len(info.ViewIDHex), len(info.Fragments)
	}
	s.opts.Recorder.RecordParse(source, status, d, views, fragments)
}

func (s *snapshotService) recordCapture(deviceID string, err error, d time.Duration) {
	if s.opts.Recorder != nil {
		s.opts.Recorder.RecordCapture(deviceID, err, d)
	}
}

// sourceKind 指标标签只保留来源类型
func sourceKind(source string) string {
	switch {
	case strings.HasPrefix(source, domain.SourceDevicePrefix):
		return "device"
	case strings.HasPrefix(source, domain.SourceFilePrefix):
		return "file"
	default:
		return "upload"
	}
}
