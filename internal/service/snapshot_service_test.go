package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devhelper/devhelper-go/internal/device"
	"github.com/devhelper/devhelper-go/internal/domain"
	"github.com/devhelper/devhelper-go/internal/dumpsys"
	"github.com/devhelper/devhelper-go/internal/inspector"
	"github.com/devhelper/devhelper-go/internal/queue"
	"github.com/devhelper/devhelper-go/internal/shell"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSnapshotRepository Mock Repository
type MockSnapshotRepository struct {
	mock.Mock
}

func (m *MockSnapshotRepository) Create(ctx context.Context, snapshot *domain.Snapshot) error {
	args := m.Called(ctx, snapshot)
	return args.Error(0)
}

func (m *MockSnapshotRepository) FindByID(ctx context.Context, id string) (*domain.Snapshot, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Snapshot), args.Error(1)
}

func (m *MockSnapshotRepository) List(ctx context.Context, page, pageSize int, deviceID string) ([]*domain.Snapshot, int64, error) {
	args := m.Called(ctx, page, pageSize, deviceID)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.Snapshot), args.Get(1).(int64), args.Error(2)
}

func (m *MockSnapshotRepository) Latest(ctx context.Context, deviceID string) (*domain.Snapshot, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Snapshot), args.Error(1)
}

func (m *MockSnapshotRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSnapshotRepository) CountByStatus(ctx context.Context) (map[string]int64, int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[string]int64), args.Get(1).(int64), args.Error(2)
}

// scriptedExecutor 固定返回 dumpsys 输出
type scriptedExecutor struct {
	result *shell.Result
	err    error
}

func (e *scriptedExecutor) RunWithSu(ctx context.Context, cmds ...string) (*shell.Result, error) {
	return e.result, e.err
}

// fakeDevices 单设备的 DeviceRunner
type fakeDevices struct {
	id   string
	insp *inspector.Inspector
}

func (f *fakeDevices) WithDevice(ctx context.Context, id string, fn func(ctx context.Context, insp *inspector.Inspector) error) error {
	if id != f.id {
		return device.ErrDeviceNotFound
	}
	return fn(ctx, f.insp)
}

type recorded struct {
	source    string
	status    domain.SnapshotStatus
	views     int
	fragments int
}

type fakeRecorder struct {
	mu       sync.Mutex
	parses   []recorded
	captures []error
}

func (r *fakeRecorder) RecordParse(source string, status domain.SnapshotStatus, d time.Duration, views, fragments int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parses = append(r.parses, recorded{source, status, views, fragments})
}

func (r *fakeRecorder) RecordCapture(deviceID string, err error, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures = append(r.captures, err)
}

type fakeBroadcaster struct {
	snapshots []*domain.Snapshot
}

func (b *fakeBroadcaster) BroadcastSnapshot(s *domain.Snapshot) {
	b.snapshots = append(b.snapshots, s)
}

type fakePublisher struct {
	msgs []*queue.CaptureMessage
	err  error
}

func (p *fakePublisher) PublishCapture(ctx context.Context, msg *queue.CaptureMessage) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var validDump = strings.Join([]string{
	"TASK com.x id=7 userId=0",
	"  ACTIVITY com.x/.Main abcdef12 pid=123",
	"    Local Activity 11aa State:",
	"      mResumed=true mStopped=false",
	"    View Hierarchy:",
	"      DecorView@1f[Main]",
	"        0 android.widget.Button{a1b2c3d4 V.E...... ...... 0,0-100,50 #7f0a0001 id/submit}",
	"    Active Fragments:",
	"      #0: DialogFragment{...} mFragmentId=#1 mTag=dlg mState=3 mAdded=true",
}, "\n")

var brokenDump = strings.Replace(validDump, "mState=3", "mState=RESUMED", 1)

func newDevices(exec shell.Executor) *fakeDevices {
	return &fakeDevices{id: "pixel", insp: inspector.New(exec, shell.ForSDK(30), testLogger())}
}

// TestSnapshotService_Capture 抓取并保存
func TestSnapshotService_Capture(t *testing.T) {
	repo := new(MockSnapshotRepository)
	rec := &fakeRecorder{}
	bc := &fakeBroadcaster{}
	exec := &scriptedExecutor{result: &shell.Result{Stdout: strings.Split(validDump, "\n")}}
	svc := NewSnapshotService(repo, newDevices(exec), Options{Recorder: rec, Broadcaster: bc}, testLogger())

	repo.On("Create", mock.Anything, mock.MatchedBy(func(s *domain.Snapshot) bool {
		return s.DeviceID == "pixel" && s.Source == "device:pixel" && s.Status == domain.SnapshotStatusParsed
	})).Return(nil)

	snap, err := svc.Capture(context.Background(), "pixel")
	require.NoError(t, err)
	assert.Equal(t, "com.x/.Main", snap.Activity)
	assert.NotEmpty(t, snap.ID)
	require.Len(t, snap.Fragments, 1)
	assert.Equal(t, "DialogFragment", snap.Fragments[0].Name)

	require.Len(t, bc.snapshots, 1)
	assert.Same(t, snap, bc.snapshots[0])
	require.Len(t, rec.parses, 1)
	assert.Equal(t, recorded{"device", domain.SnapshotStatusParsed, 1, 1}, rec.parses[0])
	assert.Equal(t, []error{nil}, rec.captures)
	repo.AssertExpectations(t)
}

// TestSnapshotService_Capture_Unreadable 解析失败仍保存 failed 快照
func TestSnapshotService_Capture_Unreadable(t *testing.T) {
	repo := new(MockSnapshotRepository)
	exec := &scriptedExecutor{result: &shell.Result{Stdout: strings.Split(brokenDump, "\n")}}
	svc := NewSnapshotService(repo, newDevices(exec), Options{}, testLogger())

	repo.On("Create", mock.Anything, mock.MatchedBy(func(s *domain.Snapshot) bool {
		return s.Status == domain.SnapshotStatusFailed && strings.Contains(s.ErrorMessage, "mState")
	})).Return(nil)

	snap, err := svc.Capture(context.Background(), "pixel")
	assert.ErrorIs(t, err, inspector.ErrUnreadableHierarchy)
	assert.ErrorIs(t, err, dumpsys.ErrInvalidNumber)
	require.NotNil(t, snap)
	assert.Equal(t, domain.SnapshotStatusFailed, snap.Status)
	repo.AssertExpectations(t)
}

// TestSnapshotService_Capture_DeviceErrors 设备不存在或命令失败时不保存
func TestSnapshotService_Capture_DeviceErrors(t *testing.T) {
	repo := new(MockSnapshotRepository)
	rec := &fakeRecorder{}
	exec := &scriptedExecutor{err: errors.New("adb transport error")}
	svc := NewSnapshotService(repo, newDevices(exec), Options{Recorder: rec}, testLogger())

	_, err := svc.Capture(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = svc.Capture(context.Background(), "pixel")
	assert.Error(t, err)

	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	assert.Len(t, rec.captures, 2)
}

// TestSnapshotService_CaptureAsync 异步抓取
func TestSnapshotService_CaptureAsync(t *testing.T) {
	pub := &fakePublisher{}
	svc := NewSnapshotService(new(MockSnapshotRepository), nil, Options{Publisher: pub}, testLogger())

	id, err := svc.CaptureAsync(context.Background(), "pixel")
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, id, pub.msgs[0].RequestID)
	assert.Equal(t, "pixel", pub.msgs[0].DeviceID)

	disabled := NewSnapshotService(new(MockSnapshotRepository), nil, Options{}, testLogger())
	_, err = disabled.CaptureAsync(context.Background(), "pixel")
	assert.ErrorIs(t, err, ErrQueueDisabled)
}

// TestSnapshotService_Import 导入 dump 文本
func TestSnapshotService_Import(t *testing.T) {
	repo := new(MockSnapshotRepository)
	svc := NewSnapshotService(repo, nil, Options{}, testLogger())

	repo.On("Create", mock.Anything, mock.MatchedBy(func(s *domain.Snapshot) bool {
		return s.Source == "file:top.txt" && s.DeviceID == "" && s.RawSize == len(validDump)
	})).Return(nil).Once()
	repo.On("Create", mock.Anything, mock.MatchedBy(func(s *domain.Snapshot) bool {
		return s.Source == domain.SourceUpload
	})).Return(errors.New("disk full")).Once()

	snap, err := svc.Import(context.Background(), "file:top.txt", validDump)
	require.NoError(t, err)
	assert.Equal(t, "#7f0a0001", snap.ToTopActivityInfo().ViewIDHex["id/submit"])

	_, err = svc.Import(context.Background(), "", validDump)
	assert.ErrorContains(t, err, "disk full")

	_, err = svc.Import(context.Background(), "upload", "  \n")
	assert.ErrorIs(t, err, ErrEmptyDump)
	repo.AssertExpectations(t)
}

// TestSnapshotService_Parse 只解析
func TestSnapshotService_Parse(t *testing.T) {
	svc := NewSnapshotService(new(MockSnapshotRepository), nil, Options{}, testLogger())

	info, err := svc.Parse(validDump)
	require.NoError(t, err)
	assert.Equal(t, "com.x/.Main", info.Activity)

	_, err = svc.Parse(brokenDump)
	assert.ErrorIs(t, err, inspector.ErrUnreadableHierarchy)

	_, err = svc.Parse("")
	assert.ErrorIs(t, err, ErrEmptyDump)
}

// TestSnapshotService_Queries 查询、删除、统计
func TestSnapshotService_Queries(t *testing.T) {
	repo := new(MockSnapshotRepository)
	svc := NewSnapshotService(repo, nil, Options{}, testLogger())
	ctx := context.Background()

	snap := &domain.Snapshot{ID: "s1", DeviceID: "pixel"}
	repo.On("FindByID", ctx, "s1").Return(snap, nil)
	repo.On("FindByID", ctx, "missing").Return(nil, ErrSnapshotNotFound)
	repo.On("List", ctx, 1, 20, "pixel").Return([]*domain.Snapshot{snap}, int64(1), nil)
	repo.On("Latest", ctx, "pixel").Return(snap, nil)
	repo.On("Delete", ctx, "s1").Return(nil)
	repo.On("CountByStatus", ctx).Return(map[string]int64{"parsed": 3, "failed": 1}, int64(4), nil)

	got, err := svc.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Same(t, snap, got)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	list, total, err := svc.List(ctx, 1, 20, "pixel")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, list, 1)

	latest, err := svc.Latest(ctx, "pixel")
	require.NoError(t, err)
	assert.Equal(t, "s1", latest.ID)

	require.NoError(t, svc.Delete(ctx, "s1"))

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(1), stats.ByStatus["failed"])
}

func TestSourceKind(t *testing.T) {
	assert.Equal(t, "device", sourceKind("device:pixel"))
	assert.Equal(t, "file", sourceKind("file:top.txt"))
	assert.Equal(t, "upload", sourceKind("upload"))
	assert.Equal(t, "upload", sourceKind("anything"))
}
