package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/devhelper/devhelper-go/internal/domain"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileHandler 文件处理函数
type FileHandler func(ctx context.Context, filePath string) error

// Options 监控参数
type Options struct {
	Pattern      string        // 文件匹配模式，默认 *.txt
	Debounce     time.Duration // 同一文件连续事件合并
	ScanExisting bool          // 启动时处理目录中已有文件
	// 文件大小稳定检测的轮询间隔
	SettleInterval time.Duration
}

// FileWatcher 文件监控器
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	opts     Options
	handler  FileHandler
	logger   *logrus.Logger

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	inflight   sync.WaitGroup
	stopped    bool

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewFileWatcher 创建文件监控器
func NewFileWatcher(watchDir string, opts Options, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	if opts.Pattern == "" {
		opts.Pattern = "*.txt"
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.SettleInterval <= 0 {
		opts.SettleInterval = 500 * time.Millisecond
	}
	if _, err := filepath.Match(opts.Pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", opts.Pattern, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := os.MkdirAll(watchDir, 0755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	fw := &FileWatcher{
		watcher:    watcher,
		watchDir:   watchDir,
		opts:       opts,
		handler:    handler,
		logger:     logger,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": watchDir,
		"pattern":   opts.Pattern,
	}).Info("File watcher created")

	return fw, nil
}

// Start 启动文件监控
func (fw *FileWatcher) Start(ctx context.Context) error {
	if fw.opts.ScanExisting {
		if err := fw.scanExistingFiles(ctx); err != nil {
			fw.logger.WithError(err).Warn("Failed to scan existing files")
		}
	}

	go fw.eventLoop(ctx)

	fw.logger.Info("File watcher started")
	return nil
}

func (fw *FileWatcher) scanExistingFiles(ctx context.Context) error {
	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !fw.matchPattern(entry.Name()) {
			continue
		}
		fw.logger.WithField("file", entry.Name()).Info("Found existing file")
		fw.schedule(ctx, filepath.Join(fw.watchDir, entry.Name()))
	}
	return nil
}

func (fw *FileWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			fw.cancelTimers()
			return
		case <-fw.stopChan:
			fw.cancelTimers()
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			// 只处理创建和写入事件
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fw.matchPattern(filepath.Base(event.Name)) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("File event detected")

			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖: 同一文件在 debounce 内多次触发只处理一次
func (fw *FileWatcher) schedule(ctx context.Context, filePath string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, exists := fw.timers[filePath]; exists {
		timer.Stop()
	}
	fw.timers[filePath] = time.AfterFunc(fw.opts.Debounce, func() {
		fw.mu.Lock()
		delete(fw.timers, filePath)
		if fw.stopped {
			fw.mu.Unlock()
			return
		}
		if fw.processing[filePath] {
			fw.mu.Unlock()
			fw.logger.WithField("file", filePath).Debug("File is already being processed")
			return
		}
		fw.processing[filePath] = true
		fw.inflight.Add(1)
		fw.mu.Unlock()

		defer func() {
			fw.mu.Lock()
			delete(fw.processing, filePath)
			fw.mu.Unlock()
			fw.inflight.Done()
		}()
		fw.handleFile(ctx, filePath)
	})
}

func (fw *FileWatcher) cancelTimers() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for path, timer := range fw.timers {
		timer.Stop()
		delete(fw.timers, path)
	}
}

func (fw *FileWatcher) handleFile(ctx context.Context, filePath string) {
	if err := fw.waitForFileReady(ctx, filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("File not ready")
		return
	}

	if err := fw.handler(ctx, filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("Failed to process file")
		return
	}

	fw.logger.WithField("file", filePath).Info("File processed successfully")
}

// waitForFileReady 等待文件大小稳定 (写入完成)
func (fw *FileWatcher) waitForFileReady(ctx context.Context, filePath string) error {
	const maxAttempts = 10

	prev := int64(-1)
	for i := 0; i < maxAttempts; i++ {
		info, err := os.Stat(filePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("file does not exist: %w", err)
			}
			return err
		}
		if info.Size() > 0 && info.Size() == prev {
			return nil
		}
		prev = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fw.opts.SettleInterval):
		}
	}

	return fmt.Errorf("file not ready after %d attempts", maxAttempts)
}

// matchPattern 大小写不敏感的 glob 匹配
func (fw *FileWatcher) matchPattern(fileName string) bool {
	ok, _ := filepath.Match(strings.ToLower(fw.opts.Pattern), strings.ToLower(fileName))
	return ok
}

// Stop 停止文件监控，等待正在处理的文件完成
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)
		err = fw.watcher.Close()

		fw.mu.Lock()
		fw.stopped = true
		fw.mu.Unlock()
		fw.cancelTimers()
		fw.inflight.Wait()
	})
	return err
}

// GetWatchDir 获取监控目录
func (fw *FileWatcher) GetWatchDir() string {
	return fw.watchDir
}

// Importer 保存 dump 文本，service.SnapshotService 实现了这个接口
type Importer interface {
	Import(ctx context.Context, source, raw string) (*domain.Snapshot, error)
}

// ImportHandler 读取文件并以 file:<name> 为来源导入
func ImportHandler(importer Importer, logger *logrus.Logger) FileHandler {
	return func(ctx context.Context, filePath string) error {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("read dump: %w", err)
		}

		source := domain.SourceFilePrefix + filepath.Base(filePath)
		snapshot, err := importer.Import(ctx, source, string(data))
		if err != nil {
			return fmt.Errorf("import %s: %w", source, err)
		}

		logger.WithFields(logrus.Fields{
			"snapshot_id": snapshot.ID,
			"source":      source,
			"activity":    snapshot.Activity,
		}).Info("Dump file imported")
		return nil
	}
}
