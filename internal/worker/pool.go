package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/devhelper/devhelper-go/internal/domain"
	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull  = errors.New("job queue is full")
	ErrPoolClosed = errors.New("worker pool is stopped")
)

// SnapshotWriter 执行抓取和导入，service.SnapshotService 实现了这个接口
type SnapshotWriter interface {
	Capture(ctx context.Context, deviceID string) (*domain.Snapshot, error)
	Import(ctx context.Context, source, raw string) (*domain.Snapshot, error)
}

// JobKind 任务类型
type JobKind string

const (
	JobCapture JobKind = "capture"
	JobImport  JobKind = "import"
)

// Job 任务
type Job struct {
	ID       string
	Kind     JobKind
	DeviceID string // JobCapture
	Source   string // JobImport
	Raw      string // JobImport

	resultCh chan result
}

type result struct {
	snapshot *domain.Snapshot
	err      error
}

// Pool Worker 池
type Pool struct {
	workers  int
	jobChan  chan *Job
	writer   SnapshotWriter
	logger   *logrus.Logger
	wg       sync.WaitGroup
	active   int32
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, writer SnapshotWriter, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers: workers,
		jobChan: make(chan *Job, queueSize),
		writer:  writer,
		logger:  logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Debug("Worker shutting down")
			return

		case job, ok := <-p.jobChan:
			if !ok {
				return
			}
			p.run(ctx, id, job)
		}
	}
}

func (p *Pool) run(ctx context.Context, workerID int, job *Job) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	fields := logrus.Fields{
		"worker_id": workerID,
		"job_id":    job.ID,
		"kind":      job.Kind,
	}

	var res result
	switch job.Kind {
	case JobCapture:
		fields["device_id"] = job.DeviceID
		res.snapshot, res.err = p.writer.Capture(ctx, job.DeviceID)
	case JobImport:
		fields["source"] = job.Source
		res.snapshot, res.err = p.writer.Import(ctx, job.Source, job.Raw)
	default:
		res.err = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	if res.err != nil {
		p.logger.WithError(res.err).WithFields(fields).Error("Job failed")
	} else {
		p.logger.WithFields(fields).WithField("snapshot_id", res.snapshot.ID).Debug("Job completed")
	}

	if job.resultCh != nil {
		job.resultCh <- res
		close(job.resultCh)
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobChan <- job:
		p.logger.WithField("job_id", job.ID).Debug("Job submitted to pool")
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job *Job) (*domain.Snapshot, error) {
	job.resultCh = make(chan result, 1)

	if err := p.enqueue(ctx, job); err != nil {
		return nil, err
	}

	select {
	case res := <-job.resultCh:
		return res.snapshot, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) enqueue(ctx context.Context, job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止 Worker 池，等待已入队任务处理完
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool")
		p.mu.Lock()
		p.closed = true
		close(p.jobChan)
		p.mu.Unlock()
		p.wg.Wait()
		p.logger.Info("Worker pool stopped")
	})
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.jobChan)
}

// Stats 池大小、活跃数、排队数
func (p *Pool) Stats() (size, active, queued int) {
	return p.workers, int(atomic.LoadInt32(&p.active)), len(p.jobChan)
}
