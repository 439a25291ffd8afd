package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devhelper/devhelper-go/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// CaptureHandler 处理一条抓取请求
type CaptureHandler func(ctx context.Context, msg *CaptureMessage) error

// Consumer 消息消费者
type Consumer struct {
	mq            *RabbitMQ
	logger        *logrus.Logger
	handler       CaptureHandler
	workers       int
	workerWg      sync.WaitGroup
	activeWorkers int32
	processed     int64
	failed        int64

	mu         sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(mq *RabbitMQ, handler CaptureHandler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		mq:      mq,
		logger:  logger,
		handler: handler,
		workers: workers,
	}
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorkers(ctx); err != nil {
		return err
	}

	c.mq.StartConnectionWatcher()
	go c.handleReconnect(ctx)
	return nil
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}

	msgs, err := c.mq.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.running = true

	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}

	c.logger.Infof("Consumer started with %d workers", c.workers)
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()
	atomic.AddInt32(&c.activeWorkers, 1)
	defer atomic.AddInt32(&c.activeWorkers, -1)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warnf("Worker %d: message channel closed", id)
				return
			}
			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage 处理单条消息
// 可重试的失败（设备暂时离线）在第一次投递时重新入队，其余直接丢弃
func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	start := time.Now()

	var msg CaptureMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.WithError(err).Error("Failed to unmarshal capture request")
		delivery.Nack(false, false)
		atomic.AddInt64(&c.failed, 1)
		return
	}

	fields := logrus.Fields{
		"worker_id":  workerID,
		"request_id": msg.RequestID,
		"device_id":  msg.DeviceID,
	}

	if err := c.handler(ctx, &msg); err != nil {
		requeue := !delivery.Redelivered && retry.IsTransient(err)
		c.logger.WithError(err).WithFields(fields).WithField("requeue", requeue).Error("Capture request failed")
		delivery.Nack(false, requeue)
		atomic.AddInt64(&c.failed, 1)
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.WithError(err).Error("Failed to acknowledge message")
	}
	atomic.AddInt64(&c.processed, 1)

	c.logger.WithFields(fields).WithField("duration", time.Since(start).Seconds()).Info("Capture request completed")
}

func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.mq.GetReconnectChan():
			c.logger.Warn("Connection lost, attempting to reconnect...")
			c.stopWorkers()

			if err := c.mq.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, will retry on next signal")
				continue
			}
			if err := c.startWorkers(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorkers 停止所有 worker，最多等待 30 秒
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		c.logger.Warn("Timeout waiting for workers to stop")
	}
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")
	c.stopWorkers()
	c.logger.Info("Consumer stopped")
}

// Stats 消费统计
func (c *Consumer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"active_workers": int(atomic.LoadInt32(&c.activeWorkers)),
		"processed":      atomic.LoadInt64(&c.processed),
		"failed":         atomic.LoadInt64(&c.failed),
		"running":        c.IsRunning(),
	}
}

// IsRunning 检查消费者是否正在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
