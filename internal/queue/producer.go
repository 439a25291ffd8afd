package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// CaptureMessage 异步抓取请求
type CaptureMessage struct {
	RequestID   string    `json:"request_id"`
	DeviceID    string    `json:"device_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// publisher RabbitMQ 实现了这个接口
type publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	mq     publisher
	stats  func() (int, int, error)
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(mq *RabbitMQ, logger *logrus.Logger) *Producer {
	return &Producer{
		mq:     mq,
		stats:  mq.GetQueueStats,
		logger: logger,
	}
}

// PublishCapture 发布抓取请求
func (p *Producer) PublishCapture(ctx context.Context, msg *CaptureMessage) error {
	if msg.RequestedAt.IsZero() {
		msg.RequestedAt = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.mq.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("request_id", msg.RequestID).Error("Failed to publish capture request")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"request_id": msg.RequestID,
		"device_id":  msg.DeviceID,
	}).Info("Capture request published to queue")

	return nil
}

// GetQueueSize 队列中待处理的请求数
func (p *Producer) GetQueueSize() (int, error) {
	if p.stats == nil {
		return 0, nil
	}
	messageCount, _, err := p.stats()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return messageCount, nil
}
