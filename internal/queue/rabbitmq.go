package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devhelper/devhelper-go/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var ErrChannelClosed = errors.New("amqp channel is not open")

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Heartbeat time.Duration // 默认 10 秒
}

// URL amqp 连接地址
func (c *RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.VHost)
}

// RabbitMQ 持久队列客户端，断线后由 Consumer 触发重连
type RabbitMQ struct {
	config        *RabbitMQConfig
	queueName     string
	prefetchCount int
	logger        *logrus.Logger

	mu            sync.RWMutex
	conn          *amqp.Connection
	channel       *amqp.Channel
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
	reconnect     chan struct{}
	watcherOnce   sync.Once

	reconnectPolicy *retry.Config
}

// NewRabbitMQ 创建客户端并声明队列，prefetchCount 与消费 worker 数一致
func NewRabbitMQ(config *RabbitMQConfig, queueName string, prefetchCount int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	if config.Heartbeat == 0 {
		config.Heartbeat = 10 * time.Second
	}

	policy := retry.DefaultConfig()
	policy.MaxAttempts = 10
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.Logger = logger

	mq := &RabbitMQ{
		config:          config,
		queueName:       queueName,
		prefetchCount:   prefetchCount,
		logger:          logger,
		reconnect:       make(chan struct{}, 1),
		reconnectPolicy: policy,
	}

	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(mq.config.URL(), amqp.Config{
		Heartbeat: mq.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(mq.prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	// durable, 不自动删除, 非独占
	if _, err := ch.QueueDeclare(mq.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.config.Host,
		"port":           mq.config.Port,
		"queue":          mq.queueName,
		"prefetch_count": mq.prefetchCount,
	}).Info("Connected to RabbitMQ")

	return nil
}

// StartConnectionWatcher 监听连接和通道关闭事件并发出重连信号
func (mq *RabbitMQ) StartConnectionWatcher() {
	mq.watcherOnce.Do(func() {
		go mq.watch()
	})
}

func (mq *RabbitMQ) watch() {
	for {
		mq.mu.RLock()
		if mq.closed {
			mq.mu.RUnlock()
			return
		}
		connNotify, channelNotify := mq.connNotify, mq.channelNotify
		mq.mu.RUnlock()

		var amqpErr *amqp.Error
		select {
		case amqpErr = <-connNotify:
		case amqpErr = <-channelNotify:
		}

		if mq.isClosed() {
			return
		}

		if amqpErr != nil {
			mq.logger.WithError(amqpErr).Error("RabbitMQ connection closed unexpectedly")
		} else {
			mq.logger.Warn("RabbitMQ connection closed")
		}

		select {
		case mq.reconnect <- struct{}{}:
		default:
		}

		// 等待重连完成后再监听新的通知
		for !mq.isClosed() && !mq.IsConnected() {
			time.Sleep(time.Second)
		}
	}
}

// Reconnect 关闭旧连接并按退避策略重连
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()

	return retry.Do(ctx, mq.reconnectPolicy, func(ctx context.Context) error {
		if mq.isClosed() {
			return retry.Permanent(ErrChannelClosed)
		}
		return mq.connect()
	})
}

func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

// Publish 发布持久化 JSON 消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()

	if ch == nil {
		return ErrChannelClosed
	}

	return ch.PublishWithContext(ctx, "", mq.queueName, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()

	if ch == nil {
		return nil, ErrChannelClosed
	}

	msgs, err := ch.Consume(mq.queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// GetQueueStats 队列中的消息数和消费者数
func (mq *RabbitMQ) GetQueueStats() (messageCount, consumerCount int, err error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()

	if ch == nil {
		return 0, 0, ErrChannelClosed
	}

	q, err := ch.QueueInspect(mq.queueName)
	if err != nil {
		return 0, 0, err
	}
	return q.Messages, q.Consumers, nil
}

// GetReconnectChan 重连信号
func (mq *RabbitMQ) GetReconnectChan() <-chan struct{} {
	return mq.reconnect
}

// IsConnected 连接是否可用
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
