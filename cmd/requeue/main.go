package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/devhelper/devhelper-go/internal/config"
	"github.com/devhelper/devhelper-go/internal/queue"
	"github.com/google/uuid"
)

// 向抓取队列投递请求，默认为配置里的所有设备各投一条
func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	deviceIDs := flag.Args()
	if len(deviceIDs) == 0 {
		for _, d := range cfg.Devices {
			deviceIDs = append(deviceIDs, d.ID)
		}
	}
	if len(deviceIDs) == 0 {
		log.Fatal("no devices configured")
	}

	mq, err := queue.NewRabbitMQ(&queue.RabbitMQConfig{
		Host:     cfg.RabbitMQ.Host,
		Port:     cfg.RabbitMQ.Port,
		User:     cfg.RabbitMQ.User,
		Password: cfg.RabbitMQ.Password,
		VHost:    cfg.RabbitMQ.VHost,
	}, cfg.RabbitMQ.Queue, 1, logger)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer mq.Close()

	producer := queue.NewProducer(mq, logger)

	successCount := 0
	for _, id := range deviceIDs {
		if _, ok := cfg.Device(id); !ok {
			log.Printf("❌ Unknown device %s, skipped", id)
			continue
		}

		msg := &queue.CaptureMessage{
			RequestID:   uuid.New().String(),
			DeviceID:    id,
			RequestedAt: time.Now(),
		}
		if err := producer.PublishCapture(context.Background(), msg); err != nil {
			log.Printf("❌ Failed to publish capture for %s: %v", id, err)
			continue
		}
		successCount++
	}

	if depth, err := producer.GetQueueSize(); err == nil {
		fmt.Printf("queue depth: %d\n", depth)
	}
	fmt.Printf("\n✅ 成功入队 %d/%d 个抓取请求\n", successCount, len(deviceIDs))
}
