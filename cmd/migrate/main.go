package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/devhelper/devhelper-go/internal/config"
	"github.com/devhelper/devhelper-go/internal/repository"
)

// 建表/补列后退出，不启动服务
func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	fmt.Printf("✓ Migration completed successfully (%s)\n", cfg.Database.Type)
}
