package main

import (
	"flag"
	"log"
	"os"

	"CandleCast/internal/di"
	"CandleCast/pkg/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	log.Printf("env=%s backend=%s symbol=%s interval=%s", cfg.Environment, cfg.Storage.Backend, cfg.Binance.Symbol, cfg.Binance.Interval)

	app, cleanup, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	if cfg.Kafka.Enabled {
		log.Printf("kafka: brokers=%v predictions=%s alerts=%s", cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.AlertsTopic)
	}

	// Run application (blocks until signal)
	err = app.Run()
	cleanup()
	if err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
