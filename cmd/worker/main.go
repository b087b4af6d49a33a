/**
 * Vision OCR Worker - Main Entry Point
 *
 * Background worker for asynchronous OCR jobs.
 *
 * Architecture:
 * - Asynq consumer for Redis-backed job queue (ocr:extract, ocr:batch)
 * - Vision LLM extraction engine (OpenRouter, OpenAI, Gemini, Ollama)
 * - PostgreSQL persistence for job status and results
 * - Redis result cache for status polling
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/vision-ocr/internal/config"
	"github.com/adverant/nexus/vision-ocr/internal/processor"
	"github.com/adverant/nexus/vision-ocr/internal/queue"
	"github.com/adverant/nexus/vision-ocr/internal/storage"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env not found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatalf("Invalid worker configuration: %v", err)
	}

	log.Printf("Vision OCR Worker starting...")
	log.Printf("Configuration loaded: Provider=%s, Queue=%s, Workers=%d, ResultTTL=%v",
		cfg.Provider, cfg.QueueName, cfg.WorkerConcurrency, cfg.ResultTTL)

	// Initialize storage manager (PostgreSQL + Redis)
	log.Printf("Connecting to storage (PostgreSQL + Redis)...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	storageManager, err := storage.NewStorageManager(ctx, cfg.DatabaseURL, cfg.RedisURL, cfg.ResultTTL)
	cancel()
	if err != nil {
		log.Fatalf("Failed to initialize storage manager: %v", err)
	}
	log.Printf("Storage manager initialized (PostgreSQL + Redis)")

	// Initialize extraction engine
	engine, err := processor.New(cfg.EngineConfig(), processor.Dependencies{})
	if err != nil {
		storageManager.Close()
		log.Fatalf("Failed to initialize extraction engine: %v", err)
	}
	log.Printf("Extraction engine initialized (provider=%s, model=%s)", engine.Provider(), engine.Model())

	// Initialize queue consumer
	queueConsumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.WorkerConcurrency,
		Engine:            engine,
		Store:             storageManager,
		Defaults:          cfg.ExtractOptions(),
		ProcessingTimeout: cfg.ProcessingTimeout,
	})
	if err != nil {
		storageManager.Close()
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}

	if err := queueConsumer.Start(); err != nil {
		storageManager.Close()
		log.Fatalf("Failed to start queue consumer: %v", err)
	}
	log.Printf("Queue consumer started: %v", queueConsumer.GetStatistics())
	log.Printf("Waiting for jobs...")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	queueConsumer.Stop()

	log.Printf("Closing storage manager...")
	if err := storageManager.Close(); err != nil {
		log.Printf("Error closing storage manager: %v", err)
	}

	log.Printf("Shutdown complete")
}
