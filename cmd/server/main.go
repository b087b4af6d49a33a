/**
 * Vision OCR API Server - Main Entry Point
 *
 * Serves synchronous extraction over HTTP. When both DATABASE_URL and
 * REDIS_URL are reachable, /api/jobs queues work for the worker.
 */

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/adverant/nexus/vision-ocr/internal/config"
	"github.com/adverant/nexus/vision-ocr/internal/processor"
	"github.com/adverant/nexus/vision-ocr/internal/queue"
	"github.com/adverant/nexus/vision-ocr/internal/server"
	"github.com/adverant/nexus/vision-ocr/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine, err := processor.New(cfg.EngineConfig(), processor.Dependencies{})
	if err != nil {
		log.Fatalf("Failed to initialize extraction engine: %v", err)
	}
	log.Printf("Extraction engine initialized (provider=%s, model=%s)", engine.Provider(), engine.Model())

	// Async jobs are optional
	var (
		jobs     server.JobStore
		enqueuer server.Enqueuer
	)
	if cfg.ValidateWorker() == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		storageManager, err := storage.NewStorageManager(ctx, cfg.DatabaseURL, cfg.RedisURL, cfg.ResultTTL)
		cancel()
		if err != nil {
			log.Printf("Warning: async jobs disabled, storage unavailable: %v", err)
		} else {
			defer storageManager.Close()
			producer, err := queue.NewProducer(cfg.RedisURL, cfg.QueueName)
			if err != nil {
				log.Printf("Warning: async jobs disabled, queue unavailable: %v", err)
			} else {
				defer producer.Close()
				jobs, enqueuer = storageManager, producer
				log.Printf("Async jobs enabled (queue=%s)", cfg.QueueName)
			}
		}
	}

	handler := server.NewHandler(engine, cfg.ExtractOptions(), jobs, enqueuer)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Vision OCR API listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}

	log.Printf("Shutdown complete")
}
