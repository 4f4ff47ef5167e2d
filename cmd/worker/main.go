package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medassist-backend/cmd"
	"medassist-backend/internal/core"
	"medassist-backend/internal/database"
	"medassist-backend/internal/llm"
	"medassist-backend/internal/messaging"
	"medassist-backend/internal/report"
	"medassist-backend/internal/storage"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL string        `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string        `env:"RABBITMQ_URL,notEmpty,required"`
	Bucket      string        `env:"STORAGE_BUCKET" envDefault:"medassist"`
	TaskTimeout time.Duration `env:"TASK_TIMEOUT" envDefault:"15m"`

	Model cmd.ModelConfig
	S3    storage.S3ProviderConfig
	LLM   llm.Config
}

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	pipeline := cmd.LoadPipelineConfig(cfg.Model.PipelineConfig)

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	s3Provider, err := storage.NewS3Provider(cfg.S3)
	if err != nil {
		log.Fatalf("Worker: Failed to create S3 client: %v", err)
	}

	model, release := cmd.LoadModel(cfg.Model, pipeline)
	defer release()

	reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	analyses := core.NewAnalysisRunner(db, s3Provider, cfg.Bucket, core.NewPipeline(pipeline, model))
	composer := report.NewComposer(cmd.NewCompleter(context.Background(), cfg.LLM), pipeline)
	reports := report.NewService(db, s3Provider, cfg.Bucket, composer)

	worker := messaging.NewWorker(reciever, analyses, reports, cfg.TaskTimeout)
	go worker.Start()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, stopping worker...")
	worker.Stop()

	log.Println("Worker process stopped.")
}
