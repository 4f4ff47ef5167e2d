package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"medassist-backend/cmd"
	"medassist-backend/internal/api"
	"medassist-backend/internal/auth"
	"medassist-backend/internal/core"
	"medassist-backend/internal/database"
	"medassist-backend/internal/llm"
	"medassist-backend/internal/messaging"
	"medassist-backend/internal/report"
	"medassist-backend/internal/retrieval"
	"medassist-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Root           string        `env:"ROOT" envDefault:"./medassist"`
	Port           int           `env:"PORT" envDefault:"3001"`
	MaxUploadBytes int64         `env:"MAX_UPLOAD_BYTES" envDefault:"536870912"`
	TaskTimeout    time.Duration `env:"TASK_TIMEOUT" envDefault:"15m"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	Model     cmd.ModelConfig
	Vision    cmd.VisionConfig
	Auth      auth.Config
	LLM       llm.Config
	Retrieval retrieval.Config
	Chat      cmd.ChatConfig
}

const bucket = "medassist"

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "medassist.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

func main() {
	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "model_type", cfg.Model.ModelType, "model_location", cfg.Model.ModelLocation)

	ctx := context.Background()

	pipeline := cmd.LoadPipelineConfig(cfg.Model.PipelineConfig)
	db := createDatabase(cfg.Root)

	store, err := storage.NewLocalProvider(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	if err := store.CreateBucket(ctx, bucket); err != nil {
		log.Fatalf("Failed to create bucket: %v", err)
	}

	model, release := cmd.LoadModel(cfg.Model, pipeline)
	defer release()

	detector, releaseDetector := cmd.LoadDetector(cfg.Vision, pipeline)
	defer releaseDetector()

	queue := messaging.NewInMemoryQueue()
	if err := cmd.RequeuePending(ctx, db, queue); err != nil {
		log.Fatalf("Failed to requeue pending tasks: %v", err)
	}

	completer := cmd.NewCompleter(ctx, cfg.LLM)
	reports := report.NewService(db, store, bucket, report.NewComposer(completer, pipeline))
	analyses := core.NewAnalysisRunner(db, store, bucket, core.NewPipeline(pipeline, model))
	worker := messaging.NewWorker(queue, analyses, reports, cfg.TaskTimeout)

	issuer := auth.NewTokenIssuer(cfg.Auth.SecretKey, cfg.Auth.TokenTTL)
	apiHandler := api.NewBackendService(db, store, bucket, queue, reports, issuer, pipeline, cfg.MaxUploadBytes)
	chatHandler := api.NewChatService(cmd.NewChatService(ctx, db, completer, cfg.LLM, cfg.Retrieval, cfg.Chat, pipeline))

	r := cmd.NewRouter(cfg.AllowedOrigins)
	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(issuer))
			chatHandler.AddRoutes(r)
			if detector != nil {
				api.NewVisionService(detector, cfg.MaxUploadBytes).AddRoutes(r)
			}
		})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	slog.Info("starting worker")
	go worker.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
