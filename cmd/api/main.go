package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medassist-backend/cmd"
	"medassist-backend/internal/api"
	"medassist-backend/internal/auth"
	"medassist-backend/internal/database"
	"medassist-backend/internal/llm"
	"medassist-backend/internal/messaging"
	"medassist-backend/internal/report"
	"medassist-backend/internal/retrieval"
	"medassist-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
)

type APIConfig struct {
	DatabaseURL    string   `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL    string   `env:"RABBITMQ_URL,notEmpty,required"`
	Bucket         string   `env:"STORAGE_BUCKET" envDefault:"medassist"`
	APIPort        string   `env:"API_PORT" envDefault:"8001"`
	MaxUploadBytes int64    `env:"MAX_UPLOAD_BYTES" envDefault:"536870912"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:3000" envSeparator:","`
	PipelineConfig string   `env:"PIPELINE_CONFIG" envDefault:""`

	S3        storage.S3ProviderConfig
	Auth      auth.Config
	LLM       llm.Config
	Retrieval retrieval.Config
	Chat      cmd.ChatConfig
	Vision    cmd.VisionConfig
}

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	var cfg APIConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	ctx := context.Background()

	pipeline := cmd.LoadPipelineConfig(cfg.PipelineConfig)

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	s3Provider, err := storage.NewS3Provider(cfg.S3)
	if err != nil {
		log.Fatalf("Failed to create S3 client: %v", err)
	}
	if err := s3Provider.CreateBucket(ctx, cfg.Bucket); err != nil {
		log.Fatalf("Failed to create bucket %s: %v", cfg.Bucket, err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	completer := cmd.NewCompleter(ctx, cfg.LLM)
	reports := report.NewService(db, s3Provider, cfg.Bucket, report.NewComposer(completer, pipeline))
	issuer := auth.NewTokenIssuer(cfg.Auth.SecretKey, cfg.Auth.TokenTTL)

	detector, releaseDetector := cmd.LoadDetector(cfg.Vision, pipeline)
	defer releaseDetector()

	apiHandler := api.NewBackendService(db, s3Provider, cfg.Bucket, publisher, reports, issuer, pipeline, cfg.MaxUploadBytes)
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
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("API server listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
