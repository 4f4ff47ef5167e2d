package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"time"

	"medassist-backend/internal/chat"
	"medassist-backend/internal/config"
	"medassist-backend/internal/core"
	"medassist-backend/internal/database"
	"medassist-backend/internal/llm"
	"medassist-backend/internal/messaging"
	"medassist-backend/internal/retrieval"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	ort "github.com/yalue/onnxruntime_go"
	"gorm.io/gorm"
)

// ModelConfig selects the segmentation backend. ModelLocation is a directory
// holding model.onnx for the onnx backend or a URL for the remote one.
type ModelConfig struct {
	PipelineConfig   string `env:"PIPELINE_CONFIG" envDefault:""`
	ModelType        string `env:"MODEL_TYPE" envDefault:"onnx"`
	ModelLocation    string `env:"MODEL_LOCATION"`
	OnnxRuntimeDylib string `env:"ONNX_RUNTIME_DYLIB"`
}

// VisionConfig enables 2D image detection when DetectorLocation, a directory
// holding detector.onnx, is set.
type VisionConfig struct {
	DetectorLocation string `env:"DETECTOR_LOCATION"`
	OnnxRuntimeDylib string `env:"ONNX_RUNTIME_DYLIB"`
}

type ChatConfig struct {
	MaxSessions int `env:"CHAT_MAX_SESSIONS" envDefault:"1024"`
}

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	if err := godotenv.Load(configPath); err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

func LoadPipelineConfig(path string) *config.PipelineConfig {
	cfg, err := config.LoadPipelineConfig(path)
	if err != nil {
		log.Fatalf("error loading pipeline config: %v", err)
	}
	slog.Info("loaded pipeline config", "path", path, "channels", cfg.Preprocess.Channels, "channel_mode", cfg.Preprocess.ChannelMode)
	return cfg
}

// InitOnnxRuntime returns a cleanup func that destroys the runtime environment.
func InitOnnxRuntime(dylib string) func() {
	if dylib == "" {
		log.Fatalf("ONNX_RUNTIME_DYLIB must be set for onnx models")
	}
	ort.SetSharedLibraryPath(dylib)
	if err := ort.InitializeEnvironment(); err != nil {
		log.Fatalf("could not init ONNX Runtime: %v", err)
	}
	return func() {
		if err := ort.DestroyEnvironment(); err != nil {
			slog.Error("error destroying onnx env", "error", err)
		}
	}
}

// LoadModel loads the configured segmentation model. The returned cleanup
// releases the model and, for onnx, the runtime environment.
func LoadModel(cfg ModelConfig, pipeline *config.PipelineConfig) (core.SegmentationModel, func()) {
	if cfg.ModelLocation == "" {
		log.Fatalf("MODEL_LOCATION must be set")
	}

	destroyRuntime := func() {}
	if core.ModelType(cfg.ModelType) == core.OnnxUnet {
		destroyRuntime = InitOnnxRuntime(cfg.OnnxRuntimeDylib)
	}

	model, err := core.LoadModel(pipeline, core.ModelType(cfg.ModelType), cfg.ModelLocation)
	if err != nil {
		destroyRuntime()
		log.Fatalf("could not load segmentation model: %v", err)
	}

	slog.Info("loaded segmentation model", "type", cfg.ModelType, "location", cfg.ModelLocation)
	return model, func() {
		model.Release()
		destroyRuntime()
	}
}

// LoadDetector returns nil when detection is not configured. The runtime is
// only initialized here if the segmentation model has not done so already.
func LoadDetector(cfg VisionConfig, pipeline *config.PipelineConfig) (*core.Detector, func()) {
	if cfg.DetectorLocation == "" {
		slog.Info("DETECTOR_LOCATION not set, image detection disabled")
		return nil, func() {}
	}

	destroyRuntime := func() {}
	if !ort.IsInitialized() {
		destroyRuntime = InitOnnxRuntime(cfg.OnnxRuntimeDylib)
	}

	model, err := core.LoadDetectionModel(pipeline, cfg.DetectorLocation)
	if err != nil {
		destroyRuntime()
		log.Fatalf("could not load detection model: %v", err)
	}

	slog.Info("loaded detection model", "location", cfg.DetectorLocation, "classes", pipeline.Detection.Classes)
	return core.NewDetector(pipeline, model), func() {
		model.Release()
		destroyRuntime()
	}
}

func NewCompleter(ctx context.Context, cfg llm.Config) llm.Completer {
	completer, err := llm.New(ctx, cfg)
	if err != nil {
		log.Fatalf("error creating llm client: %v", err)
	}
	return completer
}

func NewChatService(ctx context.Context, db *gorm.DB, completer llm.Completer, llmCfg llm.Config, retrievalCfg retrieval.Config, chatCfg ChatConfig, pipeline *config.PipelineConfig) *chat.Service {
	embedder, err := retrieval.NewEmbedder(ctx, llmCfg, retrievalCfg.EmbeddingModel)
	if err != nil {
		log.Fatalf("error creating embedder: %v", err)
	}
	retriever := retrieval.NewPineconeRetriever(retrievalCfg, embedder)
	assistant := chat.NewAssistant(completer, retriever, retrievalCfg.TopK, pipeline)
	return chat.NewService(db, assistant, chatCfg.MaxSessions)
}

func NewRouter(allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	return r
}

// RequeuePending publishes every analysis and report still waiting in the
// database, for queues that do not survive a restart.
func RequeuePending(ctx context.Context, db *gorm.DB, publisher messaging.Publisher) error {
	var analyses []database.MRIAnalysis
	if err := db.WithContext(ctx).Where("status IN ?", []string{database.JobQueued, database.JobRunning}).Order("creation_time").Find(&analyses).Error; err != nil {
		return fmt.Errorf("error fetching pending analyses: %w", err)
	}
	for _, a := range analyses {
		if err := publisher.PublishAnalysisTask(ctx, messaging.AnalysisTaskPayload{AnalysisId: a.Id}); err != nil {
			return fmt.Errorf("error requeueing analysis %s: %w", a.Id, err)
		}
	}

	var reports []database.Report
	if err := db.WithContext(ctx).Where("status IN ?", []string{database.JobQueued, database.JobRunning}).Order("creation_time").Find(&reports).Error; err != nil {
		return fmt.Errorf("error fetching pending reports: %w", err)
	}
	for _, r := range reports {
		if err := publisher.PublishReportTask(ctx, messaging.ReportTaskPayload{ReportId: r.Id}); err != nil {
			return fmt.Errorf("error requeueing report %s: %w", r.Id, err)
		}
	}

	slog.Info("requeued pending tasks", "analyses", len(analyses), "reports", len(reports))
	return nil
}
