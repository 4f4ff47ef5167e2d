package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"medassist-backend/internal/database"
	"medassist-backend/internal/storage"
	"medassist-backend/internal/volume"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AnalysisRunner executes a queued MRIAnalysis: it loads the uploaded volumes,
// runs the pipeline, stores the label volume and records the findings. Nothing
// is written to storage unless the whole pipeline succeeds.
type AnalysisRunner struct {
	db       *gorm.DB
	storage  storage.Provider
	bucket   string
	pipeline *Pipeline
}

func NewAnalysisRunner(db *gorm.DB, storage storage.Provider, bucket string, pipeline *Pipeline) *AnalysisRunner {
	return &AnalysisRunner{db: db, storage: storage, bucket: bucket, pipeline: pipeline}
}

func (r *AnalysisRunner) Run(ctx context.Context, analysisId uuid.UUID) error {
	var analysis database.MRIAnalysis
	if err := r.db.WithContext(ctx).First(&analysis, "id = ?", analysisId).Error; err != nil {
		return &database.PersistenceError{Op: "load analysis", Err: err}
	}

	if analysis.Status == database.JobCompleted {
		slog.Info("analysis already completed, skipping", "analysis_id", analysisId)
		return nil
	}

	if err := database.UpdateAnalysisStatus(ctx, r.db, analysisId, database.JobRunning); err != nil {
		return err
	}

	start := time.Now()
	if err := r.analyze(ctx, &analysis); err != nil {
		slog.Error("analysis failed", "analysis_id", analysisId, "error", err)
		database.FailAnalysis(ctx, r.db, analysisId, err)
		return err
	}

	slog.Info("analysis completed", "analysis_id", analysisId, "duration", time.Since(start))
	return nil
}

func (r *AnalysisRunner) loadUploads(ctx context.Context, analysis *database.MRIAnalysis) (map[string]*volume.Volume, error) {
	var keys map[string]string
	if err := json.Unmarshal(analysis.UploadKeys, &keys); err != nil {
		return nil, fmt.Errorf("invalid upload keys for analysis %s: %w", analysis.Id, err)
	}

	uploads := make(map[string]*volume.Volume, len(keys))
	for channel, key := range keys {
		data, err := r.storage.GetObject(ctx, r.bucket, key)
		if err != nil {
			return nil, &database.PersistenceError{Op: "load upload " + channel, Err: err}
		}

		v, err := volume.ReadLimit(bytes.NewReader(data), r.pipeline.MaxVoxels())
		if err != nil {
			var formatErr *volume.FormatError
			if errors.As(err, &formatErr) {
				formatErr.Path = key
			}
			return nil, err
		}
		uploads[channel] = v
	}

	return uploads, nil
}

func (r *AnalysisRunner) analyze(ctx context.Context, analysis *database.MRIAnalysis) error {
	uploads, err := r.loadUploads(ctx, analysis)
	if err != nil {
		return err
	}

	result, err := r.pipeline.Run(ctx, uploads)
	if err != nil {
		return err
	}

	var labels bytes.Buffer
	if err := result.WriteLabels(&labels); err != nil {
		return fmt.Errorf("error encoding label volume: %w", err)
	}

	key := storage.PatientObjectKey(analysis.PatientId, "segmentation", analysis.Id, "nii.gz", time.Now())
	if err := r.storage.PutObject(ctx, r.bucket, key, &labels); err != nil {
		return &database.PersistenceError{Op: "store label volume", Err: err}
	}

	details, err := json.Marshal(result.MRIDetails)
	if err != nil {
		return fmt.Errorf("error serializing mri details: %w", err)
	}
	findings, err := json.Marshal(result.Findings)
	if err != nil {
		return fmt.Errorf("error serializing findings: %w", err)
	}

	return database.CompleteAnalysis(ctx, r.db, analysis.Id, details, findings, key)
}
