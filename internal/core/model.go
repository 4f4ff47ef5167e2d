package core

import (
	"context"
	"fmt"
	"path/filepath"

	"medassist-backend/internal/config"
)

type ModelType string

const (
	OnnxUnet   ModelType = "onnx"
	RemoteUnet ModelType = "remote"
)

// SegmentationModel maps a prepared tensor to per-voxel class probabilities.
// Implementations are loaded once and shared across requests, so Predict must
// be safe for concurrent use.
type SegmentationModel interface {
	Predict(ctx context.Context, input *PreparedTensor) (*ClassProbabilities, error)

	Release()
}

// ModelLoader builds a model from a location, a directory for onnx models or a
// URL for remote ones.
type ModelLoader func(string) (SegmentationModel, error)

func NewModelLoaders(cfg *config.PipelineConfig) map[ModelType]ModelLoader {
	classes := len(cfg.Classes)
	return map[ModelType]ModelLoader{
		OnnxUnet: func(modelDir string) (SegmentationModel, error) {
			return LoadOnnxSegmenter(filepath.Join(modelDir, "model.onnx"), cfg.Model.InputName, cfg.Model.OutputName, classes)
		},
		RemoteUnet: func(url string) (SegmentationModel, error) {
			return NewRemoteSegmenter(url), nil
		},
	}
}

func LoadModel(cfg *config.PipelineConfig, modelType ModelType, location string) (SegmentationModel, error) {
	loader, ok := NewModelLoaders(cfg)[modelType]
	if !ok {
		return nil, fmt.Errorf("unknown model type %q", modelType)
	}
	return loader(location)
}

// LoadDetectionModel loads detector.onnx from modelDir. Only the onnx backend
// serves detection.
func LoadDetectionModel(cfg *config.PipelineConfig, modelDir string) (DetectionModel, error) {
	d := cfg.Detection
	return LoadOnnxDetector(filepath.Join(modelDir, "detector.onnx"), d.InputName, d.OutputName, d.InputSize, len(d.Classes))
}
