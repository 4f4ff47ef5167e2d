package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"medassist-backend/cmd"
	"medassist-backend/internal/config"
	"medassist-backend/internal/core"
	"medassist-backend/internal/core/utils"
	"medassist-backend/internal/volume"

	"github.com/schollz/progressbar/v3"
)

type result struct {
	Labels   string               `json:"labels"`
	Findings core.FindingsSummary `json:"findings"`
	Details  volume.Details       `json:"mri_details"`
}

func outputName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	return strings.TrimSuffix(base, ".nii")
}

func main() {
	var (
		pipelinePath = flag.String("pipeline", "", "path to the pipeline yaml config")
		modelType    = flag.String("model-type", string(core.OnnxUnet), "model backend, onnx or remote")
		modelPath    = flag.String("model", "", "model directory for onnx, url for remote")
		onnxDylib    = flag.String("onnx-dylib", os.Getenv("ONNX_RUNTIME_DYLIB"), "path to the onnxruntime shared library")
		outDir       = flag.String("out", "segmentations", "output directory")
		workers      = flag.Int("workers", 4, "number of volumes processed concurrently")
	)
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		log.Fatalf("usage: segment -model <dir|url> [-pipeline pipeline.yaml] [-out dir] volume.nii.gz ...")
	}

	pipelineCfg := cmd.LoadPipelineConfig(*pipelinePath)
	if pipelineCfg.Preprocess.ChannelMode != config.ChannelModeDuplicate {
		log.Fatalf("batch segmentation needs channelMode %q, one volume per input file", config.ChannelModeDuplicate)
	}

	model, release := cmd.LoadModel(cmd.ModelConfig{
		ModelType:        *modelType,
		ModelLocation:    *modelPath,
		OnnxRuntimeDylib: *onnxDylib,
	}, pipelineCfg)
	defer release()

	if err := os.MkdirAll(*outDir, os.ModePerm); err != nil {
		log.Fatalf("error creating output directory: %v", err)
	}

	pipeline := core.NewPipeline(pipelineCfg, model)

	segment := func(path string) (string, error) {
		v, err := volume.LoadLimit(path, pipelineCfg.Preprocess.MaxVoxels)
		if err != nil {
			return "", err
		}

		res, err := pipeline.Run(context.Background(), map[string]*volume.Volume{"volume": v})
		if err != nil {
			return "", err
		}

		name := outputName(path)
		labelsPath := filepath.Join(*outDir, name+"_seg.nii.gz")
		if err := core.SaveLabels(labelsPath, res.Labels, res.Spacing); err != nil {
			return "", fmt.Errorf("error saving labels: %w", err)
		}

		data, err := json.MarshalIndent(result{Labels: labelsPath, Findings: res.Findings, Details: res.MRIDetails}, "", "  ")
		if err != nil {
			return "", err
		}
		findingsPath := filepath.Join(*outDir, name+"_findings.json")
		if err := os.WriteFile(findingsPath, data, 0644); err != nil {
			return "", fmt.Errorf("error saving findings: %w", err)
		}
		return findingsPath, nil
	}

	queue := make(chan string, len(files))
	for _, f := range files {
		queue <- f
	}
	close(queue)

	completed := make(chan utils.CompletedTask[string, string], len(files))
	utils.RunInPool(segment, queue, completed, *workers)

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("segmenting"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
	)

	failed := 0
	for task := range completed {
		if task.Error != nil {
			failed++
			slog.Error("error segmenting volume", "file", task.Input, "error", task.Error)
		} else {
			slog.Info("segmented volume", "file", task.Input, "findings", task.Result)
		}
		_ = bar.Add(1)
	}

	if failed > 0 {
		release()
		log.Fatalf("%d of %d volumes failed", failed, len(files))
	}
}
