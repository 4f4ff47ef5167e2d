package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"medassist-backend/internal/config"
	"medassist-backend/internal/volume"
)

// Pipeline runs one analysis: prepare, infer, reduce and summarize, strictly in
// that order. It holds no per-request state, the model handle is shared.
type Pipeline struct {
	invoker     *Invoker
	opts        PrepareOptions
	channelMode string
	classNames  []string
	maxVoxels   int
}

func NewPipeline(cfg *config.PipelineConfig, model SegmentationModel) *Pipeline {
	opts := NewPrepareOptions(cfg)
	return &Pipeline{
		invoker:     NewInvoker(model, opts.Shape(), len(cfg.Classes)),
		opts:        opts,
		channelMode: cfg.Preprocess.ChannelMode,
		classNames:  cfg.Classes,
		maxVoxels:   cfg.Preprocess.MaxVoxels,
	}
}

func (p *Pipeline) Channels() []string {
	return p.opts.Channels
}

func (p *Pipeline) ChannelMode() string {
	return p.channelMode
}

// MaxVoxels is the largest upload the pipeline will decode.
func (p *Pipeline) MaxVoxels() int {
	return p.maxVoxels
}

type AnalysisResult struct {
	MRIDetails volume.Details
	Findings   FindingsSummary
	Labels     *LabelVolume
	// Spacing of the label grid in mm.
	Spacing [3]float64
}

func (p *Pipeline) Run(ctx context.Context, uploads map[string]*volume.Volume) (*AnalysisResult, error) {
	sources, err := ChannelSources(p.channelMode, p.opts.Channels, uploads)
	if err != nil {
		return nil, err
	}

	tensor, err := Prepare(sources, p.opts)
	if err != nil {
		return nil, err
	}

	probs, err := p.invoker.Infer(ctx, tensor)
	if err != nil {
		return nil, err
	}

	labels, err := Reduce(probs)
	if err != nil {
		return nil, fmt.Errorf("error reducing model output: %w", err)
	}

	findings := Summarize(labels, p.classNames)

	reference := sources[p.opts.Channels[0]]
	slog.Info("analysis complete", "voxels", findings.TotalVoxels, "abnormalities_detected", findings.AbnormalitiesDetected)

	return &AnalysisResult{
		MRIDetails: reference.Details(),
		Findings:   findings,
		Labels:     labels,
		Spacing:    resampledSpacing(reference, p.opts.TargetSize),
	}, nil
}

// WriteLabels encodes the label volume as gzip compressed NIfTI.
func (r *AnalysisResult) WriteLabels(w io.Writer) error {
	return volume.Write(w, r.Labels.ToVolume(r.Spacing), true)
}

func resampledSpacing(v *volume.Volume, size int) [3]float64 {
	return [3]float64{
		v.Spacing[0] * float64(v.Dims[0]) / float64(size),
		v.Spacing[1] * float64(v.Dims[1]) / float64(size),
		v.Spacing[2],
	}
}
