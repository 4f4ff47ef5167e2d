package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ChannelModeDuplicate feeds a single uploaded volume into every model channel.
	ChannelModeDuplicate = "duplicate"
	// ChannelModeDistinct expects one uploaded volume per model channel.
	ChannelModeDistinct = "distinct"
)

type PipelineConfig struct {
	Preprocess struct {
		TargetSize  int      `yaml:"targetSize"`
		SliceCount  int      `yaml:"sliceCount"`
		SliceStart  int      `yaml:"sliceStart"`
		Channels    []string `yaml:"channels"`
		ChannelMode string   `yaml:"channelMode"`

		// MaxVoxels bounds every decoded upload, across all of its dimensions.
		MaxVoxels int `yaml:"maxVoxels"`
	} `yaml:"preprocess"`

	Model struct {
		// Input and output tensor names, used by the onnx backend.
		InputName  string `yaml:"inputName"`
		OutputName string `yaml:"outputName"`
	} `yaml:"model"`

	// Class names indexed by class id. Index 0 is background.
	Classes []string `yaml:"classes"`

	// Detection configures the 2D image detector.
	Detection struct {
		InputSize  int      `yaml:"inputSize"`
		InputName  string   `yaml:"inputName"`
		OutputName string   `yaml:"outputName"`
		Confidence float64  `yaml:"confidence"`
		IoU        float64  `yaml:"iou"`
		Classes    []string `yaml:"classes"`
	} `yaml:"detection"`

	Report struct {
		StartDelimiter string `yaml:"startDelimiter"`
		EndDelimiter   string `yaml:"endDelimiter"`
	} `yaml:"report"`
}

func DefaultPipelineConfig() *PipelineConfig {
	cfg := &PipelineConfig{}

	cfg.Preprocess.TargetSize = 128
	cfg.Preprocess.SliceCount = 155
	cfg.Preprocess.SliceStart = 0
	cfg.Preprocess.Channels = []string{"flair", "t1ce"}
	cfg.Preprocess.ChannelMode = ChannelModeDuplicate
	cfg.Preprocess.MaxVoxels = 4 * 256 * 256 * 256

	cfg.Model.InputName = "input"
	cfg.Model.OutputName = "output"

	cfg.Classes = []string{"background", "necrotic_tissue_volume", "edema_volume", "enhancing_tumor_volume"}

	cfg.Detection.InputSize = 640
	cfg.Detection.InputName = "images"
	cfg.Detection.OutputName = "output0"
	cfg.Detection.Confidence = 0.5
	cfg.Detection.IoU = 0.45
	cfg.Detection.Classes = []string{"tumor"}

	cfg.Report.StartDelimiter = "```markdown"
	cfg.Report.EndDelimiter = "```"

	return cfg
}

// LoadPipelineConfig reads a YAML file over the defaults. An empty path or a
// missing file yields the defaults.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cfg := DefaultPipelineConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("error reading pipeline config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing pipeline config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *PipelineConfig) Validate() error {
	p := c.Preprocess
	if p.TargetSize <= 0 {
		return fmt.Errorf("invalid pipeline config: targetSize must be positive, got %d", p.TargetSize)
	}
	if p.SliceCount <= 0 {
		return fmt.Errorf("invalid pipeline config: sliceCount must be positive, got %d", p.SliceCount)
	}
	if p.SliceStart < 0 {
		return fmt.Errorf("invalid pipeline config: sliceStart must not be negative, got %d", p.SliceStart)
	}
	if p.MaxVoxels <= 0 {
		return fmt.Errorf("invalid pipeline config: maxVoxels must be positive, got %d", p.MaxVoxels)
	}
	if len(p.Channels) == 0 {
		return errors.New("invalid pipeline config: at least one channel is required")
	}
	seen := make(map[string]bool, len(p.Channels))
	for _, ch := range p.Channels {
		if strings.TrimSpace(ch) == "" {
			return errors.New("invalid pipeline config: channel names must not be empty")
		}
		if seen[ch] {
			return fmt.Errorf("invalid pipeline config: duplicate channel %q", ch)
		}
		seen[ch] = true
	}
	switch p.ChannelMode {
	case ChannelModeDuplicate, ChannelModeDistinct:
	default:
		return fmt.Errorf("invalid pipeline config: unknown channelMode %q", p.ChannelMode)
	}
	if len(c.Classes) < 2 {
		return fmt.Errorf("invalid pipeline config: need background plus at least one class, got %d classes", len(c.Classes))
	}
	d := c.Detection
	if d.InputSize <= 0 || d.InputSize%32 != 0 {
		return fmt.Errorf("invalid pipeline config: detection inputSize must be a positive multiple of 32, got %d", d.InputSize)
	}
	if d.Confidence <= 0 || d.Confidence > 1 {
		return fmt.Errorf("invalid pipeline config: detection confidence must be in (0, 1], got %v", d.Confidence)
	}
	if d.IoU <= 0 || d.IoU > 1 {
		return fmt.Errorf("invalid pipeline config: detection iou must be in (0, 1], got %v", d.IoU)
	}
	if len(d.Classes) == 0 {
		return errors.New("invalid pipeline config: detection needs at least one class")
	}
	if c.Report.StartDelimiter == "" || c.Report.EndDelimiter == "" {
		return errors.New("invalid pipeline config: report delimiters must not be empty")
	}
	return nil
}
