package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPipelineConfig(t *testing.T) {
	cfg := DefaultPipelineConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 128, cfg.Preprocess.TargetSize)
	assert.Equal(t, 155, cfg.Preprocess.SliceCount)
	assert.Equal(t, 0, cfg.Preprocess.SliceStart)
	assert.Equal(t, ChannelModeDuplicate, cfg.Preprocess.ChannelMode)
	assert.Len(t, cfg.Classes, 4)
}

func TestLoadPipelineConfigMissingFile(t *testing.T) {
	cfg, err := LoadPipelineConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPipelineConfig(), cfg)
}

func TestLoadPipelineConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	data := `
preprocess:
  targetSize: 4
  sliceCount: 2
  channels: [flair, t1ce]
  channelMode: distinct
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadPipelineConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Preprocess.TargetSize)
	assert.Equal(t, 2, cfg.Preprocess.SliceCount)
	assert.Equal(t, ChannelModeDistinct, cfg.Preprocess.ChannelMode)
	assert.Equal(t, "```markdown", cfg.Report.StartDelimiter)
}

func TestLoadPipelineConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("preprocess:\n  channelMode: guess\n"), 0644))

	_, err := LoadPipelineConfig(path)
	assert.ErrorContains(t, err, "channelMode")
}

func TestValidateDetection(t *testing.T) {
	cfg := DefaultPipelineConfig()
	assert.Equal(t, 640, cfg.Detection.InputSize)
	assert.Equal(t, []string{"tumor"}, cfg.Detection.Classes)

	cfg.Detection.InputSize = 600
	assert.ErrorContains(t, cfg.Validate(), "inputSize")

	cfg = DefaultPipelineConfig()
	cfg.Detection.Confidence = 0
	assert.ErrorContains(t, cfg.Validate(), "confidence")

	cfg = DefaultPipelineConfig()
	cfg.Detection.Classes = nil
	assert.ErrorContains(t, cfg.Validate(), "class")

	cfg = DefaultPipelineConfig()
	cfg.Preprocess.MaxVoxels = 0
	assert.ErrorContains(t, cfg.Validate(), "maxVoxels")
}
