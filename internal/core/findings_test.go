package core

import (
	"testing"

	"medassist-backend/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var classNames = config.DefaultPipelineConfig().Classes

func TestSummarizeAllBackground(t *testing.T) {
	labels := &LabelVolume{Slices: 2, Height: 3, Width: 3, Labels: make([]uint8, 18)}

	summary := Summarize(labels, classNames)
	assert.False(t, summary.AbnormalitiesDetected)
	assert.Equal(t, 18, summary.TotalVoxels)
	require.Len(t, summary.Classes, 3)
	for _, c := range summary.Classes {
		assert.Equal(t, "0.00%", c.Percentage)
		assert.Equal(t, 0, c.Voxels)
	}
	assert.Equal(t, map[string]string{
		"necrotic_tissue_volume": "0.00%",
		"edema_volume":           "0.00%",
		"enhancing_tumor_volume": "0.00%",
	}, summary.AffectedPercentage)
}

func TestSummarizeCounts(t *testing.T) {
	labels := &LabelVolume{Slices: 2, Height: 4, Width: 4, Labels: make([]uint8, 32)}
	labels.Labels[0] = 1
	labels.Labels[1] = 1
	for i := 4; i < 8; i++ {
		labels.Labels[i] = 2
	}
	for i := 8; i < 16; i++ {
		labels.Labels[i] = 3
	}

	summary := Summarize(labels, classNames)
	assert.True(t, summary.AbnormalitiesDetected)
	assert.Equal(t, "6.25%", summary.AffectedPercentage["necrotic_tissue_volume"])
	assert.Equal(t, "12.50%", summary.AffectedPercentage["edema_volume"])
	assert.Equal(t, "25.00%", summary.AffectedPercentage["enhancing_tumor_volume"])

	assert.Equal(t, ClassFinding{Name: "enhancing_tumor_volume", Label: 3, Voxels: 8, Percentage: "25.00%"}, summary.Classes[2])
}
