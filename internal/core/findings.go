package core

import (
	"strconv"
)

type ClassFinding struct {
	Name       string `json:"name"`
	Label      int    `json:"label"`
	Voxels     int    `json:"voxels"`
	Percentage string `json:"percentage"`
}

type FindingsSummary struct {
	TotalVoxels           int               `json:"total_voxels"`
	Classes               []ClassFinding    `json:"classes"`
	AffectedPercentage    map[string]string `json:"affected_percentage"`
	AbnormalitiesDetected bool              `json:"abnormalities_detected"`
}

// Summarize counts voxels per non-background class. classNames[0] is the
// background and is not reported. Percentages are relative to every voxel in
// the label volume.
func Summarize(labels *LabelVolume, classNames []string) FindingsSummary {
	counts := make([]int, len(classNames))
	for _, l := range labels.Labels {
		if int(l) < len(counts) {
			counts[l]++
		}
	}

	total := labels.Voxels()
	summary := FindingsSummary{
		TotalVoxels:        total,
		AffectedPercentage: make(map[string]string, len(classNames)),
	}

	for id := 1; id < len(classNames); id++ {
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(counts[id]) / float64(total)
		}
		formatted := strconv.FormatFloat(pct, 'f', 2, 64) + "%"

		summary.Classes = append(summary.Classes, ClassFinding{
			Name:       classNames[id],
			Label:      id,
			Voxels:     counts[id],
			Percentage: formatted,
		})
		summary.AffectedPercentage[classNames[id]] = formatted

		if counts[id] > 0 {
			summary.AbnormalitiesDetected = true
		}
	}

	return summary
}
