package core

import (
	"fmt"
	"math"

	"medassist-backend/internal/volume"

	"gonum.org/v1/gonum/floats"
)

// Reduce assigns each voxel the class with the highest probability. Ties go to
// the lowest class index.
func Reduce(p *ClassProbabilities) (*LabelVolume, error) {
	if p.Classes <= 0 || p.Classes > math.MaxUint8+1 {
		return nil, fmt.Errorf("cannot reduce %d classes to uint8 labels", p.Classes)
	}
	if len(p.Data) != p.Voxels()*p.Classes {
		return nil, fmt.Errorf("probability volume has %d values, expected %d", len(p.Data), p.Voxels()*p.Classes)
	}

	labels := &LabelVolume{
		Slices: p.Slices,
		Height: p.Height,
		Width:  p.Width,
		Labels: make([]uint8, p.Voxels()),
	}

	scores := make([]float64, p.Classes)
	for v := range labels.Labels {
		row := p.Data[v*p.Classes : (v+1)*p.Classes]
		for c, score := range row {
			scores[c] = float64(score)
		}
		labels.Labels[v] = uint8(floats.MaxIdx(scores))
	}

	return labels, nil
}

// ToVolume lays the labels out as a uint8 NIfTI volume with rows along x,
// columns along y and slices along z, the inverse of the prepared layout.
func (l *LabelVolume) ToVolume(spacing [3]float64) *volume.Volume {
	v := volume.New(l.Height, l.Width, l.Slices, spacing, volume.Uint8)
	for s := 0; s < l.Slices; s++ {
		for row := 0; row < l.Height; row++ {
			for col := 0; col < l.Width; col++ {
				v.Set(row, col, s, 0, float64(l.At(s, row, col)))
			}
		}
	}
	return v
}

func LabelsFromVolume(v *volume.Volume) (*LabelVolume, error) {
	if v.Dims[3] != 1 {
		return nil, fmt.Errorf("label volume must have a single channel, got %d", v.Dims[3])
	}

	l := &LabelVolume{Slices: v.Dims[2], Height: v.Dims[0], Width: v.Dims[1]}
	l.Labels = make([]uint8, l.Voxels())
	for s := 0; s < l.Slices; s++ {
		for x := 0; x < l.Height; x++ {
			for y := 0; y < l.Width; y++ {
				value := v.At(x, y, s, 0)
				if value < 0 || value > math.MaxUint8 {
					return nil, fmt.Errorf("label %v out of range at (%d, %d, %d)", value, x, y, s)
				}
				l.Labels[(s*l.Height+x)*l.Width+y] = uint8(value)
			}
		}
	}
	return l, nil
}

func SaveLabels(path string, labels *LabelVolume, spacing [3]float64) error {
	return volume.Save(path, labels.ToVolume(spacing))
}
