package core

import "fmt"

type TensorShape struct {
	Slices   int
	Height   int
	Width    int
	Channels int
}

func (s TensorShape) Size() int {
	return s.Slices * s.Height * s.Width * s.Channels
}

func (s TensorShape) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s.Slices, s.Height, s.Width, s.Channels)
}

// PreparedTensor is the model input, laid out (slice, row, column, channel) with
// the channel index varying fastest. Rows follow the source x axis and columns
// the source y axis.
type PreparedTensor struct {
	Shape TensorShape
	Data  []float32
}

func (t *PreparedTensor) At(s, row, col, c int) float32 {
	sh := t.Shape
	return t.Data[((s*sh.Height+row)*sh.Width+col)*sh.Channels+c]
}

// ClassProbabilities holds per-voxel class scores laid out like PreparedTensor
// with the class index in place of the channel index.
type ClassProbabilities struct {
	Slices  int
	Height  int
	Width   int
	Classes int
	Data    []float32
}

func (p *ClassProbabilities) Voxels() int {
	return p.Slices * p.Height * p.Width
}

// LabelVolume holds one class id per voxel, (slice, row, column) order.
type LabelVolume struct {
	Slices int
	Height int
	Width  int
	Labels []uint8
}

func (l *LabelVolume) At(s, row, col int) uint8 {
	return l.Labels[(s*l.Height+row)*l.Width+col]
}

func (l *LabelVolume) Voxels() int {
	return l.Slices * l.Height * l.Width
}
