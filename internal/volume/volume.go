package volume

import (
	"fmt"
	"math"
	"strconv"
)

type DataType int16

const (
	Uint8   DataType = 2
	Int16   DataType = 4
	Int32   DataType = 8
	Float32 DataType = 16
	Float64 DataType = 64
	Int8    DataType = 256
	Uint16  DataType = 512
	Uint32  DataType = 768
)

func (d DataType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int8:
		return "int8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	default:
		return fmt.Sprintf("datatype(%d)", int16(d))
	}
}

func (d DataType) bitpix() int {
	switch d {
	case Uint8, Int8:
		return 8
	case Int16, Uint16:
		return 16
	case Int32, Uint32, Float32:
		return 32
	case Float64:
		return 64
	default:
		return 0
	}
}

func (d DataType) valid() bool {
	return d.bitpix() != 0
}

// Volume is a decoded NIfTI-1 image. Voxels are stored x-fastest, then y, z and
// finally the 4th dimension, which holds channels (1 for 3-D images).
type Volume struct {
	NDim     int
	Dims     [4]int
	Spacing  [3]float64
	TimeStep float64
	DataType DataType

	// Description is nil when the header carries no description.
	Description *string

	Data []float64
}

func New(nx, ny, nz int, spacing [3]float64, dtype DataType) *Volume {
	return &Volume{
		NDim:     3,
		Dims:     [4]int{nx, ny, nz, 1},
		Spacing:  spacing,
		DataType: dtype,
		Data:     make([]float64, nx*ny*nz),
	}
}

func (v *Volume) index(x, y, z, c int) int {
	return x + v.Dims[0]*(y+v.Dims[1]*(z+v.Dims[2]*c))
}

func (v *Volume) At(x, y, z, c int) float64 {
	return v.Data[v.index(x, y, z, c)]
}

func (v *Volume) Set(x, y, z, c int, value float64) {
	v.Data[v.index(x, y, z, c)] = value
}

func (v *Volume) NumVoxels() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2] * v.Dims[3]
}

// Slice returns the (x, y) plane at depth z of channel c, x-fastest.
func (v *Volume) Slice(z, c int) ([]float64, error) {
	if z < 0 || z >= v.Dims[2] {
		return nil, fmt.Errorf("slice %d out of range [0, %d)", z, v.Dims[2])
	}
	if c < 0 || c >= v.Dims[3] {
		return nil, fmt.Errorf("channel %d out of range [0, %d)", c, v.Dims[3])
	}
	n := v.Dims[0] * v.Dims[1]
	start := v.index(0, 0, z, c)
	out := make([]float64, n)
	copy(out, v.Data[start:start+n])
	return out, nil
}

func (v *Volume) Shape() []int {
	shape := make([]int, v.NDim)
	for i := 0; i < v.NDim; i++ {
		shape[i] = v.Dims[i]
	}
	return shape
}

type Details struct {
	Dimensions     []int     `json:"dimensions"`
	VoxelSize      []float64 `json:"voxel_size"`
	SliceThickness string    `json:"slice_thickness"`
	DataType       string    `json:"data_type"`
	Description    *string   `json:"description,omitempty"`
}

func (v *Volume) Details() Details {
	voxel := []float64{v.Spacing[0], v.Spacing[1], v.Spacing[2]}
	if v.NDim == 4 {
		voxel = append(voxel, v.TimeStep)
	}

	return Details{
		Dimensions:     v.Shape(),
		VoxelSize:      voxel,
		SliceThickness: formatMillimeters(v.Spacing[2]),
		DataType:       v.DataType.String(),
		Description:    v.Description,
	}
}

func formatMillimeters(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if v == math.Trunc(v) && !math.IsInf(v, 0) {
		s += ".0"
	}
	return s + "mm"
}

type FormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("invalid volume %s: %s", e.Path, e.Reason)
	}
	return "invalid volume: " + e.Reason
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func formatErrorf(err error, format string, args ...any) *FormatError {
	return &FormatError{Reason: fmt.Sprintf(format, args...), Err: err}
}
