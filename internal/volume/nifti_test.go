package volume

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVolume(dtype DataType) *Volume {
	v := New(4, 3, 2, [3]float64{1, 1, 2.5}, dtype)
	for i := range v.Data {
		v.Data[i] = float64(i % 7)
	}
	return v
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"vol.nii", "vol.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			v := testVolume(Int16)
			desc := "BraTS flair"
			v.Description = &desc

			require.NoError(t, Save(path, v))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, v, loaded)
		})
	}
}

func TestRoundTripAllDatatypes(t *testing.T) {
	for _, dtype := range []DataType{Uint8, Int8, Int16, Uint16, Int32, Uint32, Float32, Float64} {
		t.Run(dtype.String(), func(t *testing.T) {
			v := testVolume(dtype)

			var buf bytes.Buffer
			require.NoError(t, Write(&buf, v, false))

			loaded, err := Read(&buf)
			require.NoError(t, err)
			assert.Equal(t, v.Data, loaded.Data)
			assert.Equal(t, dtype, loaded.DataType)
		})
	}
}

func TestMissingDescriptionIsNil(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testVolume(Uint8), true))

	loaded, err := Read(&buf)
	require.NoError(t, err)
	assert.Nil(t, loaded.Description)
	assert.Nil(t, loaded.Details().Description)
}

func TestFourDimensional(t *testing.T) {
	v := &Volume{
		NDim:     4,
		Dims:     [4]int{2, 2, 2, 3},
		Spacing:  [3]float64{1, 1, 1},
		TimeStep: 1,
		DataType: Float32,
		Data:     make([]float64, 24),
	}
	v.Set(1, 0, 1, 2, 9)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, v, false))

	loaded, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.NDim)
	assert.Equal(t, 9.0, loaded.At(1, 0, 1, 2))
	assert.Equal(t, []int{2, 2, 2, 3}, loaded.Details().Dimensions)
}

func TestScaling(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testVolume(Int16), false))

	raw := buf.Bytes()
	binary.LittleEndian.PutUint32(raw[112:], 0x40000000) // scl_slope = 2.0
	binary.LittleEndian.PutUint32(raw[116:], 0x3f800000) // scl_inter = 1.0

	loaded, err := Read(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 1.0, loaded.Data[0])
	assert.Equal(t, 3.0, loaded.Data[1])
}

func TestDetails(t *testing.T) {
	d := testVolume(Int16).Details()
	assert.Equal(t, []int{4, 3, 2}, d.Dimensions)
	assert.Equal(t, []float64{1, 1, 2.5}, d.VoxelSize)
	assert.Equal(t, "2.5mm", d.SliceThickness)
	assert.Equal(t, "int16", d.DataType)

	v := testVolume(Int16)
	v.Spacing[2] = 1
	assert.Equal(t, "1.0mm", v.Details().SliceThickness)
}

func TestLoadRejectsNonNifti(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.nii")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), 400), 0644))

	_, err := Load(path)
	var ferr *FormatError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, path, ferr.Path)
}

func TestReadRejectsInvalidHeaders(t *testing.T) {
	valid := func() []byte {
		var buf bytes.Buffer
		require.NoError(t, Write(&buf, testVolume(Int16), false))
		return buf.Bytes()
	}

	cases := map[string]func([]byte) []byte{
		"bad magic": func(b []byte) []byte {
			copy(b[344:], "xxxx")
			return b
		},
		"two dimensional": func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[40:], 2)
			return b
		},
		"unsupported datatype": func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[70:], 1)
			return b
		},
		"truncated data": func(b []byte) []byte {
			return b[:len(b)-5]
		},
		"empty": func(b []byte) []byte {
			return nil
		},
		"huge dims truncated body": func(b []byte) []byte {
			for i, d := range []uint16{3, 256, 256, 256} {
				binary.LittleEndian.PutUint16(b[40+2*i:], d)
			}
			binary.LittleEndian.PutUint16(b[70:], uint16(Float64))
			return b[:dataOffset+8]
		},
		"dims product overflow": func(b []byte) []byte {
			for i, d := range []uint16{4, 32767, 32767, 32767, 32767} {
				binary.LittleEndian.PutUint16(b[40+2*i:], d)
			}
			binary.LittleEndian.PutUint16(b[70:], uint16(Float64))
			return b[:dataOffset+8]
		},
		"vox offset out of range": func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[108:], math.Float32bits(1e12))
			return b
		},
	}

	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Read(bytes.NewReader(corrupt(valid())))
			var ferr *FormatError
			assert.True(t, errors.As(err, &ferr), "expected FormatError, got %v", err)
		})
	}
}

func TestReadLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testVolume(Int16), true))
	data := buf.Bytes()

	v, err := ReadLimit(bytes.NewReader(data), 24)
	require.NoError(t, err)
	assert.Len(t, v.Data, 24)

	_, err = ReadLimit(bytes.NewReader(data), 23)
	var ferr *FormatError
	require.True(t, errors.As(err, &ferr), "expected FormatError, got %v", err)
	assert.Contains(t, ferr.Error(), "exceed the limit")
}

func TestSliceOutOfRange(t *testing.T) {
	v := testVolume(Uint8)
	_, err := v.Slice(2, 0)
	assert.Error(t, err)

	s, err := v.Slice(1, 0)
	require.NoError(t, err)
	assert.Len(t, s, 12)
	assert.Equal(t, v.At(0, 0, 1, 0), s[0])
}
