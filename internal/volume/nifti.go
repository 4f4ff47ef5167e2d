package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	headerSize   = 348
	dataOffset   = 352
	unitsMMSec   = 2 | 8
	niftiMagic   = "n+1\x00"
	pairMagic    = "ni1\x00"
	gzipMagic0   = 0x1f
	gzipMagic1   = 0x8b
	descripBytes = 80

	// DefaultMaxVoxels allows four channels of a 256^3 grid.
	DefaultMaxVoxels = 4 * 256 * 256 * 256

	maxExtensionBytes = 1 << 20
	chunkBytes        = 64 << 10
)

// header mirrors the 348 byte NIfTI-1 header layout.
type header struct {
	SizeofHdr     int32
	DataTypeStr   [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [descripBytes]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Load reads a single-file NIfTI-1 image (.nii or .nii.gz).
func Load(path string) (*Volume, error) {
	return LoadLimit(path, DefaultMaxVoxels)
}

func LoadLimit(path string, maxVoxels int) (*Volume, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening volume %s: %w", path, err)
	}
	defer file.Close()

	v, err := ReadLimit(file, maxVoxels)
	if err != nil {
		var ferr *FormatError
		if errors.As(err, &ferr) {
			ferr.Path = path
		}
		return nil, err
	}
	return v, nil
}

// Read decodes a NIfTI-1 image from r with the default voxel limit.
func Read(r io.Reader) (*Volume, error) {
	return ReadLimit(r, DefaultMaxVoxels)
}

// ReadLimit decodes a NIfTI-1 image from r. Gzip compression is detected from
// the stream itself, not from a file extension. Images with more than maxVoxels
// voxels are rejected before any voxel buffer is allocated.
func ReadLimit(r io.Reader, maxVoxels int) (*Volume, error) {
	br := bufio.NewReader(r)

	magic, err := br.Peek(2)
	if err != nil {
		return nil, formatErrorf(err, "unable to read header")
	}

	var src io.Reader = br
	if magic[0] == gzipMagic0 && magic[1] == gzipMagic1 {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, formatErrorf(err, "corrupt gzip stream")
		}
		defer gz.Close()
		src = gz
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(src, raw); err != nil {
		return nil, formatErrorf(err, "truncated header")
	}

	order, err := byteOrder(raw)
	if err != nil {
		return nil, err
	}

	var hdr header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, formatErrorf(err, "unable to decode header")
	}

	magicStr := string(hdr.Magic[:])
	if magicStr == pairMagic {
		return nil, formatErrorf(nil, "detached header/image pairs are not supported")
	}
	if magicStr != niftiMagic {
		return nil, formatErrorf(nil, "bad magic %q", hdr.Magic[:])
	}

	ndim := int(hdr.Dim[0])
	if ndim != 3 && ndim != 4 {
		return nil, formatErrorf(nil, "expected a 3-D or 4-D image, found %d dimensions", ndim)
	}

	dims := [4]int{1, 1, 1, 1}
	n := 1
	for i := 0; i < ndim; i++ {
		if hdr.Dim[i+1] <= 0 {
			return nil, formatErrorf(nil, "dimension %d has non-positive size %d", i, hdr.Dim[i+1])
		}
		dims[i] = int(hdr.Dim[i+1])
		if n > maxVoxels/dims[i] {
			return nil, formatErrorf(nil, "image dimensions %v exceed the limit of %d voxels", hdr.Dim[1:ndim+1], maxVoxels)
		}
		n *= dims[i]
	}

	dtype := DataType(hdr.Datatype)
	if !dtype.valid() {
		return nil, formatErrorf(nil, "unsupported datatype code %d", hdr.Datatype)
	}

	if hdr.VoxOffset > headerSize+maxExtensionBytes {
		return nil, formatErrorf(nil, "vox_offset %g is beyond the header extension limit", hdr.VoxOffset)
	}
	offset := int64(hdr.VoxOffset)
	if offset < headerSize {
		offset = dataOffset
	}
	if _, err := io.CopyN(io.Discard, src, offset-headerSize); err != nil {
		return nil, formatErrorf(err, "truncated header extension")
	}

	data, err := readVoxels(src, order, dtype, n)
	if err != nil {
		return nil, err
	}

	if slope := float64(hdr.SclSlope); slope != 0 && !math.IsNaN(slope) {
		inter := float64(hdr.SclInter)
		if math.IsNaN(inter) {
			inter = 0
		}
		if slope != 1 || inter != 0 {
			for i := range data {
				data[i] = data[i]*slope + inter
			}
		}
	}

	v := &Volume{
		NDim:     ndim,
		Dims:     dims,
		Spacing:  [3]float64{float64(hdr.Pixdim[1]), float64(hdr.Pixdim[2]), float64(hdr.Pixdim[3])},
		DataType: dtype,
		Data:     data,
	}
	if ndim == 4 {
		v.TimeStep = float64(hdr.Pixdim[4])
	}
	if desc := strings.TrimRight(string(hdr.Descrip[:]), "\x00 "); desc != "" {
		v.Description = &desc
	}

	return v, nil
}

func byteOrder(raw []byte) (binary.ByteOrder, error) {
	if int32(binary.LittleEndian.Uint32(raw[:4])) == headerSize {
		return binary.LittleEndian, nil
	}
	if int32(binary.BigEndian.Uint32(raw[:4])) == headerSize {
		return binary.BigEndian, nil
	}
	return nil, formatErrorf(nil, "not a NIfTI-1 header")
}

// readVoxels decodes n voxels in fixed size chunks, the output grows with the
// data actually present so a short stream fails before a full allocation.
func readVoxels(r io.Reader, order binary.ByteOrder, dtype DataType, n int) ([]float64, error) {
	size := dtype.bitpix() / 8
	src := io.LimitReader(r, int64(n)*int64(size))

	out := make([]float64, 0, min(n, chunkBytes/size))
	buf := make([]byte, chunkBytes-chunkBytes%size)

	for len(out) < n {
		want := min(len(buf), (n-len(out))*size)
		if _, err := io.ReadFull(src, buf[:want]); err != nil {
			return nil, formatErrorf(err, "truncated image data: expected %d voxels, read %d", n, len(out))
		}

		for b := buf[:want]; len(b) > 0; b = b[size:] {
			out = append(out, decodeVoxel(b, order, dtype))
		}
	}
	return out, nil
}

func decodeVoxel(b []byte, order binary.ByteOrder, dtype DataType) float64 {
	switch dtype {
	case Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Int16:
		return float64(int16(order.Uint16(b)))
	case Uint16:
		return float64(order.Uint16(b))
	case Int32:
		return float64(int32(order.Uint32(b)))
	case Uint32:
		return float64(order.Uint32(b))
	case Float32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case Float64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

// Save writes v to path, gzip compressed when the path ends in .gz.
func Save(path string, v *Volume) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating volume file %s: %w", path, err)
	}
	defer file.Close()

	if err := Write(file, v, strings.HasSuffix(path, ".gz")); err != nil {
		return fmt.Errorf("error writing volume %s: %w", path, err)
	}

	return file.Sync()
}

func Write(w io.Writer, v *Volume, compress bool) error {
	if v.NDim != 3 && v.NDim != 4 {
		return fmt.Errorf("cannot write %d-D volume", v.NDim)
	}
	if !v.DataType.valid() {
		return fmt.Errorf("cannot write unsupported datatype %v", v.DataType)
	}
	if len(v.Data) != v.NumVoxels() {
		return fmt.Errorf("volume has %d voxels, dimensions require %d", len(v.Data), v.NumVoxels())
	}

	hdr := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  int16(v.DataType),
		Bitpix:    int16(v.DataType.bitpix()),
		VoxOffset: dataOffset,
		SclSlope:  1,
		XyztUnits: unitsMMSec,
		SformCode: 1,
	}
	hdr.Dim[0] = int16(v.NDim)
	for i := 0; i < 7; i++ {
		hdr.Dim[i+1] = 1
	}
	for i := 0; i < v.NDim; i++ {
		hdr.Dim[i+1] = int16(v.Dims[i])
	}
	hdr.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		hdr.Pixdim[i+1] = float32(v.Spacing[i])
	}
	hdr.Pixdim[4] = float32(v.TimeStep)
	hdr.SrowX = [4]float32{float32(v.Spacing[0]), 0, 0, 0}
	hdr.SrowY = [4]float32{0, float32(v.Spacing[1]), 0, 0}
	hdr.SrowZ = [4]float32{0, 0, float32(v.Spacing[2]), 0}
	if v.Description != nil {
		copy(hdr.Descrip[:descripBytes-1], *v.Description)
	}
	copy(hdr.Magic[:], niftiMagic)

	dst := w
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(w)
		dst = gz
	}

	bw := bufio.NewWriter(dst)
	if err := binary.Write(bw, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if _, err := bw.Write(make([]byte, dataOffset-headerSize)); err != nil {
		return err
	}
	if err := writeVoxels(bw, v); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if gz != nil {
		return gz.Close()
	}
	return nil
}

func writeVoxels(w io.Writer, v *Volume) error {
	size := v.DataType.bitpix() / 8
	buf := make([]byte, size)
	le := binary.LittleEndian

	for _, value := range v.Data {
		switch v.DataType {
		case Uint8:
			buf[0] = uint8(math.Round(value))
		case Int8:
			buf[0] = byte(int8(math.Round(value)))
		case Int16:
			le.PutUint16(buf, uint16(int16(math.Round(value))))
		case Uint16:
			le.PutUint16(buf, uint16(math.Round(value)))
		case Int32:
			le.PutUint32(buf, uint32(int32(math.Round(value))))
		case Uint32:
			le.PutUint32(buf, uint32(math.Round(value)))
		case Float32:
			le.PutUint32(buf, math.Float32bits(float32(value)))
		case Float64:
			le.PutUint64(buf, math.Float64bits(value))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}
