package core

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"medassist-backend/internal/config"
	"medassist-backend/internal/volume"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"
)

type PrepareOptions struct {
	// Channels fixes the order of channels in the prepared tensor.
	Channels   []string
	TargetSize int
	SliceCount int
	SliceStart int
}

func NewPrepareOptions(cfg *config.PipelineConfig) PrepareOptions {
	return PrepareOptions{
		Channels:   cfg.Preprocess.Channels,
		TargetSize: cfg.Preprocess.TargetSize,
		SliceCount: cfg.Preprocess.SliceCount,
		SliceStart: cfg.Preprocess.SliceStart,
	}
}

func (o PrepareOptions) Shape() TensorShape {
	return TensorShape{Slices: o.SliceCount, Height: o.TargetSize, Width: o.TargetSize, Channels: len(o.Channels)}
}

// ChannelSources maps uploaded volumes onto model channels. In duplicate mode
// exactly one upload is expected and it feeds every channel. In distinct mode
// every channel needs its own upload, keyed by channel name.
func ChannelSources(mode string, channels []string, uploads map[string]*volume.Volume) (map[string]*volume.Volume, error) {
	sources := make(map[string]*volume.Volume, len(channels))

	switch mode {
	case config.ChannelModeDuplicate:
		if len(uploads) != 1 {
			return nil, &ChannelError{Reason: fmt.Sprintf("duplicate channel mode expects exactly one volume, got %d", len(uploads))}
		}
		for _, v := range uploads {
			for _, ch := range channels {
				sources[ch] = v
			}
		}

	case config.ChannelModeDistinct:
		for _, ch := range channels {
			v, ok := uploads[ch]
			if !ok {
				return nil, &ChannelError{Reason: fmt.Sprintf("missing volume for channel %q", ch)}
			}
			sources[ch] = v
		}
		if len(uploads) != len(channels) {
			var extra []string
			for name := range uploads {
				if _, ok := sources[name]; !ok {
					extra = append(extra, name)
				}
			}
			sort.Strings(extra)
			return nil, &ChannelError{Reason: fmt.Sprintf("unexpected volumes %v, channels are %v", extra, channels)}
		}

	default:
		return nil, &ChannelError{Reason: fmt.Sprintf("unknown channel mode %q", mode)}
	}

	return sources, nil
}

// Prepare resamples a fixed window of axial slices from each channel's volume to
// TargetSize x TargetSize and normalizes the result by its global maximum.
func Prepare(sources map[string]*volume.Volume, opts PrepareOptions) (*PreparedTensor, error) {
	if len(opts.Channels) == 0 {
		return nil, &ChannelError{Reason: "no channels configured"}
	}
	if opts.TargetSize <= 0 || opts.SliceCount <= 0 || opts.SliceStart < 0 {
		return nil, fmt.Errorf("invalid prepare options: size=%d count=%d start=%d", opts.TargetSize, opts.SliceCount, opts.SliceStart)
	}

	for _, ch := range opts.Channels {
		v, ok := sources[ch]
		if !ok || v == nil {
			return nil, &ChannelError{Reason: fmt.Sprintf("missing volume for channel %q", ch)}
		}
		if last := opts.SliceStart + opts.SliceCount - 1; last >= v.Dims[2] {
			return nil, &SliceIndexError{Channel: ch, Slice: last, Depth: v.Dims[2]}
		}
	}

	shape := opts.Shape()
	size := opts.TargetSize
	plane := size * size
	data := make([]float64, shape.Size())

	for c, ch := range opts.Channels {
		v := sources[ch]
		for s := 0; s < opts.SliceCount; s++ {
			src, err := v.Slice(opts.SliceStart+s, 0)
			if err != nil {
				return nil, &SliceIndexError{Channel: ch, Slice: opts.SliceStart + s, Depth: v.Dims[2]}
			}

			resized, err := resizeSlice(src, v.Dims[0], v.Dims[1], size)
			if err != nil {
				return nil, err
			}

			base := s * plane * shape.Channels
			for i, value := range resized {
				data[base+i*shape.Channels+c] = value
			}
		}
	}

	peak := floats.Max(data)
	if peak <= 0 || math.IsNaN(peak) || math.IsInf(peak, 0) {
		return nil, &DegenerateInputError{Reason: fmt.Sprintf("global maximum is %v", peak)}
	}
	floats.Scale(1/peak, data)

	out := make([]float32, len(data))
	for i, value := range data {
		out[i] = float32(value)
	}

	return &PreparedTensor{Shape: shape, Data: out}, nil
}

// resizeSlice resamples a nx by ny plane (x fastest) to size x size with
// bilinear interpolation. The result is row major with rows along the source x
// axis and columns along y, the layout the segmentation models were trained on.
// Intensities are mapped onto the 16 bit range of the slice for resampling and
// mapped back afterwards.
func resizeSlice(src []float64, nx, ny, size int) ([]float64, error) {
	out := make([]float64, size*size)

	lo, hi := floats.Min(src), floats.Max(src)
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return nil, &DegenerateInputError{Reason: "volume contains non-finite intensities"}
	}

	if nx == size && ny == size {
		for x := 0; x < nx; x++ {
			for y := 0; y < ny; y++ {
				out[x*size+y] = src[y*nx+x]
			}
		}
		return out, nil
	}

	if hi == lo {
		for i := range out {
			out[i] = lo
		}
		return out, nil
	}

	scale := math.MaxUint16 / (hi - lo)

	// Image columns hold source y, image rows hold source x.
	img := image.NewGray16(image.Rect(0, 0, ny, nx))
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			img.SetGray16(y, x, color.Gray16{Y: uint16(math.Round((src[y*nx+x] - lo) * scale))})
		}
	}

	dst := image.NewGray16(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	for row := 0; row < size; row++ {
		for col := 0; col < size; col++ {
			out[row*size+col] = lo + float64(dst.Gray16At(col, row).Y)/scale
		}
	}

	return out, nil
}
