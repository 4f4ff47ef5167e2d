package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"medassist-backend/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedDetector struct {
	out   *DetectionOutput
	err   error
	input *ImageTensor
}

func (m *fixedDetector) Detect(ctx context.Context, input *ImageTensor) (*DetectionOutput, error) {
	m.input = input
	return m.out, m.err
}

func (m *fixedDetector) Release() {}

// boxes lays out (cx, cy, w, h, score) rows as a single class detection head.
func boxes(rows ...[5]float32) *DetectionOutput {
	out := &DetectionOutput{Attributes: 5, Anchors: len(rows), Data: make([]float32, 5*len(rows))}
	for i, row := range rows {
		for attr, v := range row {
			out.Data[attr*len(rows)+i] = v
		}
	}
	return out
}

func uniformImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestDetectorMapsBoxesToSourcePixels(t *testing.T) {
	// 320x160 scales by 2 into 640x320 with 160 rows of padding above
	model := &fixedDetector{out: boxes(
		[5]float32{200, 260, 40, 40, 0.9},
		[5]float32{202, 262, 40, 40, 0.8},
		[5]float32{500, 400, 20, 20, 0.3},
		[5]float32{500, 400, 20, 20, 0.7},
	)}
	detector := NewDetector(config.DefaultPipelineConfig(), model)

	res, err := detector.Detect(context.Background(), uniformImage(320, 160, color.RGBA{R: 200, G: 10, B: 30, A: 255}))
	require.NoError(t, err)

	assert.Equal(t, 320, res.Width)
	assert.Equal(t, 160, res.Height)
	require.Len(t, res.Detections, 2)

	first := res.Detections[0]
	assert.InDeltaSlice(t, []float64{90, 40, 110, 60}, first.Box[:], 1e-6)
	assert.InDelta(t, 0.9, first.Confidence, 1e-6)
	assert.Equal(t, "tumor", first.Label)

	assert.InDeltaSlice(t, []float64{245, 115, 255, 125}, res.Detections[1].Box[:], 1e-6)

	require.NotNil(t, model.input)
	assert.Equal(t, 640, model.input.Size)
	plane := 640 * 640
	assert.InDelta(t, 114.0/255, model.input.Data[0], 1e-6)
	center := 320*640 + 320
	assert.InDelta(t, 200.0/255, model.input.Data[center], 5e-3)
	assert.InDelta(t, 10.0/255, model.input.Data[plane+center], 5e-3)
	assert.InDelta(t, 30.0/255, model.input.Data[2*plane+center], 5e-3)
}

func TestDetectorClampsToImage(t *testing.T) {
	model := &fixedDetector{out: boxes([5]float32{10, 330, 60, 60, 0.95})}
	detector := NewDetector(config.DefaultPipelineConfig(), model)

	res, err := detector.Detect(context.Background(), uniformImage(320, 160, color.RGBA{A: 255}))
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	assert.InDeltaSlice(t, []float64{0, 70, 20, 100}, res.Detections[0].Box[:], 1e-6)
}

func TestDetectorRejectsMalformedOutput(t *testing.T) {
	img := uniformImage(32, 32, color.RGBA{A: 255})

	wrongClasses := &fixedDetector{out: &DetectionOutput{Attributes: 6, Anchors: 1, Data: make([]float32, 6)}}
	_, err := NewDetector(config.DefaultPipelineConfig(), wrongClasses).Detect(context.Background(), img)
	var modelErr *ModelInvocationError
	assert.ErrorAs(t, err, &modelErr)

	short := &fixedDetector{out: &DetectionOutput{Attributes: 5, Anchors: 4, Data: make([]float32, 5)}}
	_, err = NewDetector(config.DefaultPipelineConfig(), short).Detect(context.Background(), img)
	assert.ErrorAs(t, err, &modelErr)

	failing := &fixedDetector{err: errors.New("session crashed")}
	_, err = NewDetector(config.DefaultPipelineConfig(), failing).Detect(context.Background(), img)
	assert.ErrorAs(t, err, &modelErr)
}

func TestNonMaxSuppressionKeepsOtherClasses(t *testing.T) {
	dets := []Detection{
		{Box: [4]float64{0, 0, 10, 10}, Confidence: 0.6, Class: 1},
		{Box: [4]float64{0, 0, 10, 10}, Confidence: 0.9, Class: 0},
		{Box: [4]float64{1, 1, 10, 10}, Confidence: 0.7, Class: 0},
	}

	kept := nonMaxSuppression(dets, 0.45)
	require.Len(t, kept, 2)
	assert.Equal(t, 0.9, kept[0].Confidence)
	assert.Equal(t, 1, kept[1].Class)
}

func TestAnnotate(t *testing.T) {
	grey := color.RGBA{R: 50, G: 50, B: 50, A: 255}
	img := uniformImage(320, 160, grey)
	dets := []Detection{{Box: [4]float64{90, 40, 110, 60}, Confidence: 0.9, Label: "tumor"}}

	out := Annotate(img, dets)
	assert.Equal(t, img.Bounds(), out.Bounds())
	assert.Equal(t, boxColors[0], out.RGBAAt(100, 59))
	assert.Equal(t, boxColors[0], out.RGBAAt(90, 50))
	assert.Equal(t, grey, out.RGBAAt(100, 50))
	assert.Equal(t, grey, out.RGBAAt(5, 5))

	// the source is left untouched
	assert.Equal(t, grey, img.RGBAAt(100, 59))
}

func TestDecodeImage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, uniformImage(12, 8, color.RGBA{R: 1, A: 255})))

	img, err := DecodeImage(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 12, 8), img.Bounds())

	var formatErr *ImageFormatError
	_, err = DecodeImage(bytes.NewReader([]byte("definitely not an image")))
	assert.ErrorAs(t, err, &formatErr)

	_, err = DecodeImage(bytes.NewReader(pngHeader(100000, 100000)))
	require.ErrorAs(t, err, &formatErr)
	assert.Contains(t, err.Error(), "exceeds the limit")
}

// pngHeader returns a png signature and IHDR chunk claiming w x h RGB pixels
// with no image data behind it.
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	chunk := make([]byte, 17)
	copy(chunk, "IHDR")
	binary.BigEndian.PutUint32(chunk[4:], w)
	binary.BigEndian.PutUint32(chunk[8:], h)
	chunk[12] = 8 // bit depth
	chunk[13] = 2 // truecolor

	binary.Write(&buf, binary.BigEndian, uint32(13))
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestDetectionReport(t *testing.T) {
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	res := &DetectionResult{Width: 320, Height: 160, Detections: []Detection{
		{Box: [4]float64{90, 40, 110, 60}, Confidence: 0.9, Label: "tumor"},
	}}

	report := DetectionReport(res, at)
	assert.Contains(t, report, "## Analysis Date: 2026-03-04")
	assert.Contains(t, report, "- tumor (confidence 0.90) at [90, 40, 110, 60]")

	empty := DetectionReport(&DetectionResult{Width: 1, Height: 1}, at)
	assert.Contains(t, empty, "No tumour regions detected")
}

func TestDetectorAnchors(t *testing.T) {
	assert.Equal(t, 8400, detectorAnchors(640))
	assert.Equal(t, 2100, detectorAnchors(320))
}
