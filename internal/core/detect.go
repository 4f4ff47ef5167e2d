package core

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"slices"
	"strings"
	"time"

	"medassist-backend/internal/config"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	// MaxImagePixels bounds decoded images before any pixel memory is allocated.
	MaxImagePixels = 8192 * 8192

	maxDetections = 300
	boxThickness  = 2
)

var letterboxFill = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// ImageTensor is a letterboxed RGB image scaled to [0, 1], laid out (channel,
// row, column).
type ImageTensor struct {
	Size int
	Data []float32
}

// DetectionOutput is the raw detection head: one row per box attribute (cx, cy,
// w, h followed by one score per class) and one column per anchor, in
// letterboxed pixel coordinates.
type DetectionOutput struct {
	Attributes int
	Anchors    int
	Data       []float32
}

// DetectionModel runs a single-stage detector over a letterboxed image. Like
// SegmentationModel it is shared across requests.
type DetectionModel interface {
	Detect(ctx context.Context, input *ImageTensor) (*DetectionOutput, error)

	Release()
}

// Detection is one box in source image pixels, corners (x1, y1, x2, y2).
type Detection struct {
	Box        [4]float64
	Confidence float64
	Class      int
	Label      string
}

type DetectionResult struct {
	Width      int
	Height     int
	Detections []Detection
}

// Detector finds tumour regions in 2D MRI images.
type Detector struct {
	model      DetectionModel
	size       int
	confidence float64
	iou        float64
	classes    []string
}

func NewDetector(cfg *config.PipelineConfig, model DetectionModel) *Detector {
	return &Detector{
		model:      model,
		size:       cfg.Detection.InputSize,
		confidence: cfg.Detection.Confidence,
		iou:        cfg.Detection.IoU,
		classes:    cfg.Detection.Classes,
	}
}

// DecodeImage decodes a jpeg or png, rejecting images larger than
// MaxImagePixels from the header alone.
func DecodeImage(r io.ReadSeeker) (image.Image, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return nil, &ImageFormatError{Reason: err.Error()}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxImagePixels/cfg.Height {
		return nil, &ImageFormatError{Reason: fmt.Sprintf("%s image of %dx%d pixels exceeds the limit of %d pixels", format, cfg.Width, cfg.Height, MaxImagePixels)}
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(r)
	if err != nil {
		return nil, &ImageFormatError{Reason: err.Error()}
	}
	return img, nil
}

type letterbox struct {
	scale      float64
	padX, padY int
}

// letterboxImage scales img to fit a size x size square keeping its aspect
// ratio and centers it on a grey canvas.
func letterboxImage(img image.Image, size int) (*ImageTensor, letterbox) {
	b := img.Bounds()
	scale := min(float64(size)/float64(b.Dx()), float64(size)/float64(b.Dy()))
	w := max(1, int(math.Round(float64(b.Dx())*scale)))
	h := max(1, int(math.Round(float64(b.Dy())*scale)))
	lb := letterbox{scale: scale, padX: (size - w) / 2, padY: (size - h) / 2}

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(letterboxFill), image.Point{}, draw.Src)
	draw.BiLinear.Scale(canvas, image.Rect(lb.padX, lb.padY, lb.padX+w, lb.padY+h), img, b, draw.Src, nil)

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := canvas.PixOffset(x, y)
			j := y*size + x
			data[j] = float32(canvas.Pix[i]) / 255
			data[plane+j] = float32(canvas.Pix[i+1]) / 255
			data[2*plane+j] = float32(canvas.Pix[i+2]) / 255
		}
	}

	return &ImageTensor{Size: size, Data: data}, lb
}

func (d *Detector) Detect(ctx context.Context, img image.Image) (*DetectionResult, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, &ImageFormatError{Reason: "image is empty"}
	}

	input, lb := letterboxImage(img, d.size)

	out, err := d.model.Detect(ctx, input)
	if err != nil {
		return nil, &ModelInvocationError{Reason: "detector failed", Err: err}
	}
	if out.Attributes != 4+len(d.classes) {
		return nil, &ModelInvocationError{Reason: fmt.Sprintf("detector returned %d attributes per box, expected %d", out.Attributes, 4+len(d.classes))}
	}
	if len(out.Data) != out.Attributes*out.Anchors {
		return nil, &ModelInvocationError{Reason: fmt.Sprintf("detector returned %d values for %d anchors", len(out.Data), out.Anchors)}
	}

	return &DetectionResult{
		Width:      b.Dx(),
		Height:     b.Dy(),
		Detections: nonMaxSuppression(d.decode(out, lb, b.Dx(), b.Dy()), d.iou),
	}, nil
}

func (d *Detector) decode(out *DetectionOutput, lb letterbox, width, height int) []Detection {
	at := func(attr, anchor int) float64 {
		return float64(out.Data[attr*out.Anchors+anchor])
	}

	var dets []Detection
	for i := 0; i < out.Anchors; i++ {
		class, score := 0, at(4, i)
		for c := 1; c < len(d.classes); c++ {
			if s := at(4+c, i); s > score {
				class, score = c, s
			}
		}
		if score < d.confidence {
			continue
		}

		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		x1 := clamp((cx-w/2-float64(lb.padX))/lb.scale, 0, float64(width))
		y1 := clamp((cy-h/2-float64(lb.padY))/lb.scale, 0, float64(height))
		x2 := clamp((cx+w/2-float64(lb.padX))/lb.scale, 0, float64(width))
		y2 := clamp((cy+h/2-float64(lb.padY))/lb.scale, 0, float64(height))
		if x2 <= x1 || y2 <= y1 {
			continue
		}

		dets = append(dets, Detection{Box: [4]float64{x1, y1, x2, y2}, Confidence: score, Class: class, Label: d.classes[class]})
	}
	return dets
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func iou(a, b [4]float64) float64 {
	w := math.Min(a[2], b[2]) - math.Max(a[0], b[0])
	h := math.Min(a[3], b[3]) - math.Max(a[1], b[1])
	if w <= 0 || h <= 0 {
		return 0
	}
	inter := w * h
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	return inter / union
}

// nonMaxSuppression keeps the most confident box of every overlapping group of
// the same class, ordered by descending confidence.
func nonMaxSuppression(dets []Detection, threshold float64) []Detection {
	slices.SortStableFunc(dets, func(a, b Detection) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		default:
			return 0
		}
	})

	kept := make([]Detection, 0, len(dets))
	for _, det := range dets {
		suppressed := false
		for _, k := range kept {
			if k.Class == det.Class && iou(k.Box, det.Box) > threshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, det)
			if len(kept) == maxDetections {
				break
			}
		}
	}
	return kept
}

var boxColors = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
}

// Annotate returns a copy of img with every detection outlined and labelled
// with its class and confidence.
func Annotate(img image.Image, dets []Detection) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)

	for _, det := range dets {
		c := boxColors[det.Class%len(boxColors)]
		r := image.Rect(int(det.Box[0]), int(det.Box[1]), int(math.Ceil(det.Box[2])), int(math.Ceil(det.Box[3])))
		outline(out, r, c)
		label(out, r, fmt.Sprintf("%s %.2f", det.Label, det.Confidence), c)
	}
	return out
}

func outline(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	fill := image.NewUniform(c)
	for i := 0; i < boxThickness; i++ {
		draw.Draw(dst, image.Rect(r.Min.X, r.Min.Y+i, r.Max.X, r.Min.Y+i+1), fill, image.Point{}, draw.Src)
		draw.Draw(dst, image.Rect(r.Min.X, r.Max.Y-i-1, r.Max.X, r.Max.Y-i), fill, image.Point{}, draw.Src)
		draw.Draw(dst, image.Rect(r.Min.X+i, r.Min.Y, r.Min.X+i+1, r.Max.Y), fill, image.Point{}, draw.Src)
		draw.Draw(dst, image.Rect(r.Max.X-i-1, r.Min.Y, r.Max.X-i, r.Max.Y), fill, image.Point{}, draw.Src)
	}
}

// label draws text on a filled tab above the box, or just inside its top edge
// when there is no room above.
func label(dst *image.RGBA, r image.Rectangle, text string, c color.RGBA) {
	face := basicfont.Face7x13
	height := face.Height + 2
	width := font.MeasureString(face, text).Ceil() + 4

	top := r.Min.Y - height
	if top < 0 {
		top = r.Min.Y
	}
	tab := image.Rect(r.Min.X, top, r.Min.X+width, top+height)
	draw.Draw(dst, tab, image.NewUniform(c), image.Point{}, draw.Src)

	drawer := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(tab.Min.X+2, tab.Min.Y+face.Ascent+1),
	}
	drawer.DrawString(text)
}

// DetectionReport renders the detections as a short markdown report.
func DetectionReport(res *DetectionResult, at time.Time) string {
	var sb strings.Builder
	sb.WriteString("# Medical Report\n")
	fmt.Fprintf(&sb, "## Analysis Date: %s\n", at.Format(time.DateOnly))
	fmt.Fprintf(&sb, "## Image Size: %dx%d\n", res.Width, res.Height)
	sb.WriteString("## Findings\n")
	if len(res.Detections) == 0 {
		sb.WriteString("- No tumour regions detected.\n")
	}
	for _, det := range res.Detections {
		fmt.Fprintf(&sb, "- %s (confidence %.2f) at [%.0f, %.0f, %.0f, %.0f]\n",
			det.Label, det.Confidence, det.Box[0], det.Box[1], det.Box[2], det.Box[3])
	}
	sb.WriteString("## Recommendations\n")
	if len(res.Detections) > 0 {
		sb.WriteString("- Correlate the highlighted regions with a full volumetric MRI study.\n")
	} else {
		sb.WriteString("- Routine follow up as clinically indicated.\n")
	}
	return sb.String()
}
