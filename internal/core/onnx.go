package core

import (
	"context"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// OnnxSegmenter runs an exported segmentation network with onnxruntime. The
// runtime environment must be initialized by the caller before loading.
type OnnxSegmenter struct {
	session *ort.DynamicAdvancedSession
	classes int
}

func LoadOnnxSegmenter(modelPath, inputName, outputName string, classes int) (*OnnxSegmenter, error) {
	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{inputName}, []string{outputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create onnx session for %s: %w", modelPath, err)
	}

	return &OnnxSegmenter{session: session, classes: classes}, nil
}

func (m *OnnxSegmenter) Predict(ctx context.Context, input *PreparedTensor) (*ClassProbabilities, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sh := input.Shape
	inT, err := ort.NewTensor(ort.NewShape(int64(sh.Slices), int64(sh.Height), int64(sh.Width), int64(sh.Channels)), input.Data)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	defer inT.Destroy()

	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(sh.Slices), int64(sh.Height), int64(sh.Width), int64(m.classes)))
	if err != nil {
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}
	defer outT.Destroy()

	if err := m.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
		return nil, fmt.Errorf("session run error: %w", err)
	}

	out := outT.GetData()
	data := make([]float32, len(out))
	copy(data, out)

	return &ClassProbabilities{
		Slices:  sh.Slices,
		Height:  sh.Height,
		Width:   sh.Width,
		Classes: m.classes,
		Data:    data,
	}, nil
}

func (m *OnnxSegmenter) Release() {
	if m.session != nil {
		m.session.Destroy()
	}
}

// OnnxDetector runs an exported single-stage detector whose head emits
// (1, 4 + classes, anchors) for a square (1, 3, size, size) input.
type OnnxDetector struct {
	session    *ort.DynamicAdvancedSession
	size       int
	attributes int
	anchors    int
}

// detectorAnchors counts the grid cells of the stride 8, 16 and 32 heads.
func detectorAnchors(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		n += (size / stride) * (size / stride)
	}
	return n
}

func LoadOnnxDetector(modelPath, inputName, outputName string, size, classes int) (*OnnxDetector, error) {
	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{inputName}, []string{outputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create onnx session for %s: %w", modelPath, err)
	}

	return &OnnxDetector{session: session, size: size, attributes: 4 + classes, anchors: detectorAnchors(size)}, nil
}

func (m *OnnxDetector) Detect(ctx context.Context, input *ImageTensor) (*DetectionOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if input.Size != m.size {
		return nil, fmt.Errorf("detector expects %dx%d input, got %dx%d", m.size, m.size, input.Size, input.Size)
	}

	inT, err := ort.NewTensor(ort.NewShape(1, 3, int64(m.size), int64(m.size)), input.Data)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	defer inT.Destroy()

	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(m.attributes), int64(m.anchors)))
	if err != nil {
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}
	defer outT.Destroy()

	if err := m.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
		return nil, fmt.Errorf("session run error: %w", err)
	}

	out := outT.GetData()
	data := make([]float32, len(out))
	copy(data, out)

	return &DetectionOutput{Attributes: m.attributes, Anchors: m.anchors, Data: data}, nil
}

func (m *OnnxDetector) Release() {
	if m.session != nil {
		m.session.Destroy()
	}
}
