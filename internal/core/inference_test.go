package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// thresholdModel marks voxels whose first channel exceeds threshold as class
// `hot` and everything else as background.
type thresholdModel struct {
	classes   int
	hot       int
	threshold float32
}

func (m *thresholdModel) Predict(ctx context.Context, input *PreparedTensor) (*ClassProbabilities, error) {
	sh := input.Shape
	out := &ClassProbabilities{Slices: sh.Slices, Height: sh.Height, Width: sh.Width, Classes: m.classes}
	out.Data = make([]float32, out.Voxels()*m.classes)
	for v := 0; v < out.Voxels(); v++ {
		class := 0
		if input.Data[v*sh.Channels] > m.threshold {
			class = m.hot
		}
		out.Data[v*m.classes+class] = 0.9
	}
	return out, nil
}

func (m *thresholdModel) Release() {}

type fixedModel struct {
	out *ClassProbabilities
	err error
}

func (m *fixedModel) Predict(ctx context.Context, input *PreparedTensor) (*ClassProbabilities, error) {
	return m.out, m.err
}

func (m *fixedModel) Release() {}

type panicModel struct{}

func (panicModel) Predict(ctx context.Context, input *PreparedTensor) (*ClassProbabilities, error) {
	panic("out of memory")
}

func (panicModel) Release() {}

var smallShape = TensorShape{Slices: 2, Height: 2, Width: 2, Channels: 1}

func smallTensor() *PreparedTensor {
	return &PreparedTensor{Shape: smallShape, Data: []float32{0, 0.2, 0.4, 1, 0, 0, 0.9, 0}}
}

func TestInferPassesThroughProbabilities(t *testing.T) {
	inv := NewInvoker(&thresholdModel{classes: 4, hot: 3, threshold: 0.5}, smallShape, 4)

	probs, err := inv.Infer(context.Background(), smallTensor())
	require.NoError(t, err)
	assert.Equal(t, 2, probs.Slices)
	assert.Equal(t, 4, probs.Classes)
	assert.Equal(t, float32(0.9), probs.Data[3*4+3])
	assert.Equal(t, float32(0.9), probs.Data[0])
}

func TestInferRejectsInputShape(t *testing.T) {
	inv := NewInvoker(&thresholdModel{classes: 4}, TensorShape{Slices: 3, Height: 2, Width: 2, Channels: 1}, 4)

	_, err := inv.Infer(context.Background(), smallTensor())
	var merr *ModelInvocationError
	assert.True(t, errors.As(err, &merr))
}

func TestInferRejectsOutputContract(t *testing.T) {
	cases := map[string]*ClassProbabilities{
		"nil output":      nil,
		"wrong slices":    {Slices: 1, Height: 2, Width: 2, Classes: 4, Data: make([]float32, 16)},
		"wrong classes":   {Slices: 2, Height: 2, Width: 2, Classes: 3, Data: make([]float32, 24)},
		"truncated data":  {Slices: 2, Height: 2, Width: 2, Classes: 4, Data: make([]float32, 10)},
		"wrong rows/cols": {Slices: 2, Height: 1, Width: 4, Classes: 4, Data: make([]float32, 32)},
	}

	for name, out := range cases {
		t.Run(name, func(t *testing.T) {
			inv := NewInvoker(&fixedModel{out: out}, smallShape, 4)
			_, err := inv.Infer(context.Background(), smallTensor())
			var merr *ModelInvocationError
			assert.True(t, errors.As(err, &merr), "got %v", err)
		})
	}
}

func TestInferWrapsBackendErrors(t *testing.T) {
	backendErr := errors.New("session run error")
	inv := NewInvoker(&fixedModel{err: backendErr}, smallShape, 4)

	_, err := inv.Infer(context.Background(), smallTensor())
	var merr *ModelInvocationError
	require.True(t, errors.As(err, &merr))
	assert.ErrorIs(t, err, backendErr)
}

func TestInferWithoutModel(t *testing.T) {
	inv := NewInvoker(nil, smallShape, 4)
	_, err := inv.Infer(context.Background(), smallTensor())
	var merr *ModelInvocationError
	assert.True(t, errors.As(err, &merr))
}

func TestInferRecoversModelPanic(t *testing.T) {
	inv := NewInvoker(panicModel{}, smallShape, 4)
	_, err := inv.Infer(context.Background(), smallTensor())
	var merr *ModelInvocationError
	require.True(t, errors.As(err, &merr))
	assert.Contains(t, err.Error(), "out of memory")
}

func TestFlattenPredictions(t *testing.T) {
	pred := [][][][]float32{
		{{{0.1, 0.9}, {0.8, 0.2}}},
		{{{0.5, 0.5}, {0, 1}}},
	}
	probs, err := flattenPredictions(pred)
	require.NoError(t, err)
	assert.Equal(t, 2, probs.Slices)
	assert.Equal(t, 1, probs.Height)
	assert.Equal(t, 2, probs.Width)
	assert.Equal(t, 2, probs.Classes)
	assert.Equal(t, []float32{0.1, 0.9, 0.8, 0.2, 0.5, 0.5, 0, 1}, probs.Data)

	_, err = flattenPredictions([][][][]float32{{{{0.1, 0.9}, {0.8}}}})
	assert.Error(t, err)
}
