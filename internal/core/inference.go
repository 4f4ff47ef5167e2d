package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Invoker guards a shared segmentation model with its input and output shape
// contract. Probabilities are passed through as produced.
type Invoker struct {
	model   SegmentationModel
	shape   TensorShape
	classes int
}

func NewInvoker(model SegmentationModel, shape TensorShape, classes int) *Invoker {
	return &Invoker{model: model, shape: shape, classes: classes}
}

func (inv *Invoker) Shape() TensorShape {
	return inv.shape
}

func (inv *Invoker) Classes() int {
	return inv.classes
}

func (inv *Invoker) Infer(ctx context.Context, input *PreparedTensor) (probs *ClassProbabilities, err error) {
	if inv.model == nil {
		return nil, &ModelInvocationError{Reason: "no model loaded"}
	}
	if input == nil {
		return nil, &ModelInvocationError{Reason: "nil input tensor"}
	}
	if input.Shape != inv.shape {
		return nil, &ModelInvocationError{Reason: fmt.Sprintf("input shape %v does not match model input shape %v", input.Shape, inv.shape)}
	}
	if len(input.Data) != inv.shape.Size() {
		return nil, &ModelInvocationError{Reason: fmt.Sprintf("input has %d values, shape %v requires %d", len(input.Data), inv.shape, inv.shape.Size())}
	}

	defer func() {
		if r := recover(); r != nil {
			probs, err = nil, &ModelInvocationError{Reason: fmt.Sprintf("model panicked: %v", r)}
		}
	}()

	start := time.Now()
	probs, err = inv.model.Predict(ctx, input)
	if err != nil {
		return nil, &ModelInvocationError{Reason: "backend error", Err: err}
	}
	slog.Info("segmentation model finished", "shape", inv.shape.String(), "duration", time.Since(start))

	if err := inv.checkOutput(probs); err != nil {
		return nil, err
	}

	return probs, nil
}

func (inv *Invoker) checkOutput(p *ClassProbabilities) error {
	if p == nil {
		return &ModelInvocationError{Reason: "model returned no output"}
	}
	if p.Slices != inv.shape.Slices || p.Height != inv.shape.Height || p.Width != inv.shape.Width {
		return &ModelInvocationError{Reason: fmt.Sprintf(
			"output spatial shape (%d, %d, %d) does not match input (%d, %d, %d)",
			p.Slices, p.Height, p.Width, inv.shape.Slices, inv.shape.Height, inv.shape.Width,
		)}
	}
	if p.Classes != inv.classes {
		return &ModelInvocationError{Reason: fmt.Sprintf("model produced %d classes, expected %d", p.Classes, inv.classes)}
	}
	if len(p.Data) != p.Voxels()*p.Classes {
		return &ModelInvocationError{Reason: fmt.Sprintf("output has %d values, expected %d", len(p.Data), p.Voxels()*p.Classes)}
	}
	return nil
}
