package core

import "fmt"

// DegenerateInputError is returned when a prepared tensor cannot be normalized,
// e.g. every voxel across all channels is zero.
type DegenerateInputError struct {
	Reason string
}

func (e *DegenerateInputError) Error() string {
	return "degenerate input: " + e.Reason
}

// SliceIndexError is returned when the configured slice window reaches past the
// depth of a source volume.
type SliceIndexError struct {
	Channel string
	Slice   int
	Depth   int
}

func (e *SliceIndexError) Error() string {
	return fmt.Sprintf("slice %d out of range for channel %q with depth %d", e.Slice, e.Channel, e.Depth)
}

// ChannelError reports uploaded volumes that do not match the configured channels.
type ChannelError struct {
	Reason string
}

func (e *ChannelError) Error() string {
	return "invalid channel inputs: " + e.Reason
}

// ImageFormatError reports an image upload that cannot be decoded.
type ImageFormatError struct {
	Reason string
}

func (e *ImageFormatError) Error() string {
	return "invalid image: " + e.Reason
}

// ModelInvocationError covers backend failures and violations of the model's
// input or output shape contract.
type ModelInvocationError struct {
	Reason string
	Err    error
}

func (e *ModelInvocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model invocation failed: %s: %v", e.Reason, e.Err)
	}
	return "model invocation failed: " + e.Reason
}

func (e *ModelInvocationError) Unwrap() error {
	return e.Err
}
