package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteSegmenter calls a model served behind a TensorFlow Serving style REST
// predict endpoint.
type RemoteSegmenter struct {
	client *resty.Client
	url    string
}

func NewRemoteSegmenter(url string) *RemoteSegmenter {
	return &RemoteSegmenter{
		client: resty.New().SetTimeout(5 * time.Minute),
		url:    url,
	}
}

type predictRequest struct {
	Instances [][][][]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions [][][][]float32 `json:"predictions"`
	Error       string          `json:"error,omitempty"`
}

func (m *RemoteSegmenter) Predict(ctx context.Context, input *PreparedTensor) (*ClassProbabilities, error) {
	sh := input.Shape

	instances := make([][][][]float32, sh.Slices)
	for s := range instances {
		instances[s] = make([][][]float32, sh.Height)
		for y := range instances[s] {
			instances[s][y] = make([][]float32, sh.Width)
			for x := range instances[s][y] {
				start := ((s*sh.Height+y)*sh.Width + x) * sh.Channels
				instances[s][y][x] = input.Data[start : start+sh.Channels]
			}
		}
	}

	var result predictResponse
	res, err := m.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(predictRequest{Instances: instances}).
		SetResult(&result).
		Post(m.url)
	if err != nil {
		return nil, fmt.Errorf("error calling model server: %w", err)
	}

	if !res.IsSuccess() {
		slog.Error("model server returned error", "status_code", res.StatusCode(), "body", res.String())
		return nil, fmt.Errorf("model server returned status %d", res.StatusCode())
	}

	if result.Error != "" {
		return nil, fmt.Errorf("model server error: %s", result.Error)
	}

	return flattenPredictions(result.Predictions)
}

func flattenPredictions(pred [][][][]float32) (*ClassProbabilities, error) {
	out := &ClassProbabilities{Slices: len(pred)}
	if out.Slices == 0 {
		return out, nil
	}
	out.Height = len(pred[0])
	if out.Height > 0 {
		out.Width = len(pred[0][0])
		if out.Width > 0 {
			out.Classes = len(pred[0][0][0])
		}
	}

	out.Data = make([]float32, 0, out.Voxels()*out.Classes)
	for s := range pred {
		if len(pred[s]) != out.Height {
			return nil, fmt.Errorf("ragged predictions at slice %d", s)
		}
		for y := range pred[s] {
			if len(pred[s][y]) != out.Width {
				return nil, fmt.Errorf("ragged predictions at slice %d row %d", s, y)
			}
			for x := range pred[s][y] {
				if len(pred[s][y][x]) != out.Classes {
					return nil, fmt.Errorf("ragged predictions at slice %d row %d column %d", s, y, x)
				}
				out.Data = append(out.Data, pred[s][y][x]...)
			}
		}
	}

	return out, nil
}

func (m *RemoteSegmenter) Release() {}
