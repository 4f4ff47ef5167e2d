package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type AnalysisRunner interface {
	Run(ctx context.Context, analysisId uuid.UUID) error
}

type ReportGenerator interface {
	Generate(ctx context.Context, reportId uuid.UUID) error
}

// Worker consumes analysis and report tasks one at a time.
type Worker struct {
	reciever Reciever
	analyses AnalysisRunner
	reports  ReportGenerator
	timeout  time.Duration
}

func NewWorker(reciever Reciever, analyses AnalysisRunner, reports ReportGenerator, timeout time.Duration) *Worker {
	return &Worker{reciever: reciever, analyses: analyses, reports: reports, timeout: timeout}
}

func (w *Worker) Start() {
	slog.Info("starting worker")

	for task := range w.reciever.Tasks() {
		w.ProcessTask(task)
	}

	slog.Info("worker stopped")
}

func (w *Worker) Stop() {
	slog.Info("stopping worker")
	w.reciever.Close()
}

func decodePayload(task Task, payload any) bool {
	if err := json.Unmarshal(task.Payload(), payload); err != nil {
		slog.Error("error unmarshalling task", "queue", task.Type(), "error", err)
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return false
	}
	return true
}

// recovered turns a panic in fn into an error so one bad task cannot stop the
// worker.
func recovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn()
}

func (w *Worker) ProcessTask(task Task) {
	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	var err error
	switch task.Type() {
	case AnalysisQueue:
		var payload AnalysisTaskPayload
		if !decodePayload(task, &payload) {
			return
		}
		err = recovered(func() error { return w.analyses.Run(ctx, payload.AnalysisId) })

	case ReportQueue:
		var payload ReportTaskPayload
		if !decodePayload(task, &payload) {
			return
		}
		err = recovered(func() error { return w.reports.Generate(ctx, payload.ReportId) })

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}
