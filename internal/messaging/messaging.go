package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	AnalysisQueue   = "analysis_queue"
	ReportQueue     = "report_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

var queues = []string{AnalysisQueue, ReportQueue}

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type AnalysisTaskPayload struct {
	AnalysisId uuid.UUID
}

type ReportTaskPayload struct {
	ReportId uuid.UUID
}

type Publisher interface {
	PublishAnalysisTask(ctx context.Context, payload AnalysisTaskPayload) error

	PublishReportTask(ctx context.Context, payload ReportTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
