package report

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"medassist-backend/internal/config"
	"medassist-backend/internal/core"
	"medassist-backend/internal/core/utils"
	"medassist-backend/internal/llm"
	"medassist-backend/internal/volume"
)

//go:embed templates/*.tmpl
var templates embed.FS

var reportPrompt = template.Must(template.ParseFS(templates, "templates/report_prompt.tmpl"))

// GenerationError wraps a failure of the text generation service.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("report generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

type Medication struct {
	Name      string `json:"medication_name"`
	Dosage    string `json:"dosage"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date,omitempty"`
}

type HistoryEntry struct {
	Condition     string       `json:"condition"`
	DiagnosisDate string       `json:"diagnosis_date"`
	Treatment     string       `json:"treatment"`
	Medications   []Medication `json:"medications,omitempty"`
}

type PatientInfo struct {
	Name    string         `json:"name"`
	Age     int            `json:"age,omitempty"`
	Gender  string         `json:"gender,omitempty"`
	History []HistoryEntry `json:"medical_history"`
}

type DoctorInfo struct {
	Name           string `json:"name"`
	Specialization string `json:"specialization,omitempty"`
	Hospital       string `json:"hospital,omitempty"`
}

type ComposeInput struct {
	Patient    PatientInfo
	Doctor     DoctorInfo
	MRIDetails volume.Details
	Findings   core.FindingsSummary
	// Exam is the examination date, defaults to the generation date.
	Exam        string
	GeneratedAt time.Time
}

type Document struct {
	Title     string    `json:"title"`
	Markdown  string    `json:"markdown"`
	CreatedAt time.Time `json:"created_at"`
}

type Composer struct {
	llm   llm.Completer
	start string
	end   string
}

func NewComposer(completer llm.Completer, cfg *config.PipelineConfig) *Composer {
	return &Composer{llm: completer, start: cfg.Report.StartDelimiter, end: cfg.Report.EndDelimiter}
}

type promptPayload struct {
	Patient         PatientInfo          `json:"patient"`
	Doctor          DoctorInfo           `json:"doctor"`
	ExaminationDate string               `json:"examination_date"`
	MRIDetails      volume.Details       `json:"mri_details"`
	Findings        core.FindingsSummary `json:"findings"`
}

func (c *Composer) Prompt(in ComposeInput) (string, error) {
	created := in.GeneratedAt
	if created.IsZero() {
		created = time.Now()
	}

	exam := in.Exam
	if exam == "" {
		exam = created.UTC().Format(time.DateOnly)
	}

	history := in.Patient.History
	if history == nil {
		history = []HistoryEntry{}
	}
	in.Patient.History = history

	data, err := json.MarshalIndent(promptPayload{
		Patient:         in.Patient,
		Doctor:          in.Doctor,
		ExaminationDate: exam,
		MRIDetails:      in.MRIDetails,
		Findings:        in.Findings,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("error serializing report data: %w", err)
	}

	var prompt bytes.Buffer
	if err := reportPrompt.Execute(&prompt, map[string]string{
		"Start": c.start,
		"End":   c.end,
		"Data":  string(data),
	}); err != nil {
		return "", fmt.Errorf("error rendering report prompt: %w", err)
	}

	return prompt.String(), nil
}

// Compose asks the text generation service for a markdown report and extracts
// the fenced body. A response without the fenced block is an error; the raw
// response is never used as a report.
func (c *Composer) Compose(ctx context.Context, in ComposeInput) (*Document, error) {
	if in.GeneratedAt.IsZero() {
		in.GeneratedAt = time.Now()
	}

	prompt, err := c.Prompt(in)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	response, err := c.llm.Complete(ctx, prompt)
	if err != nil {
		slog.Error("error generating report", "patient", in.Patient.Name, "error", err)
		return nil, &GenerationError{Err: err}
	}
	slog.Info("generated report", "patient", in.Patient.Name, "duration", time.Since(start))

	body, err := utils.ExtractFencedBlock(response, c.start, c.end)
	if err != nil {
		slog.Error("report response is missing the fenced block", "patient", in.Patient.Name, "response_len", len(response))
		return nil, err
	}

	return &Document{
		Title:     fmt.Sprintf("MRI Report - %s - %s", in.Patient.Name, in.GeneratedAt.UTC().Format(time.DateOnly)),
		Markdown:  body,
		CreatedAt: in.GeneratedAt.UTC().Truncate(time.Second),
	}, nil
}
