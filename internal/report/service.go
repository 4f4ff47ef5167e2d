package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"medassist-backend/internal/database"
	"medassist-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MissingAnalysisError is returned when a report has no completed MRI analysis
// to describe.
type MissingAnalysisError struct {
	PatientId uuid.UUID
	Reason    string
}

func (e *MissingAnalysisError) Error() string {
	return fmt.Sprintf("cannot create report for patient %s: %s", e.PatientId, e.Reason)
}

// Service generates the report described by a Report record and stores its
// markdown and pdf renditions.
type Service struct {
	db       *gorm.DB
	storage  storage.Provider
	bucket   string
	composer *Composer
}

func NewService(db *gorm.DB, storage storage.Provider, bucket string, composer *Composer) *Service {
	return &Service{db: db, storage: storage, bucket: bucket, composer: composer}
}

func (s *Service) Generate(ctx context.Context, reportId uuid.UUID) error {
	var record database.Report
	if err := s.db.WithContext(ctx).Preload("Doctor").First(&record, "id = ?", reportId).Error; err != nil {
		return &database.PersistenceError{Op: "load report", Err: err}
	}

	if record.Status == database.JobCompleted {
		slog.Info("report already generated, skipping", "report_id", reportId)
		return nil
	}

	if err := database.UpdateReportStatus(ctx, s.db, reportId, database.JobRunning); err != nil {
		return err
	}

	if err := s.generate(ctx, &record); err != nil {
		slog.Error("report generation failed", "report_id", reportId, "error", err)
		database.FailReport(ctx, s.db, reportId, err)
		return err
	}

	slog.Info("report generated", "report_id", reportId)
	return nil
}

func (s *Service) findAnalysis(ctx context.Context, record *database.Report) (*database.MRIAnalysis, error) {
	var analysis database.MRIAnalysis

	if record.AnalysisId.Valid {
		err := s.db.WithContext(ctx).First(&analysis, "id = ? AND patient_id = ?", record.AnalysisId.UUID, record.PatientId).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &MissingAnalysisError{PatientId: record.PatientId, Reason: fmt.Sprintf("analysis %s does not exist", record.AnalysisId.UUID)}
		}
		if err != nil {
			return nil, &database.PersistenceError{Op: "load analysis", Err: err}
		}
		if analysis.Status != database.JobCompleted {
			return nil, &MissingAnalysisError{PatientId: record.PatientId, Reason: fmt.Sprintf("analysis %s is %s", analysis.Id, strings.ToLower(analysis.Status))}
		}
		return &analysis, nil
	}

	err := s.db.WithContext(ctx).
		Where("patient_id = ? AND status = ?", record.PatientId, database.JobCompleted).
		Order("creation_time DESC").
		First(&analysis).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &MissingAnalysisError{PatientId: record.PatientId, Reason: "no completed mri analysis"}
	}
	if err != nil {
		return nil, &database.PersistenceError{Op: "load analysis", Err: err}
	}
	return &analysis, nil
}

func (s *Service) generate(ctx context.Context, record *database.Report) error {
	var patient database.Patient
	if err := s.db.WithContext(ctx).Preload("MedicalRecords.Medications").First(&patient, "id = ?", record.PatientId).Error; err != nil {
		return &database.PersistenceError{Op: "load patient", Err: err}
	}

	analysis, err := s.findAnalysis(ctx, record)
	if err != nil {
		return err
	}

	in := ComposeInput{
		Patient:     patientInfo(&patient),
		Exam:        record.Exam,
		GeneratedAt: time.Now(),
	}
	if record.Doctor != nil {
		in.Doctor = DoctorInfo{Name: record.Doctor.Name, Specialization: record.Doctor.Specialization, Hospital: record.Doctor.Hospital}
	}
	if err := json.Unmarshal(analysis.Details, &in.MRIDetails); err != nil {
		return fmt.Errorf("invalid mri details for analysis %s: %w", analysis.Id, err)
	}
	if err := json.Unmarshal(analysis.Findings, &in.Findings); err != nil {
		return fmt.Errorf("invalid findings for analysis %s: %w", analysis.Id, err)
	}

	doc, err := s.composer.Compose(ctx, in)
	if err != nil {
		return err
	}

	pdf, err := RenderPDF(doc)
	if err != nil {
		return err
	}

	markdownKey := storage.PatientObjectKey(record.PatientId, "report", record.Id, "md", doc.CreatedAt)
	pdfKey := storage.PatientObjectKey(record.PatientId, "report", record.Id, "pdf", doc.CreatedAt)

	if err := s.storage.PutObject(ctx, s.bucket, markdownKey, strings.NewReader(doc.Markdown)); err != nil {
		return &database.PersistenceError{Op: "store report markdown", Err: err}
	}
	if err := s.storage.PutObject(ctx, s.bucket, pdfKey, bytes.NewReader(pdf)); err != nil {
		return &database.PersistenceError{Op: "store report pdf", Err: err}
	}

	updates := map[string]any{
		"status":          database.JobCompleted,
		"title":           doc.Title,
		"markdown":        doc.Markdown,
		"markdown_key":    markdownKey,
		"pdf_key":         pdfKey,
		"analysis_id":     analysis.Id,
		"completion_time": time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Model(&database.Report{Id: record.Id}).Updates(updates).Error; err != nil {
		return &database.PersistenceError{Op: "save report", Err: err}
	}

	return nil
}

func patientInfo(p *database.Patient) PatientInfo {
	info := PatientInfo{Name: p.Name, Age: p.Age, Gender: p.Gender, History: []HistoryEntry{}}

	for _, record := range p.MedicalRecords {
		entry := HistoryEntry{
			Condition:     record.Condition,
			DiagnosisDate: record.DiagnosisDate.Format(time.DateOnly),
			Treatment:     record.Treatment,
		}
		for _, med := range record.Medications {
			m := Medication{Name: med.MedicationName, Dosage: med.Dosage, StartDate: med.StartDate.Format(time.DateOnly)}
			if med.EndDate.Valid {
				m.EndDate = med.EndDate.Time.Format(time.DateOnly)
			}
			entry.Medications = append(entry.Medications, m)
		}
		info.History = append(info.History, entry)
	}

	return info
}
