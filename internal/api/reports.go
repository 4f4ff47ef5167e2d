package api

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"medassist-backend/internal/auth"
	"medassist-backend/internal/database"
	"medassist-backend/internal/messaging"
	"medassist-backend/internal/report"
	"medassist-backend/internal/storage"
	"medassist-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (s *BackendService) CreateReport(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateReportRequest](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	// Reports are always authored by the calling doctor.
	caller, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return nil, CodedErrorf(http.StatusUnauthorized, "missing credentials")
	}
	if req.DoctorId == uuid.Nil {
		req.DoctorId = caller.UserId
	} else if req.DoctorId != caller.UserId {
		return nil, CodedErrorf(http.StatusForbidden, "doctors may only create reports under their own id")
	}

	var patient database.Patient
	if err := s.db.WithContext(ctx).First(&patient, "id = ?", req.PatientId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "patient %s not found", req.PatientId)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving patient record")
	}
	if _, err := s.getDoctor(ctx, req.DoctorId); err != nil {
		return nil, err
	}

	record := database.Report{
		Id:           uuid.New(),
		PatientId:    req.PatientId,
		DoctorId:     req.DoctorId,
		Exam:         req.Exam,
		Status:       database.JobQueued,
		CreationTime: time.Now().UTC(),
	}
	if req.AnalysisId != nil {
		record.AnalysisId = uuid.NullUUID{UUID: *req.AnalysisId, Valid: true}
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		slog.Error("error creating report", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create report entry")
	}

	if req.Async {
		if err := s.publisher.PublishReportTask(ctx, messaging.ReportTaskPayload{ReportId: record.Id}); err != nil {
			slog.Error("error publishing report task", "report_id", record.Id, "error", err)
			database.FailReport(ctx, s.db, record.Id, err)
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue report")
		}
		slog.Info("queued report", "report_id", record.Id, "patient_id", req.PatientId)
		return convertReport(record), nil
	}

	if err := s.reports.Generate(ctx, record.Id); err != nil {
		return nil, DomainError(err)
	}

	saved, err := s.loadReport(r, record.Id)
	if err != nil {
		return nil, err
	}
	return convertReport(saved), nil
}

func (s *BackendService) loadReport(r *http.Request, reportId uuid.UUID) (database.Report, error) {
	var record database.Report
	if err := s.db.WithContext(r.Context()).First(&record, "id = ?", reportId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return record, CodedErrorf(http.StatusNotFound, "report %s not found", reportId)
		}
		slog.Error("error getting report", "report_id", reportId, "error", err)
		return record, CodedErrorf(http.StatusInternalServerError, "error retrieving report record")
	}

	if err := authorizePatient(r, record.PatientId); err != nil {
		return record, err
	}
	return record, nil
}

func (s *BackendService) completedReportPdf(r *http.Request) (database.Report, error) {
	reportId, err := URLParamUUID(r, "report_id")
	if err != nil {
		return database.Report{}, err
	}

	record, err := s.loadReport(r, reportId)
	if err != nil {
		return record, err
	}
	if record.Status != database.JobCompleted || !record.PdfKey.Valid {
		return record, CodedErrorf(http.StatusConflict, "report %s is not ready: status %s", reportId, record.Status)
	}
	return record, nil
}

func (s *BackendService) GetReport(r *http.Request) (any, error) {
	reportId, err := URLParamUUID(r, "report_id")
	if err != nil {
		return nil, err
	}

	record, err := s.loadReport(r, reportId)
	if err != nil {
		return nil, err
	}
	return convertReport(record), nil
}

func (s *BackendService) DownloadReport(r *http.Request) (*FileResponse, error) {
	record, err := s.completedReportPdf(r)
	if err != nil {
		return nil, err
	}

	body, err := s.storage.GetObjectStream(r.Context(), s.bucket, record.PdfKey.String)
	if err != nil {
		return nil, DomainError(err)
	}

	return &FileResponse{Name: baseName(record.PdfKey.String), ContentType: "application/pdf", Attachment: true, Body: body}, nil
}

func (s *BackendService) PreviewReport(r *http.Request) (*FileResponse, error) {
	record, err := s.completedReportPdf(r)
	if err != nil {
		return nil, err
	}

	pdf, err := s.storage.GetObject(r.Context(), s.bucket, record.PdfKey.String)
	if err != nil {
		return nil, DomainError(err)
	}

	png, err := report.Preview(pdf)
	if err != nil {
		slog.Error("error rendering report preview", "report_id", record.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error rendering report preview")
	}

	name := strings.TrimSuffix(baseName(record.PdfKey.String), ".pdf") + ".png"
	return &FileResponse{Name: name, ContentType: "image/png", Body: io.NopCloser(bytes.NewReader(png))}, nil
}

func (s *BackendService) GetFile(r *http.Request) (*FileResponse, error) {
	key := chi.URLParam(r, "*")
	if !storage.ValidKey(key) {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid file key %q", key)
	}

	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 || parts[0] != "patients" {
		return nil, CodedErrorf(http.StatusNotFound, "file %s not found", key)
	}
	patientId, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, CodedErrorf(http.StatusNotFound, "file %s not found", key)
	}
	if err := authorizePatient(r, patientId); err != nil {
		return nil, err
	}

	body, err := s.storage.GetObjectStream(r.Context(), s.bucket, key)
	if err != nil {
		return nil, DomainError(err)
	}

	return &FileResponse{Name: baseName(key), ContentType: contentType(key), Body: body}, nil
}
