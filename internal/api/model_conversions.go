package api

import (
	"database/sql"
	"encoding/json"
	"time"

	"medassist-backend/internal/core"
	"medassist-backend/internal/database"
	"medassist-backend/pkg/api"

	"github.com/google/uuid"
)

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func rawJSON(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

func convertMedication(name, dosage string, start time.Time, end sql.NullTime) api.Medication {
	return api.Medication{MedicationName: name, Dosage: dosage, StartDate: start, EndDate: nullTime(end)}
}

func convertDoctor(d database.Doctor) api.Doctor {
	monitored := make([]api.MonitoredPatient, 0, len(d.MonitoredPatients))
	for _, mp := range d.MonitoredPatients {
		meds := make([]api.Medication, 0, len(mp.Medications))
		for _, m := range mp.Medications {
			meds = append(meds, convertMedication(m.MedicationName, m.Dosage, m.StartDate, m.EndDate))
		}
		monitored = append(monitored, api.MonitoredPatient{PatientId: mp.PatientId, Name: mp.Name, Medications: meds})
	}

	return api.Doctor{
		Id:                d.Id,
		Name:              d.Name,
		Email:             d.Email,
		Phone:             d.Phone,
		Specialization:    d.Specialization,
		Hospital:          d.Hospital,
		MonitoredPatients: monitored,
	}
}

func convertPatient(p database.Patient) api.Patient {
	records := make([]api.MedicalRecord, 0, len(p.MedicalRecords))
	for _, r := range p.MedicalRecords {
		meds := make([]api.Medication, 0, len(r.Medications))
		for _, m := range r.Medications {
			meds = append(meds, convertMedication(m.MedicationName, m.Dosage, m.StartDate, m.EndDate))
		}
		records = append(records, api.MedicalRecord{
			Condition:     r.Condition,
			DiagnosisDate: r.DiagnosisDate,
			Treatment:     r.Treatment,
			Medications:   meds,
		})
	}

	doctors := make([]uuid.UUID, 0, len(p.Doctors))
	for _, d := range p.Doctors {
		doctors = append(doctors, d.DoctorId)
	}

	reports := make([]api.ReportSummary, 0, len(p.Reports))
	for _, r := range p.Reports {
		reports = append(reports, api.ReportSummary{Id: r.Id, Title: r.Title, Status: r.Status, CreationTime: r.CreationTime})
	}

	return api.Patient{
		Id:             p.Id,
		Name:           p.Name,
		Age:            p.Age,
		Gender:         p.Gender,
		Phone:          p.Phone,
		Email:          p.Email,
		Address:        p.Address,
		MedicalRecords: records,
		DoctorIds:      doctors,
		Reports:        reports,
	}
}

func convertAnalysis(a database.MRIAnalysis) api.Analysis {
	out := api.Analysis{
		Id:             a.Id,
		PatientId:      a.PatientId,
		Status:         a.Status,
		Error:          a.Error.String,
		MRIDetails:     rawJSON(a.Details),
		Findings:       rawJSON(a.Findings),
		CreationTime:   a.CreationTime,
		CompletionTime: nullTime(a.CompletionTime),
	}
	if a.SegmentationKey.Valid {
		out.SegmentationUrl = fileUrl(a.SegmentationKey.String)
	}
	return out
}

func convertReport(r database.Report) api.Report {
	out := api.Report{
		Id:             r.Id,
		PatientId:      r.PatientId,
		DoctorId:       r.DoctorId,
		Status:         r.Status,
		Error:          r.Error.String,
		Title:          r.Title,
		Markdown:       r.Markdown,
		CreationTime:   r.CreationTime,
		CompletionTime: nullTime(r.CompletionTime),
	}
	if r.AnalysisId.Valid {
		id := r.AnalysisId.UUID
		out.AnalysisId = &id
	}
	if r.MarkdownKey.Valid {
		out.MarkdownUrl = fileUrl(r.MarkdownKey.String)
	}
	if r.PdfKey.Valid {
		out.PdfUrl = fileUrl(r.PdfKey.String)
	}
	return out
}

func convertChatHistory(items []database.ChatHistory) []api.ChatHistoryItem {
	out := make([]api.ChatHistoryItem, 0, len(items))
	for _, item := range items {
		out = append(out, api.ChatHistoryItem{
			MessageType: item.MessageType,
			Content:     item.Content,
			Timestamp:   item.Timestamp,
			Metadata:    rawJSON(item.Metadata),
		})
	}
	return out
}

func convertDetections(dets []core.Detection) []api.Detection {
	out := make([]api.Detection, 0, len(dets))
	for _, d := range dets {
		out = append(out, api.Detection{Box: d.Box, Confidence: d.Confidence, Class: d.Class, Label: d.Label})
	}
	return out
}
