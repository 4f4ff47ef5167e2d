package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"medassist-backend/internal/config"
	"medassist-backend/internal/database"
	"medassist-backend/internal/llm"
	"medassist-backend/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testBucket = "medassist"

type fixture struct {
	db      *gorm.DB
	store   *storage.LocalProvider
	patient database.Patient
	doctor  database.Doctor
}

func newFixture(t *testing.T) fixture {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())

	store, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)

	patient := database.Patient{
		Id: uuid.New(), Name: "Jane Doe", Age: 54, Gender: "female", Email: "jane@example.com", PasswordHash: "x",
		MedicalRecords: []database.MedicalRecord{{
			Id:            uuid.New(),
			Condition:     "migraine",
			DiagnosisDate: time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
			Treatment:     "analgesics",
			Medications: []database.Medication{{
				Id: uuid.New(), MedicationName: "sumatriptan", Dosage: "50mg", StartDate: time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
			}},
		}},
	}
	require.NoError(t, db.Create(&patient).Error)

	doctor := database.Doctor{Id: uuid.New(), Name: "Dr. House", Specialization: "Neurology", Email: "house@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(&doctor).Error)

	return fixture{db: db, store: store, patient: patient, doctor: doctor}
}

func (f fixture) completedAnalysis(t *testing.T) database.MRIAnalysis {
	details, err := json.Marshal(testInput().MRIDetails)
	require.NoError(t, err)
	findings, err := json.Marshal(testInput().Findings)
	require.NoError(t, err)

	analysis := database.MRIAnalysis{
		Id: uuid.New(), PatientId: f.patient.Id, Status: database.JobCompleted,
		Details: datatypes.JSON(details), Findings: datatypes.JSON(findings), CreationTime: time.Now(),
	}
	require.NoError(t, f.db.Create(&analysis).Error)
	return analysis
}

func (f fixture) queuedReport(t *testing.T, analysisId uuid.NullUUID) database.Report {
	record := database.Report{
		Id: uuid.New(), PatientId: f.patient.Id, DoctorId: f.doctor.Id, AnalysisId: analysisId,
		Status: database.JobQueued, CreationTime: time.Now(),
	}
	require.NoError(t, f.db.Create(&record).Error)
	return record
}

func TestServiceGenerate(t *testing.T) {
	f := newFixture(t)
	analysis := f.completedAnalysis(t)
	record := f.queuedReport(t, uuid.NullUUID{})

	var prompt string
	composer := NewComposer(llm.CompleterFunc(func(ctx context.Context, p string) (string, error) {
		prompt = p
		return fencedResponse(reportBody), nil
	}), config.DefaultPipelineConfig())

	service := NewService(f.db, f.store, testBucket, composer)
	require.NoError(t, service.Generate(context.Background(), record.Id))

	assert.Contains(t, prompt, "sumatriptan")
	assert.Contains(t, prompt, "Dr. House")

	var saved database.Report
	require.NoError(t, f.db.First(&saved, "id = ?", record.Id).Error)
	assert.Equal(t, database.JobCompleted, saved.Status)
	assert.Equal(t, reportBody, saved.Markdown)
	assert.Equal(t, analysis.Id, saved.AnalysisId.UUID)
	require.True(t, saved.PdfKey.Valid)
	require.True(t, saved.MarkdownKey.Valid)

	pdf, err := f.store.GetObject(context.Background(), testBucket, saved.PdfKey.String)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))

	md, err := f.store.GetObject(context.Background(), testBucket, saved.MarkdownKey.String)
	require.NoError(t, err)
	assert.Equal(t, reportBody, string(md))
}

func TestServiceGenerateWithoutAnalysis(t *testing.T) {
	f := newFixture(t)
	record := f.queuedReport(t, uuid.NullUUID{})

	composer := NewComposer(llm.CompleterFunc(func(ctx context.Context, p string) (string, error) {
		return "", errors.New("must not be called")
	}), config.DefaultPipelineConfig())

	err := NewService(f.db, f.store, testBucket, composer).Generate(context.Background(), record.Id)
	var missing *MissingAnalysisError
	require.ErrorAs(t, err, &missing)

	var saved database.Report
	require.NoError(t, f.db.First(&saved, "id = ?", record.Id).Error)
	assert.Equal(t, database.JobFailed, saved.Status)
}

func TestServiceGenerateBadResponseStoresNothing(t *testing.T) {
	f := newFixture(t)
	analysis := f.completedAnalysis(t)
	record := f.queuedReport(t, uuid.NullUUID{UUID: analysis.Id, Valid: true})

	composer := NewComposer(llm.CompleterFunc(func(ctx context.Context, p string) (string, error) {
		return "I cannot help with that.", nil
	}), config.DefaultPipelineConfig())

	err := NewService(f.db, f.store, testBucket, composer).Generate(context.Background(), record.Id)
	assert.Error(t, err)

	var saved database.Report
	require.NoError(t, f.db.First(&saved, "id = ?", record.Id).Error)
	assert.Equal(t, database.JobFailed, saved.Status)
	assert.Empty(t, saved.Markdown)
	assert.False(t, saved.PdfKey.Valid)

	objects, err := f.store.ListObjects(context.Background(), testBucket, "")
	require.NoError(t, err)
	assert.Empty(t, objects)
}
