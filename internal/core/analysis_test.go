package core

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"medassist-backend/internal/database"
	"medassist-backend/internal/storage"
	"medassist-backend/internal/volume"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testBucket = "medassist"

func setupAnalysis(t *testing.T, upload []byte) (*gorm.DB, *storage.LocalProvider, database.MRIAnalysis) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())

	store, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)

	patient := database.Patient{Id: uuid.New(), Name: "Jane", Email: "jane@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(&patient).Error)

	uploadKey := storage.PatientObjectKey(patient.Id, "upload-volume", uuid.New(), "nii.gz", time.Now())
	require.NoError(t, store.PutObject(context.Background(), testBucket, uploadKey, bytes.NewReader(upload)))

	keys, err := json.Marshal(map[string]string{"volume": uploadKey})
	require.NoError(t, err)

	analysis := database.MRIAnalysis{
		Id:           uuid.New(),
		PatientId:    patient.Id,
		Status:       database.JobQueued,
		UploadKeys:   datatypes.JSON(keys),
		CreationTime: time.Now(),
	}
	require.NoError(t, db.Create(&analysis).Error)

	return db, store, analysis
}

func encodeVolume(t *testing.T, v *volume.Volume) []byte {
	var buf bytes.Buffer
	require.NoError(t, volume.Write(&buf, v, true))
	return buf.Bytes()
}

func TestAnalysisRunner(t *testing.T) {
	db, store, analysis := setupAnalysis(t, encodeVolume(t, hotspotVolume()))

	pipeline := NewPipeline(smallPipelineConfig(), &thresholdModel{classes: 4, hot: 3, threshold: 0.5})
	runner := NewAnalysisRunner(db, store, testBucket, pipeline)

	require.NoError(t, runner.Run(context.Background(), analysis.Id))

	var saved database.MRIAnalysis
	require.NoError(t, db.First(&saved, "id = ?", analysis.Id).Error)
	assert.Equal(t, database.JobCompleted, saved.Status)
	require.True(t, saved.SegmentationKey.Valid)

	var findings FindingsSummary
	require.NoError(t, json.Unmarshal(saved.Findings, &findings))
	assert.True(t, findings.AbnormalitiesDetected)
	assert.Equal(t, 1, findings.Classes[2].Voxels)

	var details volume.Details
	require.NoError(t, json.Unmarshal(saved.Details, &details))
	assert.Equal(t, []int{4, 4, 2}, details.Dimensions)

	data, err := store.GetObject(context.Background(), testBucket, saved.SegmentationKey.String)
	require.NoError(t, err)
	labels, err := volume.Read(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, volume.Uint8, labels.DataType)
	assert.Equal(t, 3.0, labels.At(1, 1, 0, 0))
}

func TestAnalysisRunnerFailureWritesNothing(t *testing.T) {
	empty := volume.New(4, 4, 2, [3]float64{1, 1, 1}, volume.Float32)
	db, store, analysis := setupAnalysis(t, encodeVolume(t, empty))

	pipeline := NewPipeline(smallPipelineConfig(), &thresholdModel{classes: 4, hot: 3, threshold: 0.5})
	runner := NewAnalysisRunner(db, store, testBucket, pipeline)

	err := runner.Run(context.Background(), analysis.Id)
	var derr *DegenerateInputError
	require.ErrorAs(t, err, &derr)

	var saved database.MRIAnalysis
	require.NoError(t, db.First(&saved, "id = ?", analysis.Id).Error)
	assert.Equal(t, database.JobFailed, saved.Status)
	assert.NotEmpty(t, saved.Error.String)
	assert.False(t, saved.SegmentationKey.Valid)

	objects, err := store.ListObjects(context.Background(), testBucket, storage.PatientPrefix(analysis.PatientId))
	require.NoError(t, err)
	assert.Len(t, objects, 1, "only the upload should exist")
}

func TestAnalysisRunnerRejectsInvalidUpload(t *testing.T) {
	db, store, analysis := setupAnalysis(t, []byte("definitely not nifti"))

	runner := NewAnalysisRunner(db, store, testBucket, NewPipeline(smallPipelineConfig(), &fixedModel{}))

	err := runner.Run(context.Background(), analysis.Id)
	var ferr *volume.FormatError
	require.ErrorAs(t, err, &ferr)
	assert.Contains(t, ferr.Path, "upload-volume")
}
