package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"medassist-backend/internal/config"
	"medassist-backend/internal/core"
	"medassist-backend/internal/database"
	"medassist-backend/internal/messaging"
	"medassist-backend/internal/storage"
	"medassist-backend/internal/volume"
	"medassist-backend/pkg/api"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// uploadField is the multipart field of the single volume in duplicate mode.
const uploadField = "volume"

type upload struct {
	channel string
	ext     string
	data    []byte
	volume  *volume.Volume
}

func volumeExtension(filename string) (string, bool) {
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".nii.gz"):
		return "nii.gz", true
	case strings.HasSuffix(name, ".nii"):
		return "nii", true
	default:
		return "", false
	}
}

func (s *BackendService) uploadFields() []string {
	if s.channelMode == config.ChannelModeDistinct {
		return s.channels
	}
	return []string{uploadField}
}

func (s *BackendService) readUploads(r *http.Request) ([]upload, error) {
	var uploads []upload
	for _, field := range s.uploadFields() {
		file, header, err := r.FormFile(field)
		if err != nil {
			if errors.Is(err, http.ErrMissingFile) {
				return nil, CodedErrorf(http.StatusBadRequest, "missing volume file %q", field)
			}
			return nil, CodedErrorf(http.StatusBadRequest, "error reading volume file %q: %v", field, err)
		}

		ext, ok := volumeExtension(header.Filename)
		if !ok {
			file.Close()
			return nil, CodedErrorf(http.StatusBadRequest, "invalid file %q: only .nii and .nii.gz volumes are accepted", header.Filename)
		}

		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "error reading volume file %q: %v", field, err)
		}

		v, err := volume.ReadLimit(bytes.NewReader(data), s.maxVoxels)
		if err != nil {
			var formatErr *volume.FormatError
			if errors.As(err, &formatErr) {
				formatErr.Path = header.Filename
			}
			return nil, DomainError(err)
		}

		uploads = append(uploads, upload{channel: field, ext: ext, data: data, volume: v})
	}
	return uploads, nil
}

func (s *BackendService) SubmitAnalysis(r *http.Request) (any, error) {
	if err := r.ParseMultipartForm(s.maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, CodedErrorf(http.StatusRequestEntityTooLarge, "upload exceeds the limit of %d bytes", tooLarge.Limit)
		}
		return nil, CodedErrorf(http.StatusBadRequest, "error parsing multipart form: %v", err)
	}

	patientId, err := uuid.Parse(r.FormValue("patient_id"))
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid patient_id: %v", err)
	}

	ctx := r.Context()

	var patient database.Patient
	if err := s.db.WithContext(ctx).First(&patient, "id = ?", patientId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "patient %s not found", patientId)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving patient record")
	}

	uploads, err := s.readUploads(r)
	if err != nil {
		return nil, err
	}

	volumes := make(map[string]*volume.Volume, len(uploads))
	for _, u := range uploads {
		volumes[u.channel] = u.volume
	}
	if _, err := core.ChannelSources(s.channelMode, s.channels, volumes); err != nil {
		return nil, DomainError(err)
	}

	analysisId := uuid.New()
	now := time.Now().UTC()

	keys := make(map[string]string, len(uploads))
	for _, u := range uploads {
		key := storage.PatientObjectKey(patientId, "upload-"+u.channel, analysisId, u.ext, now)
		if err := s.storage.PutObject(ctx, s.bucket, key, bytes.NewReader(u.data)); err != nil {
			slog.Error("error storing upload", "patient_id", patientId, "key", key, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to store uploaded volume")
		}
		keys[u.channel] = key
	}

	keysJson, err := json.Marshal(keys)
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error encoding upload keys: %w", err))
	}

	analysis := database.MRIAnalysis{
		Id:           analysisId,
		PatientId:    patientId,
		Status:       database.JobQueued,
		UploadKeys:   datatypes.JSON(keysJson),
		CreationTime: now,
	}
	if err := s.db.WithContext(ctx).Create(&analysis).Error; err != nil {
		slog.Error("error creating analysis", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create analysis entry")
	}

	if err := s.publisher.PublishAnalysisTask(ctx, messaging.AnalysisTaskPayload{AnalysisId: analysisId}); err != nil {
		slog.Error("error publishing analysis task", "analysis_id", analysisId, "error", err)
		database.FailAnalysis(ctx, s.db, analysisId, err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue analysis")
	}

	slog.Info("submitted mri analysis", "analysis_id", analysisId, "patient_id", patientId)
	return api.CreateAnalysisResponse{AnalysisId: analysisId, Status: database.JobQueued}, nil
}

func (s *BackendService) GetAnalysis(r *http.Request) (any, error) {
	analysisId, err := URLParamUUID(r, "analysis_id")
	if err != nil {
		return nil, err
	}

	var analysis database.MRIAnalysis
	if err := s.db.WithContext(r.Context()).First(&analysis, "id = ?", analysisId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "analysis %s not found", analysisId)
		}
		slog.Error("error getting analysis", "analysis_id", analysisId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving analysis record")
	}

	if err := authorizePatient(r, analysis.PatientId); err != nil {
		return nil, err
	}

	return convertAnalysis(analysis), nil
}
