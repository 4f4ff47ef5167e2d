package api

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"medassist-backend/internal/auth"
	"medassist-backend/internal/core"
	"medassist-backend/pkg/api"

	"github.com/go-chi/chi/v5"
)

const imageField = "file"

type VisionService struct {
	detector      *core.Detector
	maxUploadSize int64
}

func NewVisionService(detector *core.Detector, maxUploadSize int64) *VisionService {
	return &VisionService{detector: detector, maxUploadSize: maxUploadSize}
}

func (s *VisionService) AddRoutes(r chi.Router) {
	r.Route("/vision", func(r chi.Router) {
		r.Use(auth.RequireRole(auth.RoleDoctor), LimitBody(s.maxUploadSize))
		r.Post("/analyze-mri", RestHandler(s.AnalyzeImage))
		r.Post("/analyze-mri/annotated", FileHandler(s.AnnotatedImage))
	})
}

func imageExtension(filename string) bool {
	name := strings.ToLower(filename)
	return strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, ".jpeg") || strings.HasSuffix(name, ".png")
}

type imageAnalysis struct {
	result    *core.DetectionResult
	annotated []byte
}

func (s *VisionService) analyze(r *http.Request) (*imageAnalysis, error) {
	if err := r.ParseMultipartForm(s.maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, CodedErrorf(http.StatusRequestEntityTooLarge, "upload exceeds the limit of %d bytes", tooLarge.Limit)
		}
		return nil, CodedErrorf(http.StatusBadRequest, "error parsing multipart form: %v", err)
	}

	file, header, err := r.FormFile(imageField)
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "missing image file %q", imageField)
	}
	defer file.Close()

	if !imageExtension(header.Filename) {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid file %q: only jpg, jpeg and png images are accepted", header.Filename)
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "error reading image file: %v", err)
	}

	img, err := core.DecodeImage(bytes.NewReader(data))
	if err != nil {
		return nil, DomainError(err)
	}

	result, err := s.detector.Detect(r.Context(), img)
	if err != nil {
		slog.Error("error running image detection", "file", header.Filename, "error", err)
		return nil, DomainError(err)
	}

	var annotated bytes.Buffer
	if err := png.Encode(&annotated, core.Annotate(img, result.Detections)); err != nil {
		slog.Error("error encoding annotated image", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to render annotated image")
	}

	slog.Info("analyzed image", "file", header.Filename, "detections", len(result.Detections))
	return &imageAnalysis{result: result, annotated: annotated.Bytes()}, nil
}

func (s *VisionService) AnalyzeImage(r *http.Request) (any, error) {
	res, err := s.analyze(r)
	if err != nil {
		return nil, err
	}

	return api.ImageAnalysisResponse{
		Analysis: api.ImageAnalysis{
			Detections:     convertDetections(res.result.Detections),
			ImageSize:      [2]int{res.result.Height, res.result.Width},
			AnnotatedImage: base64.StdEncoding.EncodeToString(res.annotated),
		},
		Report: core.DetectionReport(res.result, time.Now().UTC()),
	}, nil
}

// AnnotatedImage returns only the annotated PNG.
func (s *VisionService) AnnotatedImage(r *http.Request) (*FileResponse, error) {
	res, err := s.analyze(r)
	if err != nil {
		return nil, err
	}

	return &FileResponse{
		Name:        "annotated_image.png",
		ContentType: "image/png",
		Body:        io.NopCloser(bytes.NewReader(res.annotated)),
	}, nil
}
