package api_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	backend "medassist-backend/internal/api"
	"medassist-backend/internal/auth"
	"medassist-backend/internal/config"
	"medassist-backend/internal/core"
	"medassist-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oneBox reports a single tumour centred in the letterboxed input.
type oneBox struct{}

func (oneBox) Detect(ctx context.Context, input *core.ImageTensor) (*core.DetectionOutput, error) {
	half := float32(input.Size) / 2
	return &core.DetectionOutput{Attributes: 5, Anchors: 1, Data: []float32{half, half, 64, 64, 0.92}}, nil
}

func (oneBox) Release() {}

func newVisionEnv(t *testing.T, maxUploadSize int64) *testEnv {
	issuer := auth.NewTokenIssuer("test-secret", time.Hour)
	detector := core.NewDetector(config.DefaultPipelineConfig(), oneBox{})

	router := chi.NewRouter()
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(issuer))
		backend.NewVisionService(detector, maxUploadSize).AddRoutes(r)
	})
	return &testEnv{issuer: issuer, router: router}
}

func encodedImage(t *testing.T, w, h int) []byte {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 80
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (e *testEnv) uploadImage(t *testing.T, path, token, filename string, data []byte) *httptest.ResponseRecorder {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestAnalyzeImage(t *testing.T) {
	env := newVisionEnv(t, 32<<20)
	doctorToken := env.token(t, uuid.New(), auth.RoleDoctor)

	// 640x320 maps 1:1 onto the 640 input with 160 rows of padding
	rec := env.uploadImage(t, "/vision/analyze-mri", doctorToken, "slice.png", encodedImage(t, 640, 320))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[api.ImageAnalysisResponse](t, rec)
	assert.Equal(t, [2]int{320, 640}, res.Analysis.ImageSize)
	require.Len(t, res.Analysis.Detections, 1)
	det := res.Analysis.Detections[0]
	assert.Equal(t, "tumor", det.Label)
	assert.InDelta(t, 0.92, det.Confidence, 1e-6)
	assert.InDeltaSlice(t, []float64{288, 128, 352, 192}, det.Box[:], 1e-6)
	assert.Contains(t, res.Report, "- tumor (confidence 0.92)")

	data, err := base64.StdEncoding.DecodeString(res.Analysis.AnnotatedImage)
	require.NoError(t, err)
	annotated, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 640, 320), annotated.Bounds())
	r, _, _, _ := annotated.At(320, 191).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, color.RGBAModel.Convert(color.Gray{Y: 80}), color.RGBAModel.Convert(annotated.At(320, 160)))

	t.Run("AnnotatedOnly", func(t *testing.T) {
		rec := env.uploadImage(t, "/vision/analyze-mri/annotated", doctorToken, "slice.jpg", encodedImage(t, 64, 64))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		_, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
		assert.NoError(t, err)
	})

	t.Run("WrongExtension", func(t *testing.T) {
		rec := env.uploadImage(t, "/vision/analyze-mri", doctorToken, "slice.nii", encodedImage(t, 8, 8))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("NotAnImage", func(t *testing.T) {
		rec := env.uploadImage(t, "/vision/analyze-mri", doctorToken, "slice.png", []byte("plain text"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("PatientForbidden", func(t *testing.T) {
		rec := env.uploadImage(t, "/vision/analyze-mri", env.token(t, uuid.New(), auth.RolePatient), "slice.png", encodedImage(t, 8, 8))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestAnalyzeImageBodyLimit(t *testing.T) {
	env := newVisionEnv(t, 256)

	rec := env.uploadImage(t, "/vision/analyze-mri", env.token(t, uuid.New(), auth.RoleDoctor), "slice.png", bytes.Repeat([]byte{1}, 4096))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
