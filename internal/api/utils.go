package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"medassist-backend/internal/auth"
	"medassist-backend/internal/chat"
	"medassist-backend/internal/core"
	"medassist-backend/internal/core/utils"
	"medassist-backend/internal/report"
	"medassist-backend/internal/storage"
	"medassist-backend/internal/volume"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/schema"
	"gorm.io/gorm"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(code int, err error) error {
	return &codedError{err: err, code: code}
}

func CodedErrorf(code int, format string, args ...any) error {
	return &codedError{err: fmt.Errorf(format, args...), code: code}
}

// DomainError assigns a status code to errors coming out of the pipeline,
// report and chat packages.
func DomainError(err error) error {
	var (
		cerr       *codedError
		formatErr  *volume.FormatError
		imageErr   *core.ImageFormatError
		channelErr *core.ChannelError
		degenerate *core.DegenerateInputError
		sliceErr   *core.SliceIndexError
		missing    *report.MissingAnalysisError
		modelErr   *core.ModelInvocationError
		genErr     *report.GenerationError
		fenceErr   *utils.TemplateExtractionError
		retrieval  *chat.RetrievalError
	)

	switch {
	case errors.As(err, &cerr):
		return err
	case errors.Is(err, chat.ErrSessionForbidden):
		return CodedError(http.StatusForbidden, err)
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, storage.ErrObjectNotFound):
		return CodedError(http.StatusNotFound, err)
	case errors.As(err, &formatErr), errors.As(err, &imageErr), errors.As(err, &channelErr), errors.Is(err, chat.ErrEmptyQuery):
		return CodedError(http.StatusBadRequest, err)
	case errors.As(err, &degenerate), errors.As(err, &sliceErr), errors.As(err, &missing):
		return CodedError(http.StatusUnprocessableEntity, err)
	case errors.As(err, &modelErr), errors.As(err, &genErr), errors.As(err, &fenceErr), errors.As(err, &retrieval):
		return CodedError(http.StatusBadGateway, err)
	default:
		return CodedError(http.StatusInternalServerError, err)
	}
}

func ParseRequest[T any](r *http.Request) (T, error) {
	var data T
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		slog.Error("error parsing request body", "error", err)
		return data, CodedErrorf(http.StatusBadRequest, "unable to parse request body")
	}
	return data, nil
}

func ParseRequestQueryParams[T any](r *http.Request) (T, error) {
	var data T
	if err := r.ParseForm(); err != nil {
		slog.Error("error parsing form", "error", err)
		return data, CodedErrorf(http.StatusBadRequest, "unable to parse request query params")
	}

	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(&data, r.Form); err != nil {
		slog.Error("error decoding query params", "error", err)
		return data, CodedErrorf(http.StatusBadRequest, "unable to parse request query params")
	}

	return data, nil
}

func writeError(w http.ResponseWriter, err error) {
	var cerr *codedError
	if errors.As(err, &cerr) {
		http.Error(w, err.Error(), cerr.code)
		if cerr.code == http.StatusInternalServerError {
			slog.Error("internal server error received in endpoint", "error", err)
		}
	} else {
		slog.Error("recieved non coded error from endpoint", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// LimitBody caps the request body at limit bytes. Reads past the cap fail with
// *http.MaxBytesError.
func LimitBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

func RestHandler(handler func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := handler(r)
		if err != nil {
			writeError(w, err)
			return
		}

		if res == nil {
			res = struct{}{}
		}

		WriteJsonResponse(w, res)
	}
}

// FileResponse is streamed to the client as is instead of being encoded as json.
type FileResponse struct {
	Name        string
	ContentType string
	Attachment  bool
	Body        io.ReadCloser
}

func FileHandler(handler func(r *http.Request) (*FileResponse, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, err := handler(r)
		if err != nil {
			writeError(w, err)
			return
		}
		defer file.Body.Close()

		w.Header().Set("Content-Type", file.ContentType)
		disposition := "inline"
		if file.Attachment {
			disposition = "attachment"
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, file.Name))
		w.WriteHeader(http.StatusOK)

		if _, err := io.Copy(w, file.Body); err != nil {
			slog.Error("error streaming file response", "file", file.Name, "error", err)
		}
	}
}

func WriteJsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(data)
	if err != nil {
		slog.Error("error serializing response body", "error", err)
		http.Error(w, fmt.Sprintf("error serializing response body: %v", err), http.StatusInternalServerError)
	}
}

func URLParamUUID(r *http.Request, key string) (uuid.UUID, error) {
	param := chi.URLParam(r, key)

	if len(param) == 0 {
		return uuid.Nil, CodedErrorf(http.StatusBadRequest, "missing {%v} url parameter", key)
	}

	id, err := uuid.Parse(param)
	if err != nil {
		return uuid.Nil, CodedErrorf(http.StatusBadRequest, "invalid uuid '%v' url parameter provided: %w", key, err)
	}

	return id, nil
}

// authorizePatient allows doctors to see any patient and patients to see only
// themselves.
func authorizePatient(r *http.Request, patientId uuid.UUID) error {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return CodedErrorf(http.StatusUnauthorized, "missing credentials")
	}
	if id.Role == auth.RolePatient && id.UserId != patientId {
		return CodedErrorf(http.StatusForbidden, "patients may only access their own records")
	}
	return nil
}

func fileUrl(key string) string {
	return "/files/" + key
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(key, ".md"):
		return "text/markdown; charset=utf-8"
	case strings.HasSuffix(key, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func baseName(key string) string {
	return path.Base(key)
}
