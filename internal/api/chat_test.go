package api_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	backend "medassist-backend/internal/api"
	"medassist-backend/internal/auth"
	"medassist-backend/internal/chat"
	"medassist-backend/internal/config"
	"medassist-backend/internal/core"
	"medassist-backend/internal/core/utils"
	"medassist-backend/internal/database"
	"medassist-backend/internal/llm"
	"medassist-backend/internal/report"
	"medassist-backend/internal/storage"
	"medassist-backend/internal/volume"
	"medassist-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type passages []string

func (p passages) Search(ctx context.Context, query string, topK int) ([]string, error) {
	return p, nil
}

func newChatEnv(t *testing.T, reply string) *testEnv {
	db := createDB(t)

	completer := llm.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		if strings.HasPrefix(prompt, "Determine if the following query") {
			return "Yes", nil
		}
		return reply, nil
	})
	assistant := chat.NewAssistant(completer, passages{"Gliomas arise from glial cells."}, 3, config.DefaultPipelineConfig())

	issuer := auth.NewTokenIssuer("test-secret", time.Hour)
	router := chi.NewRouter()
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(issuer))
		backend.NewChatService(chat.NewService(db, assistant, 16)).AddRoutes(r)
	})
	return &testEnv{db: db, issuer: issuer, router: router}
}

func TestChat(t *testing.T) {
	env := newChatEnv(t, "```markdown\n**Gliomas** arise from glial cells.\n```")
	token := env.token(t, uuid.New(), auth.RolePatient)

	rec := env.do(t, http.MethodPost, "/rag/chat", token, api.ChatRequest{SessionId: "session-1", Query: "What is a glioma?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.ChatResponse](t, rec)
	assert.Equal(t, "session-1", res.SessionId)
	assert.Equal(t, "**Gliomas** arise from glial cells.", res.Response)
	assert.True(t, res.Medical)

	rec = env.do(t, http.MethodGet, "/rag/chat/session-1/history", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]api.ChatHistoryItem](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, chat.MessageUser, history[0].MessageType)
	assert.Equal(t, "What is a glioma?", history[0].Content)
	assert.Equal(t, chat.MessageAI, history[1].MessageType)
	assert.JSONEq(t, `{"medical": true, "passages": ["Gliomas arise from glial cells."]}`, string(history[1].Metadata))

	t.Run("NewSession", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/rag/chat", token, api.ChatRequest{Query: "What is edema?"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, decode[api.ChatResponse](t, rec).SessionId)
	})

	t.Run("EmptyQuery", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/rag/chat", token, api.ChatRequest{Query: "   "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Unauthenticated", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/rag/chat/session-1/history", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestChatSessionsArePrivate(t *testing.T) {
	env := newChatEnv(t, "```markdown\nEdema is swelling.\n```")
	first := env.token(t, uuid.New(), auth.RolePatient)
	second := env.token(t, uuid.New(), auth.RolePatient)

	rec := env.do(t, http.MethodPost, "/rag/chat", first, api.ChatRequest{SessionId: "private", Query: "What is edema?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/rag/chat/private/history", second, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/rag/chat", second, api.ChatRequest{SessionId: "private", Query: "What did they ask?"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/rag/chat/private/history", first, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]api.ChatHistoryItem](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, "What is edema?", history[0].Content)
}

func TestChatUnfencedReply(t *testing.T) {
	env := newChatEnv(t, "Gliomas arise from glial cells.")
	token := env.token(t, uuid.New(), auth.RoleDoctor)

	rec := env.do(t, http.MethodPost, "/rag/chat", token, api.ChatRequest{SessionId: "s", Query: "What is a glioma?"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var count int64
	require.NoError(t, env.db.Model(&database.ChatHistory{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDomainError(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&volume.FormatError{Reason: "bad magic"}, http.StatusBadRequest},
		{&core.ChannelError{Reason: "missing channel"}, http.StatusBadRequest},
		{chat.ErrEmptyQuery, http.StatusBadRequest},
		{chat.ErrSessionForbidden, http.StatusForbidden},
		{&core.DegenerateInputError{}, http.StatusUnprocessableEntity},
		{&core.SliceIndexError{}, http.StatusUnprocessableEntity},
		{&report.MissingAnalysisError{Reason: "none"}, http.StatusUnprocessableEntity},
		{&core.ModelInvocationError{Err: errors.New("timeout")}, http.StatusBadGateway},
		{&report.GenerationError{Err: errors.New("quota")}, http.StatusBadGateway},
		{&utils.TemplateExtractionError{Start: "a", End: "b"}, http.StatusBadGateway},
		{&chat.RetrievalError{Err: errors.New("index down")}, http.StatusBadGateway},
		{&database.PersistenceError{Op: "load report", Err: gorm.ErrRecordNotFound}, http.StatusNotFound},
		{fmt.Errorf("read: %w", storage.ErrObjectNotFound), http.StatusNotFound},
		{&database.PersistenceError{Op: "save", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{backend.CodedErrorf(http.StatusTeapot, "tea"), http.StatusTeapot},
	}

	for _, tc := range cases {
		err := backend.DomainError(tc.err)
		assert.Equal(t, tc.code, statusFor(t, err), tc.err.Error())
	}
}

func statusFor(t *testing.T, err error) int {
	router := chi.NewRouter()
	router.Get("/", backend.RestHandler(func(r *http.Request) (any, error) { return nil, err }))
	env := &testEnv{router: router}
	return env.do(t, http.MethodGet, "/", "", nil).Code
}
