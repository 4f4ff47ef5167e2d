package api

import (
	"net/http"

	"medassist-backend/internal/auth"
	"medassist-backend/internal/chat"
	"medassist-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type ChatService struct {
	chat *chat.Service
}

func NewChatService(service *chat.Service) *ChatService {
	return &ChatService{chat: service}
}

func (s *ChatService) AddRoutes(r chi.Router) {
	r.Route("/rag/chat", func(r chi.Router) {
		r.Post("/", RestHandler(s.SendMessage))
		r.Get("/{session_id}/history", RestHandler(s.GetHistory))
	})
}

func (s *ChatService) SendMessage(r *http.Request) (any, error) {
	req, err := ParseRequest[api.ChatRequest](r)
	if err != nil {
		return nil, err
	}

	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil, CodedErrorf(http.StatusUnauthorized, "missing credentials")
	}

	sessionId := req.SessionId
	if sessionId == "" {
		sessionId = uuid.NewString()
	}

	answer, err := s.chat.Chat(r.Context(), id.UserId, sessionId, req.Query)
	if err != nil {
		return nil, DomainError(err)
	}

	return api.ChatResponse{SessionId: sessionId, Response: answer.Content, Medical: answer.Medical}, nil
}

func (s *ChatService) GetHistory(r *http.Request) (any, error) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil, CodedErrorf(http.StatusUnauthorized, "missing credentials")
	}

	sessionId := chi.URLParam(r, "session_id")
	if sessionId == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "missing {session_id} url parameter")
	}

	history, err := s.chat.History(r.Context(), id.UserId, sessionId)
	if err != nil {
		return nil, DomainError(err)
	}

	return convertChatHistory(history), nil
}
