package chat

import (
	"context"
	"errors"
	"fmt"

	"medassist-backend/internal/core/utils"
	"medassist-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	MessageUser = "user"
	MessageAI   = "ai"
)

var ErrSessionForbidden = errors.New("chat session belongs to another user")

// Service runs chat turns and records them. Turns of one session are
// serialized so each question is stored next to its answer.
type Service struct {
	db        *gorm.DB
	assistant *Assistant
	sessions  *utils.MutexMap[string]
}

func NewService(db *gorm.DB, assistant *Assistant, maxSessions int) *Service {
	return &Service{db: db, assistant: assistant, sessions: utils.NewMutexMap[string](maxSessions)}
}

// checkOwner fails with ErrSessionForbidden if the session was opened by a
// different user.
func (s *Service) checkOwner(ctx context.Context, userId uuid.UUID, sessionId string) error {
	owner, ok, err := database.ChatSessionOwner(ctx, s.db, sessionId)
	if err != nil {
		return err
	}
	if ok && owner != userId {
		return ErrSessionForbidden
	}
	return nil
}

func (s *Service) Chat(ctx context.Context, userId uuid.UUID, sessionId, query string) (Answer, error) {
	if err := s.sessions.Lock(sessionId); err != nil {
		return Answer{}, fmt.Errorf("chat is busy: %w", err)
	}
	defer s.sessions.Unlock(sessionId)

	if err := s.checkOwner(ctx, userId, sessionId); err != nil {
		return Answer{}, err
	}

	answer, err := s.assistant.Answer(ctx, query)
	if err != nil {
		return Answer{}, err
	}

	if err := database.SaveChatMessage(ctx, s.db, sessionId, userId, MessageUser, query, nil); err != nil {
		return Answer{}, err
	}
	meta := map[string]any{"medical": answer.Medical, "passages": answer.Passages}
	if err := database.SaveChatMessage(ctx, s.db, sessionId, userId, MessageAI, answer.Content, meta); err != nil {
		return Answer{}, err
	}

	return answer, nil
}

func (s *Service) History(ctx context.Context, userId uuid.UUID, sessionId string) ([]database.ChatHistory, error) {
	if err := s.checkOwner(ctx, userId, sessionId); err != nil {
		return nil, err
	}
	return database.GetChatHistory(ctx, s.db, sessionId, userId)
}
