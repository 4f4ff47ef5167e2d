package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func UpdateAnalysisStatus(ctx context.Context, txn *gorm.DB, analysisId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&MRIAnalysis{Id: analysisId}).Updates(updates).Error; err != nil {
		slog.Error("error updating analysis status", "analysis_id", analysisId, "status", status, "error", err)
		return &PersistenceError{Op: "update analysis status", Err: err}
	}
	return nil
}

func CompleteAnalysis(ctx context.Context, txn *gorm.DB, analysisId uuid.UUID, details, findings []byte, segmentationKey string) error {
	updates := map[string]any{
		"status":           JobCompleted,
		"details":          datatypes.JSON(details),
		"findings":         datatypes.JSON(findings),
		"segmentation_key": segmentationKey,
		"completion_time":  time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Model(&MRIAnalysis{Id: analysisId}).Updates(updates).Error; err != nil {
		slog.Error("error saving analysis results", "analysis_id", analysisId, "error", err)
		return &PersistenceError{Op: "save analysis results", Err: err}
	}
	return nil
}

func FailAnalysis(ctx context.Context, txn *gorm.DB, analysisId uuid.UUID, cause error) {
	updates := map[string]any{
		"status":          JobFailed,
		"error":           cause.Error(),
		"completion_time": time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Model(&MRIAnalysis{Id: analysisId}).Updates(updates).Error; err != nil {
		slog.Error("error saving analysis failure", "analysis_id", analysisId, "error", err)
	}
}

func UpdateReportStatus(ctx context.Context, txn *gorm.DB, reportId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Report{Id: reportId}).Updates(updates).Error; err != nil {
		slog.Error("error updating report status", "report_id", reportId, "status", status, "error", err)
		return &PersistenceError{Op: "update report status", Err: err}
	}
	return nil
}

func FailReport(ctx context.Context, txn *gorm.DB, reportId uuid.UUID, cause error) {
	updates := map[string]any{
		"status":          JobFailed,
		"error":           cause.Error(),
		"completion_time": time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Model(&Report{Id: reportId}).Updates(updates).Error; err != nil {
		slog.Error("error saving report failure", "report_id", reportId, "error", err)
	}
}

func SaveChatMessage(ctx context.Context, txn *gorm.DB, sessionId string, userId uuid.UUID, messageType, content string, metadata map[string]any) error {
	var meta []byte
	if metadata != nil {
		var err error
		if meta, err = json.Marshal(metadata); err != nil {
			return fmt.Errorf("could not marshal chat metadata: %w", err)
		}
	}

	msg := ChatHistory{
		SessionID:   sessionId,
		UserId:      userId,
		MessageType: messageType,
		Content:     content,
		Timestamp:   time.Now().UTC(),
		Metadata:    meta,
	}
	if err := txn.WithContext(ctx).Create(&msg).Error; err != nil {
		slog.Error("error saving chat message", "session_id", sessionId, "error", err)
		return &PersistenceError{Op: "save chat message", Err: err}
	}
	return nil
}

func GetChatHistory(ctx context.Context, txn *gorm.DB, sessionId string, userId uuid.UUID) ([]ChatHistory, error) {
	var history []ChatHistory
	if err := txn.WithContext(ctx).Where("session_id = ? AND user_id = ?", sessionId, userId).Order("id ASC").Find(&history).Error; err != nil {
		return nil, &PersistenceError{Op: "load chat history", Err: err}
	}
	return history, nil
}

// ChatSessionOwner returns the user who opened the session. The second result
// is false if the session has no messages yet.
func ChatSessionOwner(ctx context.Context, txn *gorm.DB, sessionId string) (uuid.UUID, bool, error) {
	var first []ChatHistory
	if err := txn.WithContext(ctx).Where("session_id = ?", sessionId).Order("id ASC").Limit(1).Find(&first).Error; err != nil {
		return uuid.Nil, false, &PersistenceError{Op: "load chat session", Err: err}
	}
	if len(first) == 0 {
		return uuid.Nil, false, nil
	}
	return first[0].UserId, true, nil
}
