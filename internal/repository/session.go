package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/quietpage/margins/internal/types"
)

// sessionModel maps to the sessions table.
type sessionModel struct {
	ID                  string `gorm:"primaryKey"`
	HostVoiceID         string
	ParticipantVoiceIDs []byte `gorm:"type:jsonb"`
	Phase               string
	Status              string
	MessageCount        int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (sessionModel) TableName() string {
	return "sessions"
}

// sessionMessageModel maps to the session_messages table.
type sessionMessageModel struct {
	ID          string `gorm:"primaryKey"`
	SessionID   string
	Speaker     string
	VoiceID     string
	Content     string
	Phase       string
	IsEmergence bool
	CreatedAt   time.Time
}

func (sessionMessageModel) TableName() string {
	return "session_messages"
}

// SessionRepo accesses sessions and their transcripts.
type SessionRepo struct {
	db *gorm.DB
}

// NewSessionRepo returns a SessionRepo.
func NewSessionRepo(db *gorm.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) CreateSession(ctx context.Context, session *types.Session) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}
	record, err := sessionToModel(session)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (r *SessionRepo) UpdateSession(ctx context.Context, session *types.Session) error {
	participantsJSON, err := json.Marshal(session.ParticipantVoiceIDs)
	if err != nil {
		return fmt.Errorf("failed to encode participants: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Model(&sessionModel{}).
		Where("id = ?", session.ID).
		Updates(map[string]any{
			"participant_voice_ids": participantsJSON,
			"phase":                 string(session.Phase),
			"status":                string(session.Status),
			"message_count":         session.MessageCount,
		}).Error; err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (r *SessionRepo) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var record sessionModel
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	if record.ID == "" {
		return nil, nil
	}
	session, err := sessionFromModel(record)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *SessionRepo) AddMessage(ctx context.Context, sessionID string, msg types.SessionMessage) error {
	record := sessionMessageModel{
		ID:          msg.ID,
		SessionID:   sessionID,
		Speaker:     string(msg.Speaker),
		VoiceID:     msg.VoiceID,
		Content:     msg.Content,
		Phase:       string(msg.Phase),
		IsEmergence: msg.IsEmergence,
		CreatedAt:   msg.Timestamp,
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to insert session message: %w", err)
	}
	return nil
}

// GetMessages returns up to limit most recent messages, oldest first.
func (r *SessionRepo) GetMessages(ctx context.Context, sessionID string, limit int) ([]types.SessionMessage, error) {
	query := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []sessionMessageModel
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query session messages: %w", err)
	}

	results := make([]types.SessionMessage, 0, len(records))
	for _, record := range records {
		results = append(results, types.SessionMessage{
			ID:          record.ID,
			Speaker:     types.Speaker(record.Speaker),
			VoiceID:     record.VoiceID,
			Content:     record.Content,
			Timestamp:   record.CreatedAt,
			Phase:       types.SessionPhase(record.Phase),
			IsEmergence: record.IsEmergence,
		})
	}

	// Oldest -> newest
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

func sessionToModel(session *types.Session) (sessionModel, error) {
	participantsJSON, err := json.Marshal(session.ParticipantVoiceIDs)
	if err != nil {
		return sessionModel{}, fmt.Errorf("failed to encode participants: %w", err)
	}
	return sessionModel{
		ID:                  session.ID,
		HostVoiceID:         session.HostVoiceID,
		ParticipantVoiceIDs: participantsJSON,
		Phase:               string(session.Phase),
		Status:              string(session.Status),
		MessageCount:        session.MessageCount,
	}, nil
}

func sessionFromModel(model sessionModel) (types.Session, error) {
	session := types.Session{
		ID:           model.ID,
		HostVoiceID:  model.HostVoiceID,
		Phase:        types.SessionPhase(model.Phase),
		Status:       types.SessionStatus(model.Status),
		MessageCount: model.MessageCount,
	}
	if len(model.ParticipantVoiceIDs) > 0 {
		if err := json.Unmarshal(model.ParticipantVoiceIDs, &session.ParticipantVoiceIDs); err != nil {
			return types.Session{}, fmt.Errorf("failed to decode participants: %w", err)
		}
	}
	return session, nil
}
