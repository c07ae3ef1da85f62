package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/quietpage/margins/internal/types"
)

// voiceModel maps to the voices table. Learned lists are JSONB.
type voiceModel struct {
	ID              string `gorm:"primaryKey"`
	Name            string
	Color           string
	IFSRole         string `gorm:"column:ifs_role"`
	Concern         string
	SystemPrompt    string
	LearnedKeywords []byte `gorm:"type:jsonb"`
	LearnedEmotions []byte `gorm:"type:jsonb"`
	IsSeeded        bool
	CreatedAt       time.Time
	LastActiveAt    time.Time
}

func (voiceModel) TableName() string {
	return "voices"
}

// VoiceRepo accesses voice data.
type VoiceRepo struct {
	db *gorm.DB
}

// NewVoiceRepo returns a VoiceRepo.
func NewVoiceRepo(db *gorm.DB) *VoiceRepo {
	return &VoiceRepo{db: db}
}

func (r *VoiceRepo) AddVoice(ctx context.Context, voice *types.Voice) error {
	if voice == nil {
		return fmt.Errorf("voice cannot be nil")
	}
	record, err := voiceToModel(voice)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to insert voice: %w", err)
	}
	return nil
}

func (r *VoiceRepo) GetAll(ctx context.Context) ([]types.Voice, error) {
	var records []voiceModel
	if err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query voices: %w", err)
	}

	results := make([]types.Voice, 0, len(records))
	for _, record := range records {
		voice, err := voiceFromModel(record)
		if err != nil {
			return nil, err
		}
		results = append(results, voice)
	}
	return results, nil
}

func (r *VoiceRepo) GetByID(ctx context.Context, id string) (*types.Voice, error) {
	var record voiceModel
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to query voice: %w", err)
	}
	if record.ID == "" {
		return nil, nil
	}
	voice, err := voiceFromModel(record)
	if err != nil {
		return nil, err
	}
	return &voice, nil
}

func (r *VoiceRepo) UpdateLearned(ctx context.Context, voiceID string, keywords, emotions []string) error {
	keywordsJSON, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("failed to encode learned keywords: %w", err)
	}
	emotionsJSON, err := json.Marshal(emotions)
	if err != nil {
		return fmt.Errorf("failed to encode learned emotions: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Model(&voiceModel{}).
		Where("id = ?", voiceID).
		Updates(map[string]any{
			"learned_keywords": keywordsJSON,
			"learned_emotions": emotionsJSON,
		}).Error; err != nil {
		return fmt.Errorf("failed to update learned lists: %w", err)
	}
	return nil
}

func (r *VoiceRepo) TouchLastActive(ctx context.Context, voiceID string, at time.Time) error {
	if err := r.db.WithContext(ctx).
		Model(&voiceModel{}).
		Where("id = ?", voiceID).
		Update("last_active_at", at).Error; err != nil {
		return fmt.Errorf("failed to update last active: %w", err)
	}
	return nil
}

func voiceToModel(voice *types.Voice) (voiceModel, error) {
	keywordsJSON, err := json.Marshal(voice.LearnedKeywords)
	if err != nil {
		return voiceModel{}, fmt.Errorf("failed to encode learned keywords: %w", err)
	}
	emotionsJSON, err := json.Marshal(voice.LearnedEmotions)
	if err != nil {
		return voiceModel{}, fmt.Errorf("failed to encode learned emotions: %w", err)
	}
	return voiceModel{
		ID:              voice.ID,
		Name:            voice.Name,
		Color:           voice.Color,
		IFSRole:         string(voice.IFSRole),
		Concern:         voice.Concern,
		SystemPrompt:    voice.SystemPrompt,
		LearnedKeywords: keywordsJSON,
		LearnedEmotions: emotionsJSON,
		IsSeeded:        voice.IsSeeded,
		CreatedAt:       voice.CreatedAt,
		LastActiveAt:    voice.LastActiveAt,
	}, nil
}

func voiceFromModel(model voiceModel) (types.Voice, error) {
	voice := types.Voice{
		ID:           model.ID,
		Name:         model.Name,
		Color:        model.Color,
		IFSRole:      types.IFSRole(model.IFSRole),
		Concern:      model.Concern,
		SystemPrompt: model.SystemPrompt,
		IsSeeded:     model.IsSeeded,
		CreatedAt:    model.CreatedAt,
		LastActiveAt: model.LastActiveAt,
	}
	if len(model.LearnedKeywords) > 0 {
		if err := json.Unmarshal(model.LearnedKeywords, &voice.LearnedKeywords); err != nil {
			return types.Voice{}, fmt.Errorf("failed to decode learned keywords: %w", err)
		}
	}
	if len(model.LearnedEmotions) > 0 {
		if err := json.Unmarshal(model.LearnedEmotions, &voice.LearnedEmotions); err != nil {
			return types.Voice{}, fmt.Errorf("failed to decode learned emotions: %w", err)
		}
	}
	return voice, nil
}
