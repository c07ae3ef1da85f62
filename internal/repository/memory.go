package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/quietpage/margins/internal/types"
)

// voiceMemoryModel maps to the voice_memories table.
type voiceMemoryModel struct {
	ID        string `gorm:"primaryKey"`
	VoiceID   string
	ContextID string
	Content   string
	Type      string
	Embedding *pgvector.Vector `gorm:"type:vector"`
	CreatedAt time.Time
}

func (voiceMemoryModel) TableName() string {
	return "voice_memories"
}

// MemoryRepo accesses per-voice memory data.
type MemoryRepo struct {
	db *gorm.DB
}

// NewMemoryRepo returns a MemoryRepo.
func NewMemoryRepo(db *gorm.DB) *MemoryRepo {
	return &MemoryRepo{db: db}
}

func (r *MemoryRepo) AddMemory(ctx context.Context, mem types.Memory) error {
	var vector *pgvector.Vector
	if len(mem.Embedding) > 0 {
		v := pgvector.NewVector(mem.Embedding)
		vector = &v
	}
	record := voiceMemoryModel{
		ID:        mem.ID,
		VoiceID:   mem.VoiceID,
		ContextID: mem.ContextID,
		Content:   mem.Content,
		Type:      string(mem.Type),
		Embedding: vector,
		CreatedAt: mem.Timestamp,
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

func (r *MemoryRepo) DeleteMemories(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&voiceMemoryModel{}).Error; err != nil {
		return fmt.Errorf("failed to delete memories: %w", err)
	}
	return nil
}

// LoadByVoice returns all memories of one voice, oldest first. Embeddings are
// not loaded; they live only in the database.
func (r *MemoryRepo) LoadByVoice(ctx context.Context, voiceID string) ([]types.Memory, error) {
	var records []voiceMemoryModel
	if err := r.db.WithContext(ctx).
		Select("id", "voice_id", "context_id", "content", "type", "created_at").
		Where("voice_id = ?", voiceID).
		Order("created_at ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}

	results := make([]types.Memory, 0, len(records))
	for _, record := range records {
		results = append(results, types.Memory{
			ID:        record.ID,
			VoiceID:   record.VoiceID,
			ContextID: record.ContextID,
			Content:   record.Content,
			Type:      types.MemoryType(record.Type),
			Timestamp: record.CreatedAt,
		})
	}
	return results, nil
}

func (r *MemoryRepo) SearchSimilar(ctx context.Context, voiceID string, embedding []float32, topK int, threshold float64) ([]types.RetrievedMemory, error) {
	if len(embedding) == 0 {
		return nil, nil
	}

	query := `
		SELECT content, type, created_at, 1 - (embedding <=> $1) AS similarity
		FROM voice_memories
		WHERE voice_id = $2
		  AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $1) > $3
		ORDER BY similarity DESC
		LIMIT $4`

	vector := pgvector.NewVector(embedding)
	var results []types.RetrievedMemory
	if err := r.db.WithContext(ctx).
		Raw(query, vector, voiceID, threshold, topK).
		Scan(&results).Error; err != nil {
		return nil, fmt.Errorf("failed to search similar memories: %w", err)
	}
	return results, nil
}
