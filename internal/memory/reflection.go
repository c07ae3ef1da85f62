package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quietpage/margins/internal/models"
	"github.com/quietpage/margins/internal/types"
	"github.com/quietpage/margins/internal/utils"
)

// learnedListCap bounds a voice's learned keyword and emotion lists.
const learnedListCap = 20

const reflectionInstruction = `You are reflecting on a conversation from the perspective of one inner voice.
Summarize what this voice noticed about the writer in 1-3 sentences, then extract
up to five keywords and up to three emotion words the voice should remember.
Return a JSON object: {"reflection": "...", "keywords": ["..."], "emotions": ["..."]}
Return only the JSON object.`

// ReflectionRepo persists memory writes and evictions.
type ReflectionRepo interface {
	AddMemory(ctx context.Context, mem types.Memory) error
	DeleteMemories(ctx context.Context, ids []string) error
}

// VoiceUpdater persists a voice's learned lists.
type VoiceUpdater interface {
	UpdateLearned(ctx context.Context, voiceID string, keywords, emotions []string) error
}

type reflectionOutput struct {
	Reflection string   `json:"reflection"`
	Keywords   []string `json:"keywords"`
	Emotions   []string `json:"emotions"`
}

// Reflector runs the per-voice reflection cycle at session transitions.
type Reflector struct {
	client   models.Completer
	model    string
	store    *Store
	repo     ReflectionRepo
	voices   VoiceUpdater
	embedder Embedder
	nowFunc  func() time.Time
}

// NewReflector returns a Reflector. embedder may be nil; memories are then
// stored without vectors.
func NewReflector(client models.Completer, model string, store *Store, repo ReflectionRepo, voices VoiceUpdater, embedder Embedder) *Reflector {
	return &Reflector{
		client:   client,
		model:    model,
		store:    store,
		repo:     repo,
		voices:   voices,
		embedder: embedder,
		nowFunc:  time.Now,
	}
}

// Reflect summarizes the session from one voice's perspective, stores the
// reflection memory, applies retention pruning, and updates the voice's
// learned lists. Callers treat any error as a no-op.
func (r *Reflector) Reflect(ctx context.Context, voice *types.Voice, history []types.SessionMessage, contextID string) error {
	if r == nil || r.client == nil {
		return fmt.Errorf("reflector not configured")
	}
	if voice == nil {
		return fmt.Errorf("voice is required")
	}
	if len(history) == 0 {
		return nil
	}

	raw, err := r.client.Complete(ctx, models.ChatRequest{
		Model: r.model,
		Messages: []models.Message{
			{Role: "system", Content: reflectionInstruction},
			{Role: "user", Content: transcript(voice, history)},
		},
		MaxTokens:   300,
		Temperature: 0.3,
	})
	if err != nil {
		return fmt.Errorf("failed to run reflection: %w", err)
	}

	var out reflectionOutput
	if err := utils.DecodeLenient(raw, &out); err != nil {
		return err
	}
	out.Reflection = strings.TrimSpace(out.Reflection)
	if out.Reflection == "" {
		return nil
	}

	mem := types.Memory{
		ID:        ulid.Make().String(),
		VoiceID:   voice.ID,
		ContextID: contextID,
		Content:   out.Reflection,
		Type:      types.MemoryReflection,
		Timestamp: r.nowFunc(),
	}
	if r.embedder != nil {
		vec, err := r.embedder.EmbedDocument(ctx, out.Reflection)
		if err != nil {
			slog.Warn("failed to embed reflection, storing without vector", "error", err.Error())
		} else {
			mem.Embedding = vec
		}
	}

	evicted := r.store.Append(mem)
	if r.repo != nil {
		if err := r.repo.AddMemory(ctx, mem); err != nil {
			return fmt.Errorf("failed to persist reflection: %w", err)
		}
		if len(evicted) > 0 {
			ids := make([]string, 0, len(evicted))
			for _, m := range evicted {
				ids = append(ids, m.ID)
			}
			if err := r.repo.DeleteMemories(ctx, ids); err != nil {
				return fmt.Errorf("failed to prune evicted memories: %w", err)
			}
		}
	}

	keywords := mergeLearned(voice.LearnedKeywords, out.Keywords)
	emotions := mergeLearned(voice.LearnedEmotions, out.Emotions)
	if r.voices != nil {
		if err := r.voices.UpdateLearned(ctx, voice.ID, keywords, emotions); err != nil {
			return fmt.Errorf("failed to update learned lists: %w", err)
		}
	}
	voice.LearnedKeywords = keywords
	voice.LearnedEmotions = emotions
	return nil
}

// transcript renders the session for the reflection prompt.
func transcript(voice *types.Voice, history []types.SessionMessage) string {
	var sb strings.Builder
	for _, msg := range history {
		switch {
		case msg.Speaker == types.SpeakerUser:
			sb.WriteString("writer: ")
		case msg.VoiceID == voice.ID:
			sb.WriteString("you: ")
		default:
			sb.WriteString("another voice: ")
		}
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// mergeLearned appends new entries, deduplicated case-insensitively, keeping
// the most recent learnedListCap items.
func mergeLearned(existing, incoming []string) []string {
	merged := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]bool)
	for _, kw := range existing {
		key := strings.ToLower(strings.TrimSpace(kw))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, kw)
	}
	for _, kw := range incoming {
		key := strings.ToLower(strings.TrimSpace(kw))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, strings.TrimSpace(kw))
	}
	if len(merged) > learnedListCap {
		merged = merged[len(merged)-learnedListCap:]
	}
	return merged
}
