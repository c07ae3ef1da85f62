package safety

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quietpage/margins/internal/models"
	"github.com/quietpage/margins/internal/utils"
)

// distressCooldown spaces out LLM distress checks; the keyword backstop has
// no such limit.
const distressCooldown = 30 * time.Second

const distressInstruction = `You are an emotional-distress classifier for a private journal.
Read the writer's latest text and return a JSON object:
{"emotion": "<one word>", "distress_level": <0-3>}
0 = calm, 1 = mild unease, 2 = significant distress, 3 = acute crisis.
Return only the JSON object.`

// DistressSignal is the LLM layer's read of the writer's state.
type DistressSignal struct {
	Emotion       string `json:"emotion"`
	DistressLevel int    `json:"distress_level"`
}

// DistressClassifier calls the model to rate distress, rate-limited by a
// cooldown so redundant checks are skipped.
type DistressClassifier struct {
	client    models.Completer
	model     string
	lastCheck time.Time
	nowFunc   func() time.Time
}

// NewDistressClassifier returns a classifier using the given chat client.
func NewDistressClassifier(client models.Completer, model string) *DistressClassifier {
	return &DistressClassifier{
		client:  client,
		model:   model,
		nowFunc: time.Now,
	}
}

// Classify rates the distress level of text. It returns nil when skipped by
// the cooldown. Errors fail closed: callers log and treat them as no signal.
func (c *DistressClassifier) Classify(ctx context.Context, text string) (*DistressSignal, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("distress classifier not configured")
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	now := c.nowFunc()
	if !c.lastCheck.IsZero() && now.Sub(c.lastCheck) < distressCooldown {
		return nil, nil
	}
	c.lastCheck = now

	raw, err := c.client.Complete(ctx, models.ChatRequest{
		Model: c.model,
		Messages: []models.Message{
			{Role: "system", Content: distressInstruction},
			{Role: "user", Content: text},
		},
		MaxTokens:   64,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to classify distress: %w", err)
	}

	var signal DistressSignal
	if err := utils.DecodeLenient(raw, &signal); err != nil {
		return nil, err
	}
	if signal.DistressLevel < 0 {
		signal.DistressLevel = 0
	}
	if signal.DistressLevel > 3 {
		signal.DistressLevel = 3
	}
	return &signal, nil
}
