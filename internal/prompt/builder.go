// Package prompt assembles voice system prompts and per-turn messages.
package prompt

import (
	"bytes"
	"fmt"
	"time"

	"github.com/quietpage/margins/internal/models"
	"github.com/quietpage/margins/internal/types"
)

// VoiceTraits are the fields a voice's system prompt is synthesized from.
type VoiceTraits struct {
	Name       string
	Role       types.IFSRole
	Concern    string
	VoiceStyle string
	FirstWords string
}

// SynthesizeSystemPrompt builds a voice system prompt from the shared base
// instructions plus the voice's traits.
func SynthesizeSystemPrompt(traits VoiceTraits) (string, error) {
	if traits.Name == "" {
		return "", fmt.Errorf("voice name is required")
	}
	data := struct {
		Base string
		VoiceTraits
	}{
		Base:        baseVoiceInstructions,
		VoiceTraits: traits,
	}
	var buf bytes.Buffer
	if err := voicePromptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to build voice prompt: %w", err)
	}
	return buf.String(), nil
}

// BuildContext carries all inputs for one turn's prompt assembly.
type BuildContext struct {
	Voice      *types.Voice
	Pause      types.PauseEvent
	Grounding  bool
	Memories   []types.RetrievedMemory
	History    []types.SessionMessage
	VoiceNames map[string]string
}

// Builder assembles the layered messages for a voice's turn.
type Builder struct {
	historyLimit int
	nowFunc      func() time.Time
}

// NewBuilder creates a prompt Builder.
func NewBuilder(historyLimit int) *Builder {
	if historyLimit <= 0 {
		historyLimit = 10
	}
	return &Builder{
		historyLimit: historyLimit,
		nowFunc:      time.Now,
	}
}

type turnLine struct {
	Who     string
	Content string
}

// BuildMessages returns the system and user messages for one generation.
func (b *Builder) BuildMessages(ctx BuildContext) ([]models.Message, error) {
	if ctx.Voice == nil {
		return nil, fmt.Errorf("voice is required")
	}

	history := ctx.History
	if len(history) > b.historyLimit {
		history = history[len(history)-b.historyLimit:]
	}
	lines := make([]turnLine, 0, len(history))
	for _, msg := range history {
		who := "writer"
		if msg.Speaker == types.SpeakerVoice {
			who = ctx.VoiceNames[msg.VoiceID]
			if who == "" {
				who = "a voice"
			}
		}
		lines = append(lines, turnLine{Who: who, Content: msg.Content})
	}

	data := struct {
		Now        string
		PauseType  types.PauseType
		Grounding  bool
		Memories   []types.RetrievedMemory
		History    []turnLine
		RecentText string
	}{
		Now:        b.nowFunc().Format(time.RFC3339),
		PauseType:  ctx.Pause.Type,
		Grounding:  ctx.Grounding,
		Memories:   ctx.Memories,
		History:    lines,
		RecentText: ctx.Pause.RecentText,
	}

	var buf bytes.Buffer
	if err := turnPromptTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to build turn prompt: %w", err)
	}

	return []models.Message{
		{Role: "system", Content: ctx.Voice.SystemPrompt},
		{Role: "user", Content: buf.String()},
	}, nil
}
