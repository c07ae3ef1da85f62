// Package emergence decides when a new, unseeded voice surfaces from the
// writer's text and synthesizes it.
package emergence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/oklog/ulid/v2"

	"github.com/quietpage/margins/internal/models"
	"github.com/quietpage/margins/internal/prompt"
	"github.com/quietpage/margins/internal/types"
	"github.com/quietpage/margins/internal/utils"
)

const (
	// checkInterval is the minimum wall-clock gap between model calls.
	checkInterval = 2 * time.Minute
	// minTextLength is the minimum current-text size worth examining.
	minTextLength = 300
	// minPriorChecks is how many eligible checks must pass before a voice
	// may actually emerge.
	minPriorChecks = 3
	// maxEmergentVoices caps the non-seeded population.
	maxEmergentVoices = 4
)

const detectorInstruction = `You watch a writer's private diary for a theme strong and persistent enough
to deserve its own inner voice, distinct from the voices that already exist.
Most of the time nothing new is emerging; say so.
Never propose a voice aligned with self-harm, hopelessness, or harm to others.
If a new voice is emerging, return a JSON object with "detected": true and the
voice's traits. Otherwise return {"detected": false}.`

// VoiceRepo persists newly emerged voices.
type VoiceRepo interface {
	AddVoice(ctx context.Context, voice *types.Voice) error
}

type proposal struct {
	Detected   bool   `json:"detected"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	Concern    string `json:"concern"`
	VoiceStyle string `json:"voiceStyle"`
	Role       string `json:"role"`
	FirstWords string `json:"firstWords"`
}

var proposalSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"detected":   {Type: "boolean", Description: "whether a new voice is emerging"},
		"name":       {Type: "string", Description: "short evocative name, empty when not detected"},
		"color":      {Type: "string", Description: "hex display color"},
		"concern":    {Type: "string", Description: "what the voice carries or watches for"},
		"voiceStyle": {Type: "string", Description: "how the voice sounds"},
		"role": {
			Type: "string",
			Enum: []any{"protector", "exile", "manager", "firefighter", "self"},
		},
		"firstWords": {Type: "string", Description: "the first thing the voice says"},
	},
	Required: []string{"detected", "name", "color", "concern", "voiceStyle", "role", "firstWords"},
}

// Emerged is a newly surfaced voice together with the line it arrives
// speaking. The first words become the voice's introduction message.
type Emerged struct {
	Voice      *types.Voice
	FirstWords string
}

var validRoles = map[types.IFSRole]bool{
	types.RoleProtector:   true,
	types.RoleExile:       true,
	types.RoleManager:     true,
	types.RoleFirefighter: true,
	types.RoleSelf:        true,
}

// Detector checks for emerging voices. One Detector serves one session.
type Detector struct {
	client models.Completer
	model  string
	repo   VoiceRepo

	mu         sync.Mutex
	lastCheck  time.Time
	checkCount int
	nowFunc    func() time.Time
}

// NewDetector creates a Detector.
func NewDetector(client models.Completer, model string, repo VoiceRepo) *Detector {
	return &Detector{
		client:  client,
		model:   model,
		repo:    repo,
		nowFunc: time.Now,
	}
}

// Check examines the current text against the existing roster and returns a
// newly persisted voice when one emerges, nil otherwise. Errors mean the check
// was skipped; nothing is persisted on error.
func (d *Detector) Check(ctx context.Context, currentText string, voices []types.Voice) (*Emerged, error) {
	if nonSeededCount(voices) >= maxEmergentVoices {
		return nil, nil
	}
	if utf8.RuneCountInString(currentText) < minTextLength {
		return nil, nil
	}

	d.mu.Lock()
	now := d.nowFunc()
	if !d.lastCheck.IsZero() && now.Sub(d.lastCheck) < checkInterval {
		d.mu.Unlock()
		return nil, nil
	}
	d.lastCheck = now
	d.checkCount++
	warmingUp := d.checkCount <= minPriorChecks
	d.mu.Unlock()
	if warmingUp {
		return nil, nil
	}

	raw, err := d.client.Complete(ctx, models.ChatRequest{
		Model: d.model,
		Messages: []models.Message{
			{Role: "system", Content: detectorInstruction},
			{Role: "user", Content: buildRosterPrompt(currentText, voices)},
		},
		MaxTokens:      400,
		Temperature:    0.7,
		ResponseSchema: proposalSchema,
		SchemaName:     "voice_proposal",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run emergence check: %w", err)
	}

	var p proposal
	if err := utils.DecodeLenient(raw, &p); err != nil {
		return nil, err
	}
	if !p.Detected {
		return nil, nil
	}
	return d.synthesize(ctx, p, now)
}

func (d *Detector) synthesize(ctx context.Context, p proposal, now time.Time) (*Emerged, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Concern = strings.TrimSpace(p.Concern)
	if p.Name == "" || p.Concern == "" {
		return nil, fmt.Errorf("proposal missing name or concern")
	}
	role := types.IFSRole(strings.ToLower(strings.TrimSpace(p.Role)))
	if !validRoles[role] {
		return nil, fmt.Errorf("proposal has unknown role %q", p.Role)
	}
	color := strings.TrimSpace(p.Color)
	if color == "" {
		color = "#9ca3af"
	}

	firstWords := strings.TrimSpace(p.FirstWords)
	systemPrompt, err := prompt.SynthesizeSystemPrompt(prompt.VoiceTraits{
		Name:       p.Name,
		Role:       role,
		Concern:    p.Concern,
		VoiceStyle: strings.TrimSpace(p.VoiceStyle),
		FirstWords: firstWords,
	})
	if err != nil {
		return nil, err
	}

	voice := &types.Voice{
		ID:           ulid.Make().String(),
		Name:         p.Name,
		Color:        color,
		IFSRole:      role,
		Concern:      p.Concern,
		SystemPrompt: systemPrompt,
		IsSeeded:     false,
		CreatedAt:    now,
	}
	if d.repo != nil {
		if err := d.repo.AddVoice(ctx, voice); err != nil {
			return nil, fmt.Errorf("failed to persist emerged voice: %w", err)
		}
	}
	return &Emerged{Voice: voice, FirstWords: firstWords}, nil
}

func buildRosterPrompt(currentText string, voices []types.Voice) string {
	var sb strings.Builder
	sb.WriteString("Voices that already exist:\n")
	for _, v := range voices {
		fmt.Fprintf(&sb, "- %s: %s\n", v.Name, v.Concern)
	}
	sb.WriteString("\nWhat the writer has written:\n")
	sb.WriteString(currentText)
	return sb.String()
}

func nonSeededCount(voices []types.Voice) int {
	n := 0
	for _, v := range voices {
		if !v.IsSeeded {
			n++
		}
	}
	return n
}
