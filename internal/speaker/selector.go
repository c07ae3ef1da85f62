// Package speaker implements session phase detection and the turn-taking
// policy deciding which voice responds to the writer.
package speaker

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/quietpage/margins/internal/types"
)

const (
	// deepeningAfter and closingAfter are user-message counts.
	deepeningAfter = 3
	closingAfter   = 12

	// participantCap bounds unique non-host voices per session.
	participantCap = 3
	// emergenceCooldownMessages is how many user messages must pass after an
	// emergence before a non-host voice may speak again.
	emergenceCooldownMessages = 3

	roleKeywordScore    = 10.0
	learnedKeywordScore = 5.0
	jitterRange         = 10.0

	// hostScoreRatio and newVoiceFloor gate a non-host voice taking the turn.
	hostScoreRatio = 1.5
	newVoiceFloor  = 15.0
)

// Token budgets per phase, in response tokens.
const (
	OpeningTokenBudget   = 200
	DeepeningTokenBudget = 400
	ClosingTokenBudget   = 150
)

// roleKeywords is the fixed relevance vocabulary per IFS role. Matching is
// substring-based, so "rage" also hits inside "courage"; existing fixtures
// treat that as intended.
var roleKeywords = map[types.IFSRole][]string{
	types.RoleProtector:   {"safe", "danger", "protect", "careful", "risk", "threat", "boundary"},
	types.RoleExile:       {"hurt", "pain", "lonely", "abandoned", "shame", "rejected", "small"},
	types.RoleManager:     {"plan", "control", "organize", "should", "must", "schedule", "deadline", "perfect"},
	types.RoleFirefighter: {"escape", "numb", "distract", "avoid", "rage", "scroll", "run away"},
	types.RoleSelf:        {"calm", "curious", "compassion", "clarity", "grounded", "breathe"},
}

// RandSource supplies the jitter used to avoid mechanical alternation.
type RandSource interface {
	Float64() float64
}

// Selector applies the turn-taking policy.
type Selector struct {
	rand RandSource
}

// NewSelector returns a Selector. A nil source falls back to math/rand.
func NewSelector(r RandSource) *Selector {
	if r == nil {
		r = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Selector{rand: r}
}

// DetectPhase derives the session phase from the count of user messages.
func DetectPhase(history []types.SessionMessage) types.SessionPhase {
	count := 0
	for _, msg := range history {
		if msg.Speaker == types.SpeakerUser {
			count++
		}
	}
	switch {
	case count < deepeningAfter:
		return types.PhaseOpening
	case count < closingAfter:
		return types.PhaseDeepening
	default:
		return types.PhaseClosing
	}
}

// TokenBudget maps a phase to its response token ceiling.
func TokenBudget(phase types.SessionPhase) int {
	switch phase {
	case types.PhaseOpening:
		return OpeningTokenBudget
	case types.PhaseDeepening:
		return DeepeningTokenBudget
	case types.PhaseClosing:
		return ClosingTokenBudget
	default:
		return OpeningTokenBudget
	}
}

// SelectSpeaker decides which voice responds to latestText. It always returns
// exactly one of the given voices; the host is the fallback at every gate.
func (s *Selector) SelectSpeaker(voices []types.Voice, history []types.SessionMessage, hostID, latestText string, grounding bool) (*types.Voice, error) {
	host := findVoice(voices, hostID)
	if host == nil {
		return nil, fmt.Errorf("host voice %s not found", hostID)
	}

	if DetectPhase(history) == types.PhaseOpening || grounding {
		return host, nil
	}
	if underEmergenceCooldown(history) {
		return host, nil
	}

	spoken := spokenVoiceIDs(history, hostID)

	var candidates []*types.Voice
	for i := range voices {
		v := &voices[i]
		if v.ID == hostID {
			continue
		}
		if len(spoken) >= participantCap && !spoken[v.ID] {
			continue
		}
		candidates = append(candidates, v)
	}

	hostScore := s.score(host, latestText)

	var best *types.Voice
	var bestScore float64
	for _, v := range candidates {
		score := s.score(v, latestText)
		if score <= hostScore*hostScoreRatio {
			continue
		}
		if !spoken[v.ID] && score <= newVoiceFloor {
			continue
		}
		if best == nil || score > bestScore {
			best = v
			bestScore = score
		}
	}
	if best != nil {
		return best, nil
	}
	return host, nil
}

// score rates a voice's relevance to the latest text.
func (s *Selector) score(v *types.Voice, latestText string) float64 {
	text := strings.ToLower(latestText)
	var score float64
	for _, kw := range roleKeywords[v.IFSRole] {
		if strings.Contains(text, kw) {
			score += roleKeywordScore
		}
	}
	for _, kw := range v.LearnedKeywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			score += learnedKeywordScore
		}
	}
	return score + s.rand.Float64()*jitterRange
}

// underEmergenceCooldown reports whether fewer than three user messages have
// occurred since the most recent emergence event.
func underEmergenceCooldown(history []types.SessionMessage) bool {
	usersSince := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsEmergence {
			return usersSince < emergenceCooldownMessages
		}
		if history[i].Speaker == types.SpeakerUser {
			usersSince++
		}
	}
	return false
}

// spokenVoiceIDs collects unique non-host voices that already spoke.
func spokenVoiceIDs(history []types.SessionMessage, hostID string) map[string]bool {
	spoken := make(map[string]bool)
	for _, msg := range history {
		if msg.Speaker == types.SpeakerVoice && msg.VoiceID != "" && msg.VoiceID != hostID {
			spoken[msg.VoiceID] = true
		}
	}
	return spoken
}

func findVoice(voices []types.Voice, id string) *types.Voice {
	for i := range voices {
		if voices[i].ID == id {
			return &voices[i]
		}
	}
	return nil
}
