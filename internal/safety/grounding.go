package safety

import "sync"

// calmClearThreshold is how many consecutive calm user messages must pass
// before grounding mode releases.
const calmClearThreshold = 3

// GroundingState tracks whether the distress-responsive grounding mode is
// active for one surface. Activation is immediate; release requires a streak
// of calm messages so a single neutral message does not flip the mode back.
// Safe for concurrent use: the generation goroutine reads it while user
// messages update it.
type GroundingState struct {
	mu         sync.Mutex
	active     bool
	calmStreak int
}

// NewGroundingState returns an inactive grounding state.
func NewGroundingState() *GroundingState {
	return &GroundingState{}
}

// Active reports whether grounding mode is engaged.
func (g *GroundingState) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Trigger engages grounding mode and resets the calm streak.
func (g *GroundingState) Trigger() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = true
	g.calmStreak = 0
}

// ObserveCalm records a user message with no crisis or distress signal.
// After enough consecutive calm messages the mode releases.
func (g *GroundingState) ObserveCalm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return
	}
	g.calmStreak++
	if g.calmStreak >= calmClearThreshold {
		g.active = false
		g.calmStreak = 0
	}
}
