// Package keystroke turns a raw keystroke stream into classified pause events.
package keystroke

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/quietpage/margins/internal/types"
)

const (
	// shortPauseBase and longPauseBase are divided by the speed multiplier.
	shortPauseBase = 4500 * time.Millisecond
	longPauseBase  = 15000 * time.Millisecond
	// minRefireBase suppresses a second emission too soon after the first.
	minRefireBase = 12000 * time.Millisecond

	// ringCap bounds the keystroke record buffer.
	ringCap = 50
	// recentWindow is how many characters before the cursor are classified.
	recentWindow = 200
	// cadenceWindow bounds the interval buffer; the slowdown check compares
	// the most recent half against the preceding half.
	cadenceWindow = 20
	cadenceRatio  = 2.5

	minSpeedMultiplier = 0.5
	maxSpeedMultiplier = 2.0
)

// Classifier is a per-surface state machine that watches keystroke timing and
// emits exactly one PauseEvent per detected pause.
type Classifier struct {
	mu      sync.Mutex
	onPause func(types.PauseEvent)

	speedMultiplier float64

	records    []types.KeystrokeRecord
	intervals  []time.Duration
	lastStroke time.Time

	currentText string
	cursor      int

	shortTimer *time.Timer
	longTimer  *time.Timer

	isPaused   bool
	suppressed bool
	destroyed  bool
	lastFire   time.Time

	nowFunc func() time.Time
}

// NewClassifier returns a classifier that delivers pause events to onPause.
func NewClassifier(onPause func(types.PauseEvent)) *Classifier {
	return &Classifier{
		onPause:         onPause,
		speedMultiplier: 1.0,
		records:         make([]types.KeystrokeRecord, 0, ringCap),
		intervals:       make([]time.Duration, 0, cadenceWindow),
		nowFunc:         time.Now,
	}
}

// SetSpeedMultiplier adjusts timer scaling, clamped to [0.5, 2.0].
func (c *Classifier) SetSpeedMultiplier(m float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m < minSpeedMultiplier {
		m = minSpeedMultiplier
	}
	if m > maxSpeedMultiplier {
		m = maxSpeedMultiplier
	}
	c.speedMultiplier = m
}

// RecordKeystroke registers one keystroke together with the live text and
// cursor position, and re-arms both pause timers.
func (c *Classifier) RecordKeystroke(char rune, currentText string, cursor int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.suppressed {
		return
	}

	now := c.nowFunc()
	if !c.lastStroke.IsZero() {
		c.pushInterval(now.Sub(c.lastStroke))
	}
	c.lastStroke = now

	if len(c.records) == ringCap {
		copy(c.records, c.records[1:])
		c.records = c.records[:ringCap-1]
	}
	c.records = append(c.records, types.KeystrokeRecord{Timestamp: now, Char: char})

	c.currentText = currentText
	c.cursor = cursor
	c.isPaused = false

	c.armTimersLocked()
}

// Suppress hard-disables pause detection while another flow owns the surface.
func (c *Classifier) Suppress() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressed = true
	c.stopTimersLocked()
}

// Resume re-enables detection; timers re-arm on the next keystroke.
func (c *Classifier) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.suppressed = false
}

// Destroy permanently tears down the classifier's timers.
func (c *Classifier) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	c.stopTimersLocked()
}

func (c *Classifier) pushInterval(d time.Duration) {
	if len(c.intervals) == cadenceWindow {
		copy(c.intervals, c.intervals[1:])
		c.intervals = c.intervals[:cadenceWindow-1]
	}
	c.intervals = append(c.intervals, d)
}

func (c *Classifier) armTimersLocked() {
	c.stopTimersLocked()
	c.shortTimer = time.AfterFunc(c.scaled(shortPauseBase), c.fireShort)
	c.longTimer = time.AfterFunc(c.scaled(longPauseBase), c.fireLong)
}

func (c *Classifier) stopTimersLocked() {
	if c.shortTimer != nil {
		c.shortTimer.Stop()
		c.shortTimer = nil
	}
	if c.longTimer != nil {
		c.longTimer.Stop()
		c.longTimer = nil
	}
}

func (c *Classifier) scaled(base time.Duration) time.Duration {
	return time.Duration(float64(base) / c.speedMultiplier)
}

func (c *Classifier) fireShort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.suppressed || c.isPaused {
		return
	}
	c.isPaused = true

	recent := recentText(c.currentText, c.cursor)
	pauseType := classify(recent, c.intervals)
	c.emitLocked(pauseType, recent)
}

func (c *Classifier) fireLong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.suppressed || c.isPaused {
		return
	}
	c.isPaused = true
	c.emitLocked(types.PauseLong, recentText(c.currentText, c.cursor))
}

// emitLocked delivers one event unless the minimum re-fire interval has not
// yet elapsed since the previous emission.
func (c *Classifier) emitLocked(pauseType types.PauseType, recent string) {
	now := c.nowFunc()
	if !c.lastFire.IsZero() && now.Sub(c.lastFire) < c.scaled(minRefireBase) {
		return
	}
	c.lastFire = now

	var duration time.Duration
	if !c.lastStroke.IsZero() {
		duration = now.Sub(c.lastStroke)
	}
	if c.onPause == nil {
		return
	}
	c.onPause(types.PauseEvent{
		Type:           pauseType,
		Duration:       duration,
		CurrentText:    c.currentText,
		CursorPosition: c.cursor,
		RecentText:     recent,
		Timestamp:      now,
	})
}

// recentText returns up to recentWindow characters preceding the cursor.
func recentText(text string, cursor int) string {
	runes := []rune(text)
	if cursor > len(runes) {
		cursor = len(runes)
	}
	if cursor < 0 {
		cursor = 0
	}
	start := cursor - recentWindow
	if start < 0 {
		start = 0
	}
	return string(runes[start:cursor])
}

// classify applies the pause taxonomy in strict priority order.
func classify(recent string, intervals []time.Duration) types.PauseType {
	trimmed := strings.TrimRight(recent, " \t")

	switch {
	case strings.HasSuffix(trimmed, "...") || strings.HasSuffix(trimmed, "…"):
		return types.PauseEllipsis
	case strings.HasSuffix(trimmed, "?"):
		return types.PauseQuestion
	case strings.HasSuffix(trimmed, "\n"):
		return types.PauseParagraphBreak
	case strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "!"):
		return types.PauseSentenceComplete
	case cadenceSlowdown(intervals):
		return types.PauseCadenceSlowdown
	case trailingOff(trimmed):
		return types.PauseTrailingOff
	default:
		return types.PauseShort
	}
}

// cadenceSlowdown reports whether the most recent half of the interval window
// averages more than cadenceRatio times the preceding half.
func cadenceSlowdown(intervals []time.Duration) bool {
	if len(intervals) < cadenceWindow {
		return false
	}
	half := cadenceWindow / 2
	var older, newer time.Duration
	for i := 0; i < half; i++ {
		older += intervals[i]
		newer += intervals[half+i]
	}
	if older <= 0 {
		return false
	}
	return float64(newer) > cadenceRatio*float64(older)
}

// trailingOff reports whether the last clause has at least two words and no
// terminal punctuation. Non-terminal punctuation like a trailing comma still
// counts as trailing off.
func trailingOff(trimmed string) bool {
	if trimmed == "" {
		return false
	}
	clause := trimmed
	if idx := strings.LastIndexAny(trimmed, ".!?\n"); idx >= 0 {
		clause = trimmed[idx+1:]
	}
	clause = strings.TrimSpace(clause)
	if clause == "" {
		return false
	}
	switch last, _ := utf8.DecodeLastRuneInString(clause); last {
	case '.', '!', '?':
		return false
	}
	return len(strings.Fields(clause)) >= 2
}
