// Package types defines the shared data model for the margins engine.
package types

import "time"

// IFSRole is the archetypal category a voice belongs to.
type IFSRole string

const (
	RoleProtector   IFSRole = "protector"
	RoleExile       IFSRole = "exile"
	RoleManager     IFSRole = "manager"
	RoleFirefighter IFSRole = "firefighter"
	RoleSelf        IFSRole = "self"
)

// Voice is a persistent persona that observes the writer's text.
type Voice struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Color           string    `json:"color"`
	IFSRole         IFSRole   `json:"ifs_role"`
	Concern         string    `json:"concern"`
	SystemPrompt    string    `json:"system_prompt"`
	LearnedKeywords []string  `json:"learned_keywords"`
	LearnedEmotions []string  `json:"learned_emotions"`
	IsSeeded        bool      `json:"is_seeded"`
	CreatedAt       time.Time `json:"created_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

// PauseType classifies a detected pause in the keystroke stream.
type PauseType string

const (
	PauseShort            PauseType = "short_pause"
	PauseSentenceComplete PauseType = "sentence_complete"
	PauseCadenceSlowdown  PauseType = "cadence_slowdown"
	PauseParagraphBreak   PauseType = "paragraph_break"
	PauseLong             PauseType = "long_pause"
	PauseEllipsis         PauseType = "ellipsis"
	PauseQuestion         PauseType = "question"
	PauseTrailingOff      PauseType = "trailing_off"
)

// PauseEvent is emitted once per detected pause.
type PauseEvent struct {
	Type           PauseType `json:"type"`
	Duration       time.Duration
	CurrentText    string    `json:"current_text"`
	CursorPosition int       `json:"cursor_position"`
	RecentText     string    `json:"recent_text"`
	Timestamp      time.Time `json:"timestamp"`
}

// KeystrokeRecord is one timestamped keystroke in the classifier's ring buffer.
type KeystrokeRecord struct {
	Timestamp time.Time
	Char      rune
}

// MemoryType categorizes a stored memory and selects its retention cap.
type MemoryType string

const (
	MemoryObservation MemoryType = "observation"
	MemoryInteraction MemoryType = "interaction"
	MemoryReflection  MemoryType = "reflection"
	MemoryPattern     MemoryType = "pattern"
	MemorySomatic     MemoryType = "somatic"
)

// Memory is one per-voice record.
type Memory struct {
	ID        string     `json:"id"`
	VoiceID   string     `json:"voice_id"`
	ContextID string     `json:"context_id"`
	Content   string     `json:"content"`
	Type      MemoryType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	// Embedding is the vector representation used for similarity retrieval.
	Embedding []float32 `json:"-"`
}

// RetrievedMemory is a memory snippet returned from similarity search.
type RetrievedMemory struct {
	Content    string     `json:"content"`
	Type       MemoryType `json:"type"`
	Similarity float64    `json:"similarity"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Speaker identifies who authored a session message.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerVoice Speaker = "voice"
)

// SessionPhase is derived from the count of user messages in the transcript.
type SessionPhase string

const (
	PhaseOpening   SessionPhase = "opening"
	PhaseDeepening SessionPhase = "deepening"
	PhaseClosing   SessionPhase = "closing"
)

// SessionMessage is one turn in a session transcript.
type SessionMessage struct {
	ID          string       `json:"id"`
	Speaker     Speaker      `json:"speaker"`
	VoiceID     string       `json:"voice_id,omitempty"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Phase       SessionPhase `json:"phase"`
	IsEmergence bool         `json:"is_emergence"`
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// Session groups the messages exchanged on one editing surface.
type Session struct {
	ID                  string        `json:"id"`
	HostVoiceID         string        `json:"host_voice_id"`
	ParticipantVoiceIDs []string      `json:"participant_voice_ids"`
	Phase               SessionPhase  `json:"phase"`
	Status              SessionStatus `json:"status"`
	MessageCount        int           `json:"message_count"`
}
