// Package orchestrator coordinates pause handling, speaker selection, safety,
// and generation for one editing surface.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quietpage/margins/internal/emergence"
	"github.com/quietpage/margins/internal/keystroke"
	"github.com/quietpage/margins/internal/models"
	"github.com/quietpage/margins/internal/prompt"
	"github.com/quietpage/margins/internal/safety"
	"github.com/quietpage/margins/internal/speaker"
	"github.com/quietpage/margins/internal/stream"
	"github.com/quietpage/margins/internal/types"
)

const (
	generationTemperature      = 0.9
	generationFrequencyPenalty = 0.4
	defaultStreamTimeout       = 30 * time.Second
)

// SessionStore persists the session and its transcript.
type SessionStore interface {
	AddMessage(ctx context.Context, sessionID string, msg types.SessionMessage) error
	UpdateSession(ctx context.Context, session *types.Session) error
}

// VoiceStore records voice activity.
type VoiceStore interface {
	TouchLastActive(ctx context.Context, voiceID string, at time.Time) error
}

// MemoryRetriever fetches memories relevant to the current text.
type MemoryRetriever interface {
	Retrieve(ctx context.Context, voiceID, query string) ([]types.RetrievedMemory, error)
}

// Reflector runs the reflection cycle for one voice.
type Reflector interface {
	Reflect(ctx context.Context, voice *types.Voice, history []types.SessionMessage, contextID string) error
}

// EmergenceChecker looks for a newly emerging voice.
type EmergenceChecker interface {
	Check(ctx context.Context, currentText string, voices []types.Voice) (*emergence.Emerged, error)
}

// DistressChecker estimates the writer's distress level.
type DistressChecker interface {
	Classify(ctx context.Context, text string) (*safety.DistressSignal, error)
}

// Callbacks are the rendering hooks. The engine decides when they fire, the
// caller decides how they render. All are optional.
type Callbacks struct {
	OnToken           func(voiceID, token string)
	OnVoiceMessage    func(msg types.SessionMessage, voice *types.Voice)
	OnCrisis          func()
	OnGroundingChange func(active bool)
	OnVoiceEmerged    func(voice *types.Voice)
}

// Options carries the orchestrator's collaborators.
type Options struct {
	Session           *types.Session
	Voices            []types.Voice
	History           []types.SessionMessage
	Streamer          models.Streamer
	Model             string
	Sessions          SessionStore
	VoiceActivity     VoiceStore
	Retriever         MemoryRetriever
	Reflector         Reflector
	Emergence         EmergenceChecker
	Distress          DistressChecker
	Builder           *prompt.Builder
	Callbacks         Callbacks
	StreamTimeout     time.Duration
	DistressThreshold int
	Rand              speaker.RandSource
}

// Orchestrator is the per-surface façade. One instance serves one session.
type Orchestrator struct {
	mu      sync.Mutex
	busy    bool
	session *types.Session
	voices  []types.Voice
	history []types.SessionMessage

	classifier *keystroke.Classifier
	selector   *speaker.Selector
	consumer   *stream.Consumer
	grounding  *safety.GroundingState

	streamer  models.Streamer
	model     string
	sessions  SessionStore
	activity  VoiceStore
	retriever MemoryRetriever
	reflector Reflector
	emergence EmergenceChecker
	distress  DistressChecker
	builder   *prompt.Builder
	cb        Callbacks

	streamTimeout     time.Duration
	distressThreshold int
	nowFunc           func() time.Time
}

// New creates an Orchestrator and its keystroke classifier.
func New(opts Options) (*Orchestrator, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if opts.Streamer == nil {
		return nil, fmt.Errorf("streamer is required")
	}
	if opts.Builder == nil {
		opts.Builder = prompt.NewBuilder(10)
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = defaultStreamTimeout
	}
	if opts.DistressThreshold <= 0 {
		opts.DistressThreshold = 2
	}

	o := &Orchestrator{
		session:           opts.Session,
		voices:            opts.Voices,
		history:           opts.History,
		selector:          speaker.NewSelector(opts.Rand),
		consumer:          stream.NewConsumer(),
		grounding:         safety.NewGroundingState(),
		streamer:          opts.Streamer,
		model:             opts.Model,
		sessions:          opts.Sessions,
		activity:          opts.VoiceActivity,
		retriever:         opts.Retriever,
		reflector:         opts.Reflector,
		emergence:         opts.Emergence,
		distress:          opts.Distress,
		builder:           opts.Builder,
		cb:                opts.Callbacks,
		streamTimeout:     opts.StreamTimeout,
		distressThreshold: opts.DistressThreshold,
		nowFunc:           time.Now,
	}
	o.classifier = keystroke.NewClassifier(o.HandlePause)
	return o, nil
}

// RecordKeystroke forwards one keystroke to the pause classifier.
func (o *Orchestrator) RecordKeystroke(char rune, currentText string, cursor int) {
	o.classifier.RecordKeystroke(char, currentText, cursor)
}

// SetSpeedMultiplier adjusts the pause thresholds for the writer's cadence.
func (o *Orchestrator) SetSpeedMultiplier(m float64) {
	o.classifier.SetSpeedMultiplier(m)
}

// HandlePause reacts to one detected pause. A pause arriving while a
// generation is in flight is dropped.
func (o *Orchestrator) HandlePause(event types.PauseEvent) {
	o.mu.Lock()
	if o.busy || o.session.Status != types.SessionActive {
		o.mu.Unlock()
		return
	}
	o.busy = true
	o.mu.Unlock()

	o.classifier.Suppress()
	go o.generate(event)
}

func (o *Orchestrator) generate(event types.PauseEvent) {
	defer func() {
		o.mu.Lock()
		o.busy = false
		o.mu.Unlock()
		o.classifier.Resume()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), o.streamTimeout)
	defer cancel()

	o.mu.Lock()
	voices := make([]types.Voice, len(o.voices))
	copy(voices, o.voices)
	history := make([]types.SessionMessage, len(o.history))
	copy(history, o.history)
	hostID := o.session.HostVoiceID
	o.mu.Unlock()

	grounding := o.grounding.Active()
	voice, err := o.selector.SelectSpeaker(voices, history, hostID, event.RecentText, grounding)
	if err != nil {
		slog.Error("failed to select speaker", "error", err.Error())
		return
	}

	var memories []types.RetrievedMemory
	if o.retriever != nil {
		memories, err = o.retriever.Retrieve(ctx, voice.ID, event.RecentText)
		if err != nil {
			slog.Warn("failed to retrieve memories", "voice", voice.Name, "error", err.Error())
			memories = nil
		}
	}

	messages, err := o.builder.BuildMessages(prompt.BuildContext{
		Voice:      voice,
		Pause:      event,
		Grounding:  grounding,
		Memories:   memories,
		History:    history,
		VoiceNames: voiceNames(voices),
	})
	if err != nil {
		slog.Error("failed to build prompt", "voice", voice.Name, "error", err.Error())
		return
	}

	phase := speaker.DetectPhase(history)
	ts := o.streamer.Stream(ctx, models.ChatRequest{
		Model:            o.model,
		Messages:         messages,
		MaxTokens:        int64(speaker.TokenBudget(phase)),
		Temperature:      generationTemperature,
		FrequencyPenalty: generationFrequencyPenalty,
	})

	onToken := func(token string) {
		if o.cb.OnToken != nil {
			o.cb.OnToken(voice.ID, token)
		}
	}
	result, err := o.consumer.Consume(ctx, ts, onToken, cancel)
	if err != nil {
		slog.Error("generation failed", "voice", voice.Name, "error", err.Error())
		return
	}
	if result.Text == "" {
		return
	}
	if result.LoopDetected {
		slog.Warn("repetition loop detected, truncated response", "voice", voice.Name)
	}

	msg := types.SessionMessage{
		ID:        ulid.Make().String(),
		Speaker:   types.SpeakerVoice,
		VoiceID:   voice.ID,
		Content:   result.Text,
		Timestamp: o.nowFunc(),
		Phase:     phase,
	}
	o.appendMessage(msg)
	if o.cb.OnVoiceMessage != nil {
		o.cb.OnVoiceMessage(msg, voice)
	}

	persistCtx, persistCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer persistCancel()
	o.persistMessage(persistCtx, msg)
	o.persistSession(persistCtx)
	if o.activity != nil {
		if err := o.activity.TouchLastActive(persistCtx, voice.ID, msg.Timestamp); err != nil {
			slog.Warn("failed to record voice activity", "voice", voice.Name, "error", err.Error())
		}
	}
}

// HandleUserMessage ingests one completed user entry: safety checks first,
// then transcript bookkeeping, then the emergence check.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, content string) {
	if safety.DetectCrisisKeywords(content) {
		wasActive := o.grounding.Active()
		o.grounding.Trigger()
		if o.cb.OnCrisis != nil {
			o.cb.OnCrisis()
		}
		if !wasActive && o.cb.OnGroundingChange != nil {
			o.cb.OnGroundingChange(true)
		}
	} else {
		o.observeDistress(ctx, content)
	}

	msg := types.SessionMessage{
		ID:        ulid.Make().String(),
		Speaker:   types.SpeakerUser,
		Content:   content,
		Timestamp: o.nowFunc(),
	}

	o.mu.Lock()
	o.history = append(o.history, msg)
	phase := speaker.DetectPhase(o.history)
	o.history[len(o.history)-1].Phase = phase
	msg.Phase = phase
	transitioned := phase != o.session.Phase
	o.session.Phase = phase
	o.session.MessageCount++
	o.mu.Unlock()

	o.persistMessage(ctx, msg)
	o.persistSession(ctx)

	if transitioned {
		o.runReflection(ctx)
	}
	o.checkEmergence(ctx, content)
}

// CloseSession ends the session: a final reflection pass, persistence, and
// classifier teardown.
func (o *Orchestrator) CloseSession(ctx context.Context) {
	o.mu.Lock()
	if o.session.Status == types.SessionClosed {
		o.mu.Unlock()
		return
	}
	o.session.Status = types.SessionClosed
	o.mu.Unlock()

	o.classifier.Destroy()
	o.runReflection(ctx)
	o.persistSession(ctx)
}

// Grounding reports whether grounding mode is active.
func (o *Orchestrator) Grounding() bool {
	return o.grounding.Active()
}

func (o *Orchestrator) observeDistress(ctx context.Context, content string) {
	if o.distress == nil {
		return
	}
	signal, err := o.distress.Classify(ctx, content)
	if err != nil {
		slog.Warn("distress classification failed", "error", err.Error())
		return
	}
	if signal == nil {
		return
	}
	wasActive := o.grounding.Active()
	switch {
	case signal.DistressLevel >= o.distressThreshold:
		o.grounding.Trigger()
	case signal.DistressLevel == 0:
		o.grounding.ObserveCalm()
	}
	if o.cb.OnGroundingChange != nil && o.grounding.Active() != wasActive {
		o.cb.OnGroundingChange(o.grounding.Active())
	}
}

func (o *Orchestrator) checkEmergence(ctx context.Context, currentText string) {
	if o.emergence == nil {
		return
	}
	o.mu.Lock()
	voices := make([]types.Voice, len(o.voices))
	copy(voices, o.voices)
	phase := o.session.Phase
	o.mu.Unlock()

	emerged, err := o.emergence.Check(ctx, currentText, voices)
	if err != nil {
		slog.Warn("emergence check failed", "error", err.Error())
		return
	}
	if emerged == nil {
		return
	}
	voice := emerged.Voice

	o.mu.Lock()
	o.voices = append(o.voices, *voice)
	o.mu.Unlock()
	slog.Info("new voice emerged", "name", voice.Name, "role", voice.IFSRole)
	if o.cb.OnVoiceEmerged != nil {
		o.cb.OnVoiceEmerged(voice)
	}

	// The voice arrives speaking. The IsEmergence flag starts the speaker
	// selection cooldown, so the roster settles before another voice cuts in.
	firstWords := emerged.FirstWords
	if firstWords == "" {
		firstWords = "I'm here too."
	}
	msg := types.SessionMessage{
		ID:          ulid.Make().String(),
		Speaker:     types.SpeakerVoice,
		VoiceID:     voice.ID,
		Content:     firstWords,
		Timestamp:   o.nowFunc(),
		Phase:       phase,
		IsEmergence: true,
	}
	o.appendMessage(msg)
	if o.cb.OnVoiceMessage != nil {
		o.cb.OnVoiceMessage(msg, voice)
	}
	o.persistMessage(ctx, msg)
	o.persistSession(ctx)
}

// runReflection reflects for the host and every participant voice. It skips
// entirely while a generation is in flight.
func (o *Orchestrator) runReflection(ctx context.Context) {
	if o.reflector == nil {
		return
	}
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return
	}
	history := make([]types.SessionMessage, len(o.history))
	copy(history, o.history)
	ids := map[string]bool{o.session.HostVoiceID: true}
	for _, id := range o.session.ParticipantVoiceIDs {
		ids[id] = true
	}
	sessionID := o.session.ID
	reflecting := make([]*types.Voice, 0, len(ids))
	for i := range o.voices {
		if ids[o.voices[i].ID] {
			reflecting = append(reflecting, &o.voices[i])
		}
	}
	o.mu.Unlock()

	for _, voice := range reflecting {
		if err := o.reflector.Reflect(ctx, voice, history, sessionID); err != nil {
			slog.Warn("reflection failed", "voice", voice.Name, "error", err.Error())
		}
	}
}

func (o *Orchestrator) appendMessage(msg types.SessionMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, msg)
	o.session.MessageCount++
	if msg.VoiceID != "" && msg.VoiceID != o.session.HostVoiceID {
		found := false
		for _, id := range o.session.ParticipantVoiceIDs {
			if id == msg.VoiceID {
				found = true
				break
			}
		}
		if !found {
			o.session.ParticipantVoiceIDs = append(o.session.ParticipantVoiceIDs, msg.VoiceID)
		}
	}
}

func (o *Orchestrator) persistMessage(ctx context.Context, msg types.SessionMessage) {
	if o.sessions == nil {
		return
	}
	if err := o.sessions.AddMessage(ctx, o.session.ID, msg); err != nil {
		slog.Error("failed to persist message", "error", err.Error())
	}
}

func (o *Orchestrator) persistSession(ctx context.Context) {
	if o.sessions == nil {
		return
	}
	o.mu.Lock()
	snapshot := *o.session
	o.mu.Unlock()
	if err := o.sessions.UpdateSession(ctx, &snapshot); err != nil {
		slog.Error("failed to persist session", "error", err.Error())
	}
}

func voiceNames(voices []types.Voice) map[string]string {
	names := make(map[string]string, len(voices))
	for _, v := range voices {
		names[v.ID] = v.Name
	}
	return names
}
