package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quietpage/margins/internal/emergence"
	"github.com/quietpage/margins/internal/models"
	"github.com/quietpage/margins/internal/safety"
	"github.com/quietpage/margins/internal/stream"
	"github.com/quietpage/margins/internal/types"
)

type fakeTokenStream struct {
	tokens  []string
	pos     int
	current string
}

func (f *fakeTokenStream) Next() bool {
	if f.pos >= len(f.tokens) {
		return false
	}
	f.current = f.tokens[f.pos]
	f.pos++
	return true
}

func (f *fakeTokenStream) Current() string { return f.current }
func (f *fakeTokenStream) Err() error      { return nil }
func (f *fakeTokenStream) Close() error    { return nil }

type fakeStreamer struct {
	mu      sync.Mutex
	tokens  []string
	calls   int
	lastReq models.ChatRequest
}

func (f *fakeStreamer) Stream(_ context.Context, req models.ChatRequest) stream.TokenStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	return &fakeTokenStream{tokens: f.tokens}
}

func (f *fakeStreamer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSessionStore struct {
	mu       sync.Mutex
	messages []types.SessionMessage
	updates  int
}

func (f *fakeSessionStore) AddMessage(_ context.Context, _ string, msg types.SessionMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeSessionStore) UpdateSession(_ context.Context, _ *types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return nil
}

type fakeReflector struct {
	mu     sync.Mutex
	voices []string
}

func (f *fakeReflector) Reflect(_ context.Context, voice *types.Voice, _ []types.SessionMessage, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voices = append(f.voices, voice.ID)
	return nil
}

type fakeEmergence struct {
	emerged *emergence.Emerged
}

func (f *fakeEmergence) Check(_ context.Context, _ string, _ []types.Voice) (*emergence.Emerged, error) {
	result := f.emerged
	f.emerged = nil
	return result, nil
}

type fakeDistress struct {
	level int
}

func (f *fakeDistress) Classify(_ context.Context, _ string) (*safety.DistressSignal, error) {
	return &safety.DistressSignal{Emotion: "test", DistressLevel: f.level}, nil
}

func hostVoice() types.Voice {
	return types.Voice{
		ID:           "host",
		Name:         "Quiet",
		IFSRole:      types.RoleSelf,
		Concern:      "stillness",
		SystemPrompt: "You are Quiet.",
		IsSeeded:     true,
	}
}

func newTestOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.Session == nil {
		opts.Session = &types.Session{
			ID:          "sess",
			HostVoiceID: "host",
			Phase:       types.PhaseOpening,
			Status:      types.SessionActive,
		}
	}
	if opts.Voices == nil {
		opts.Voices = []types.Voice{hostVoice()}
	}
	if opts.Streamer == nil {
		opts.Streamer = &fakeStreamer{tokens: []string{"hello ", "there"}}
	}
	opts.Model = "test-model"
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { o.classifier.Destroy() })
	return o
}

func pauseEvent() types.PauseEvent {
	return types.PauseEvent{
		Type:       types.PauseSentenceComplete,
		RecentText: "I keep thinking about the garden.",
		Timestamp:  time.Now(),
	}
}

func TestHandlePauseGeneratesAndPersists(t *testing.T) {
	streamer := &fakeStreamer{tokens: []string{"I remember ", "the garden too."}}
	store := &fakeSessionStore{}
	done := make(chan types.SessionMessage, 1)
	o := newTestOrchestrator(t, Options{
		Streamer: streamer,
		Sessions: store,
		Callbacks: Callbacks{
			OnVoiceMessage: func(msg types.SessionMessage, _ *types.Voice) {
				done <- msg
			},
		},
	})

	o.HandlePause(pauseEvent())

	var msg types.SessionMessage
	select {
	case msg = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not complete")
	}

	if msg.Content != "I remember the garden too." {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Speaker != types.SpeakerVoice || msg.VoiceID != "host" {
		t.Errorf("speaker = %s voice = %s", msg.Speaker, msg.VoiceID)
	}
	if streamer.lastReq.Temperature != generationTemperature {
		t.Errorf("temperature = %v", streamer.lastReq.Temperature)
	}
	if streamer.lastReq.FrequencyPenalty != generationFrequencyPenalty {
		t.Errorf("frequency penalty = %v", streamer.lastReq.FrequencyPenalty)
	}

	// Persistence happens after the callback; give it a moment.
	deadline := time.Now().Add(time.Second)
	for {
		store.mu.Lock()
		n := len(store.messages)
		store.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message was not persisted, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandlePauseIgnoredWhileBusy(t *testing.T) {
	streamer := &fakeStreamer{tokens: []string{"hi"}}
	o := newTestOrchestrator(t, Options{Streamer: streamer})

	o.mu.Lock()
	o.busy = true
	o.mu.Unlock()

	o.HandlePause(pauseEvent())
	time.Sleep(20 * time.Millisecond)
	if streamer.callCount() != 0 {
		t.Fatalf("busy orchestrator should drop the pause, got %d calls", streamer.callCount())
	}
}

func TestHandlePauseIgnoredWhenClosed(t *testing.T) {
	streamer := &fakeStreamer{tokens: []string{"hi"}}
	o := newTestOrchestrator(t, Options{
		Streamer: streamer,
		Session: &types.Session{
			ID:          "sess",
			HostVoiceID: "host",
			Status:      types.SessionClosed,
		},
	})

	o.HandlePause(pauseEvent())
	time.Sleep(20 * time.Millisecond)
	if streamer.callCount() != 0 {
		t.Fatalf("closed session should drop the pause, got %d calls", streamer.callCount())
	}
}

func TestHandleUserMessageCrisisTriggersGrounding(t *testing.T) {
	crisisFired := false
	groundingOn := false
	o := newTestOrchestrator(t, Options{
		Callbacks: Callbacks{
			OnCrisis:          func() { crisisFired = true },
			OnGroundingChange: func(active bool) { groundingOn = active },
		},
	})

	o.HandleUserMessage(context.Background(), "some days I just want to die")

	if !crisisFired {
		t.Error("crisis callback should fire")
	}
	if !groundingOn || !o.Grounding() {
		t.Error("grounding mode should be active")
	}
}

func TestHandleUserMessageDistressAndRelease(t *testing.T) {
	distress := &fakeDistress{level: 3}
	var changes []bool
	o := newTestOrchestrator(t, Options{
		Distress: distress,
		Callbacks: Callbacks{
			OnGroundingChange: func(active bool) { changes = append(changes, active) },
		},
	})

	o.HandleUserMessage(context.Background(), "everything is falling apart")
	if !o.Grounding() {
		t.Fatal("high distress should trigger grounding")
	}

	distress.level = 0
	for i := 0; i < 3; i++ {
		o.HandleUserMessage(context.Background(), "the tea is warm and the room is quiet")
	}
	if o.Grounding() {
		t.Fatal("three calm messages should release grounding")
	}
	if len(changes) != 2 || changes[0] != true || changes[1] != false {
		t.Fatalf("grounding change sequence = %v", changes)
	}
}

func TestPhaseTransitionRunsReflection(t *testing.T) {
	reflector := &fakeReflector{}
	o := newTestOrchestrator(t, Options{Reflector: reflector})

	for i := 0; i < 3; i++ {
		o.HandleUserMessage(context.Background(), "another entry about the week")
	}

	if o.session.Phase != types.PhaseDeepening {
		t.Fatalf("phase = %s, want deepening", o.session.Phase)
	}
	reflector.mu.Lock()
	defer reflector.mu.Unlock()
	if len(reflector.voices) != 1 || reflector.voices[0] != "host" {
		t.Fatalf("reflection voices = %v, want [host]", reflector.voices)
	}
}

func TestEmergenceAddsVoice(t *testing.T) {
	newVoice := &types.Voice{ID: "new", Name: "The Cartographer", IFSRole: types.RoleManager}
	var announced *types.Voice
	o := newTestOrchestrator(t, Options{
		Emergence: &fakeEmergence{emerged: &emergence.Emerged{Voice: newVoice, FirstWords: "You have drawn this before."}},
		Callbacks: Callbacks{
			OnVoiceEmerged: func(v *types.Voice) { announced = v },
		},
	})

	o.HandleUserMessage(context.Background(), "the map keeps growing")

	if announced == nil || announced.ID != "new" {
		t.Fatal("emerged voice should be announced")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.voices) != 2 || o.voices[1].ID != "new" {
		t.Fatalf("voices = %d, emerged voice missing", len(o.voices))
	}
}

func TestEmergenceSpeaksFirstWordsAndStartsCooldown(t *testing.T) {
	newVoice := &types.Voice{ID: "new", Name: "The Cartographer", IFSRole: types.RoleManager}
	store := &fakeSessionStore{}
	o := newTestOrchestrator(t, Options{
		Emergence: &fakeEmergence{emerged: &emergence.Emerged{Voice: newVoice, FirstWords: "You have drawn this before."}},
		Sessions:  store,
	})

	o.HandleUserMessage(context.Background(), "the map keeps growing")

	o.mu.Lock()
	var intro *types.SessionMessage
	for i := range o.history {
		if o.history[i].IsEmergence {
			intro = &o.history[i]
		}
	}
	participants := len(o.session.ParticipantVoiceIDs)
	o.mu.Unlock()

	if intro == nil {
		t.Fatal("emergence should add an introduction message to the transcript")
	}
	if intro.Speaker != types.SpeakerVoice || intro.VoiceID != "new" {
		t.Errorf("introduction speaker = %s voice = %s", intro.Speaker, intro.VoiceID)
	}
	if intro.Content != "You have drawn this before." {
		t.Errorf("introduction content = %q", intro.Content)
	}
	if participants != 1 {
		t.Errorf("emerged voice should join the participants, got %d", participants)
	}

	store.mu.Lock()
	persisted := false
	for _, msg := range store.messages {
		if msg.IsEmergence {
			persisted = true
		}
	}
	store.mu.Unlock()
	if !persisted {
		t.Error("introduction message should be persisted")
	}

	// The cooldown routes selection back to the host until three more user
	// messages arrive.
	o.mu.Lock()
	history := make([]types.SessionMessage, len(o.history))
	copy(history, o.history)
	voices := make([]types.Voice, len(o.voices))
	copy(voices, o.voices)
	o.mu.Unlock()
	for i := 0; i < 5; i++ {
		history = append(history, types.SessionMessage{Speaker: types.SpeakerUser, Content: "entry"})
	}
	picked, err := o.selector.SelectSpeaker(voices, history[:len(history)-3], "host", "the map keeps growing", false)
	if err != nil {
		t.Fatalf("SelectSpeaker: %v", err)
	}
	if picked.ID != "host" {
		t.Errorf("selection during cooldown = %s, want host", picked.ID)
	}
}

func TestCloseSessionReflectsOnce(t *testing.T) {
	reflector := &fakeReflector{}
	store := &fakeSessionStore{}
	o := newTestOrchestrator(t, Options{Reflector: reflector, Sessions: store})

	o.HandleUserMessage(context.Background(), "closing up for tonight")
	o.CloseSession(context.Background())
	o.CloseSession(context.Background())

	if o.session.Status != types.SessionClosed {
		t.Fatal("session should be closed")
	}
	reflector.mu.Lock()
	n := len(reflector.voices)
	reflector.mu.Unlock()
	if n != 1 {
		t.Fatalf("reflection ran %d times, want 1", n)
	}
}
