package safety

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quietpage/margins/internal/models"
)

type fakeCompleter struct {
	response string
	calls    int
}

func (f *fakeCompleter) Complete(_ context.Context, _ models.ChatRequest) (string, error) {
	f.calls++
	return f.response, nil
}

func TestClassifyParsesSignal(t *testing.T) {
	client := &fakeCompleter{response: "```json\n" + `{"emotion": "dread", "distress_level": 2}` + "\n```"}
	c := NewDistressClassifier(client, "test-model")

	signal, err := c.Classify(context.Background(), "I can't shake this feeling")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signal == nil {
		t.Fatal("expected a signal")
	}
	if signal.Emotion != "dread" || signal.DistressLevel != 2 {
		t.Errorf("signal = %+v", signal)
	}
}

func TestClassifyClampsLevel(t *testing.T) {
	client := &fakeCompleter{response: `{"emotion": "panic", "distress_level": 9}`}
	c := NewDistressClassifier(client, "test-model")

	signal, err := c.Classify(context.Background(), "text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signal.DistressLevel != 3 {
		t.Errorf("level = %d, want clamp to 3", signal.DistressLevel)
	}
}

func TestClassifyCooldownSkips(t *testing.T) {
	client := &fakeCompleter{response: `{"emotion": "flat", "distress_level": 0}`}
	c := NewDistressClassifier(client, "test-model")
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	c.nowFunc = func() time.Time { return now }

	if _, err := c.Classify(context.Background(), "first"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now = now.Add(10 * time.Second)
	signal, err := c.Classify(context.Background(), "second")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signal != nil {
		t.Fatal("check inside the cooldown should be skipped")
	}
	if client.calls != 1 {
		t.Fatalf("model called %d times, want 1", client.calls)
	}

	now = now.Add(distressCooldown)
	if _, err := c.Classify(context.Background(), "third"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("model called %d times, want 2", client.calls)
	}
}

func TestGroundingConcurrentAccess(t *testing.T) {
	g := NewGroundingState()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g.Trigger()
				g.ObserveCalm()
				_ = g.Active()
			}
		}()
	}
	wg.Wait()
}

func TestGroundingReleasesAfterCalmStreak(t *testing.T) {
	g := NewGroundingState()
	if g.Active() {
		t.Fatal("grounding starts inactive")
	}

	g.Trigger()
	if !g.Active() {
		t.Fatal("trigger should activate grounding")
	}

	g.ObserveCalm()
	g.ObserveCalm()
	if !g.Active() {
		t.Fatal("two calm observations are not enough")
	}

	// A fresh trigger resets the streak.
	g.Trigger()
	g.ObserveCalm()
	g.ObserveCalm()
	if !g.Active() {
		t.Fatal("streak should reset on re-trigger")
	}
	g.ObserveCalm()
	if g.Active() {
		t.Fatal("three consecutive calm observations should release grounding")
	}
}
