package stream

import (
	"context"
	"strings"
	"testing"
	"time"
)

// fakeStream yields a fixed token sequence.
type fakeStream struct {
	tokens []string
	pos    int
	err    error
	closed bool
	delay  time.Duration
}

func (s *fakeStream) Next() bool {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.pos >= len(s.tokens) {
		return false
	}
	s.pos++
	return true
}

func (s *fakeStream) Current() string { return s.tokens[s.pos-1] }
func (s *fakeStream) Err() error      { return s.err }
func (s *fakeStream) Close() error    { s.closed = true; return nil }

func tokens(text string, size int) []string {
	var out []string
	for len(text) > size {
		out = append(out, text[:size])
		text = text[size:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func TestConsumeAssemblesText(t *testing.T) {
	ts := &fakeStream{tokens: []string{"The ", "page ", "listens."}}
	var forwarded []string
	got, err := NewConsumer().Consume(context.Background(), ts, func(tok string) {
		forwarded = append(forwarded, tok)
	}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Text != "The page listens." {
		t.Fatalf("unexpected text: %q", got.Text)
	}
	if got.LoopDetected {
		t.Fatalf("unexpected loop flag")
	}
	if len(forwarded) != 3 {
		t.Fatalf("expected 3 forwarded tokens, got %d", len(forwarded))
	}
	if !ts.closed {
		t.Fatalf("expected stream closed")
	}
}

func TestConsumeDetectsRepetitionLoop(t *testing.T) {
	span := "the quiet hum of the refrigerator fills "
	if len(span) != LoopWindowLength {
		t.Fatalf("fixture span must be %d chars, got %d", LoopWindowLength, len(span))
	}
	text := "It begins normally enough, describing how " + span + span + span + span
	ts := &fakeStream{tokens: tokens(text, 7)}

	aborted := false
	got, err := NewConsumer().Consume(context.Background(), ts, nil, func() { aborted = true })
	if err != nil {
		t.Fatalf("expected loop recovery without error, got %v", err)
	}
	if !got.LoopDetected {
		t.Fatalf("expected loop detected")
	}
	if !aborted {
		t.Fatalf("expected abort invoked")
	}
	if !strings.HasPrefix(got.Text, "It begins normally enough") {
		t.Fatalf("unexpected truncated text: %q", got.Text)
	}
	// the span occurs exactly once in the truncated output
	if strings.Count(got.Text+" ", span) != 1 {
		t.Fatalf("expected a single span occurrence, got %q", got.Text)
	}
	if strings.HasSuffix(got.Text, " ") {
		t.Fatalf("expected trailing whitespace trimmed: %q", got.Text)
	}
}

func TestConsumeNoLoopUnderThreshold(t *testing.T) {
	// repeated span but total text stays at the guard threshold
	text := strings.Repeat("ab", 50)
	ts := &fakeStream{tokens: tokens(text, 5)}
	got, err := NewConsumer().Consume(context.Background(), ts, nil, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.LoopDetected {
		t.Fatalf("guard must not engage at %d chars", len(text))
	}
}

func TestConsumeContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ts := &fakeStream{tokens: []string{"a", "b"}}
	if _, err := NewConsumer().Consume(ctx, ts, nil, nil); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestConsumeTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	ts := &fakeStream{tokens: tokens(strings.Repeat("x ", 200), 2), delay: 2 * time.Millisecond}
	if _, err := NewConsumer().Consume(ctx, ts, nil, nil); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestConsumeStreamError(t *testing.T) {
	ts := &fakeStream{tokens: []string{"partial "}, err: context.DeadlineExceeded}
	got, err := NewConsumer().Consume(context.Background(), ts, nil, nil)
	if err == nil {
		t.Fatalf("expected stream error surfaced")
	}
	if got.Text != "partial " {
		t.Fatalf("expected partial text retained, got %q", got.Text)
	}
}
