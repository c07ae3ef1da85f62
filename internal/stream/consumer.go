// Package stream safely consumes incremental model output, recovering from
// repetition loops and honoring cancellation.
package stream

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Loop-guard thresholds. The values mirror long-standing production tuning;
// they are named here rather than re-derived.
const (
	// LoopWindowLength is the size of the trailing span checked for an
	// earlier occurrence.
	LoopWindowLength = 40
	// LoopGuardMinLength is how much text must accumulate before the guard
	// engages.
	LoopGuardMinLength = 100
)

// TokenStream is an incremental token source. The production implementation
// adapts an SSE-decoded chat completion stream.
type TokenStream interface {
	Next() bool
	Current() string
	Err() error
	Close() error
}

// Result is the assembled output of one streamed generation.
type Result struct {
	Text string
	// LoopDetected marks that the generation degenerated into repetition and
	// was truncated; this is a recovered condition, not an error.
	LoopDetected bool
}

// Consumer assembles streamed tokens with loop detection.
type Consumer struct {
	windowLen int
	minLen    int
}

// NewConsumer returns a consumer with the default loop-guard thresholds.
func NewConsumer() *Consumer {
	return &Consumer{windowLen: LoopWindowLength, minLen: LoopGuardMinLength}
}

// Consume drains ts, forwarding each token to onToken, until the stream ends,
// the context is cancelled, or a repetition loop is detected. On loop
// detection abort is invoked (if non-nil) to cancel the underlying request
// and the assembled text is truncated at the first occurrence of the
// repeated span, trailing whitespace trimmed. The in-flight reader is
// abandoned, not drained.
func (c *Consumer) Consume(ctx context.Context, ts TokenStream, onToken func(string), abort func()) (Result, error) {
	defer func() {
		_ = ts.Close()
	}()

	var sb strings.Builder
	for ts.Next() {
		if err := ctx.Err(); err != nil {
			return Result{Text: sb.String()}, err
		}
		token := ts.Current()
		if token == "" {
			continue
		}
		sb.WriteString(token)
		if onToken != nil {
			onToken(token)
		}

		if text, looped := c.checkLoop(sb.String()); looped {
			if abort != nil {
				abort()
			}
			return Result{Text: text, LoopDetected: true}, nil
		}
	}
	if err := ts.Err(); err != nil {
		return Result{Text: sb.String()}, err
	}
	return Result{Text: sb.String()}, nil
}

// checkLoop reports whether the trailing window already occurs earlier in
// text, returning the truncated text when it does. The truncation keeps the
// first occurrence and drops everything generated after it.
func (c *Consumer) checkLoop(text string) (string, bool) {
	if utf8.RuneCountInString(text) <= c.minLen {
		return "", false
	}
	runes := []rune(text)
	window := string(runes[len(runes)-c.windowLen:])
	head := text[:len(text)-len(window)]
	idx := strings.Index(head, window)
	if idx < 0 {
		return "", false
	}
	truncated := strings.TrimRight(text[:idx+len(window)], " \t\r\n")
	return truncated, true
}
