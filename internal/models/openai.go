// Package models adapts the OpenAI-compatible chat completion API.
package models

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/quietpage/margins/internal/stream"
)

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// ChatRequest describes one completion call.
type ChatRequest struct {
	Model            string
	Messages         []Message
	MaxTokens        int64
	Temperature      float64
	FrequencyPenalty float64
	// ResponseSchema, when set, constrains the model to a JSON schema named
	// SchemaName via structured outputs.
	ResponseSchema *jsonschema.Schema
	SchemaName     string
}

// Completer performs a blocking chat completion.
type Completer interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// Streamer starts a streaming chat completion.
type Streamer interface {
	Stream(ctx context.Context, req ChatRequest) stream.TokenStream
}

// ChatClient wraps an OpenAI-compatible chat client.
type ChatClient struct {
	client             *openai.Client
	versionHeaderValue string
}

// NewChatClient creates a client. baseURL may be empty for the default API.
func NewChatClient(apiKey, baseURL string) (*ChatClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)

	headerValue := fmt.Sprintf("margins/%s go/%s",
		"1.0.0", strings.TrimPrefix(runtime.Version(), "go"))

	return &ChatClient{
		client:             &client,
		versionHeaderValue: headerValue,
	}, nil
}

// Complete performs a blocking completion and returns the message text.
func (c *ChatClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	params, err := buildParams(req)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Chat.Completions.New(ctx, *params,
		option.WithHeader("user-agent", c.versionHeaderValue))
	if err != nil {
		return "", fmt.Errorf("failed to call chat API: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream starts a streaming completion. Request build failures surface
// through the returned stream's Err.
func (c *ChatClient) Stream(ctx context.Context, req ChatRequest) stream.TokenStream {
	params, err := buildParams(req)
	if err != nil {
		return &errStream{err: err}
	}
	inner := c.client.Chat.Completions.NewStreaming(ctx, *params,
		option.WithHeader("user-agent", c.versionHeaderValue))
	return &chunkStream{inner: inner}
}

// chunkStream adapts the SSE chunk stream to token-at-a-time consumption.
type chunkStream struct {
	inner   *ssestream.Stream[openai.ChatCompletionChunk]
	current string
}

func (s *chunkStream) Next() bool {
	for s.inner.Next() {
		chunk := s.inner.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		s.current = delta
		return true
	}
	return false
}

func (s *chunkStream) Current() string { return s.current }

func (s *chunkStream) Err() error {
	err := s.inner.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return fmt.Errorf("stream error: %w", err)
}

func (s *chunkStream) Close() error { return s.inner.Close() }

// errStream reports a request build failure as an immediately failed stream.
type errStream struct{ err error }

func (s *errStream) Next() bool      { return false }
func (s *errStream) Current() string { return "" }
func (s *errStream) Err() error      { return s.err }
func (s *errStream) Close() error    { return nil }
