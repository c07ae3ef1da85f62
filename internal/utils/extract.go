// Package utils holds small parsing helpers for loosely structured model output.
package utils

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSONBlock pulls the most likely JSON object out of free-form model
// text. It prefers a fenced code block, then falls back to the span between
// the first "{" and the last "}", then to the raw string.
func ExtractJSONBlock(raw string) string {
	clean := strings.TrimSpace(raw)

	if idx := strings.Index(clean, "```"); idx >= 0 {
		rest := clean[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			clean = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.Index(clean, "{")
	end := strings.LastIndex(clean, "}")
	if start >= 0 && end > start {
		clean = clean[start : end+1]
	}
	return clean
}

// DecodeLenient extracts a JSON object from raw model output and unmarshals
// it into v. Any parse failure is reported as an error so call sites can
// treat it as "no result".
func DecodeLenient(raw string, v any) error {
	clean := ExtractJSONBlock(raw)
	if clean == "" {
		return fmt.Errorf("empty model output")
	}
	if err := json.Unmarshal([]byte(clean), v); err != nil {
		return fmt.Errorf("failed to parse model output: %w", err)
	}
	return nil
}
