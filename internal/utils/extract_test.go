package utils

import "testing"

type probe struct {
	Detected bool   `json:"detected"`
	Name     string `json:"name"`
}

func TestDecodeLenientPlain(t *testing.T) {
	var got probe
	if err := DecodeLenient(`{"detected":true,"name":"The Archivist"}`, &got); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !got.Detected || got.Name != "The Archivist" {
		t.Fatalf("unexpected result: %#v", got)
	}
}

func TestDecodeLenientFencedBlock(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"detected\":false}\n```\nHope that helps."
	var got probe
	if err := DecodeLenient(raw, &got); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Detected {
		t.Fatalf("expected detected=false, got %#v", got)
	}
}

func TestDecodeLenientWrapperText(t *testing.T) {
	var got probe
	if err := DecodeLenient(`prefix {"detected":true,"name":"x"} suffix`, &got); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !got.Detected {
		t.Fatalf("unexpected result: %#v", got)
	}
}

func TestDecodeLenientGarbage(t *testing.T) {
	var got probe
	if err := DecodeLenient("not json at all", &got); err == nil {
		t.Fatalf("expected error for garbage input")
	}
}

func TestDecodeLenientEmpty(t *testing.T) {
	var got probe
	if err := DecodeLenient("   ", &got); err == nil {
		t.Fatalf("expected error for empty input")
	}
}
