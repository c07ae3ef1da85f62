package safety

import "testing"

func TestDetectCrisisKeywordsDirect(t *testing.T) {
	if !DetectCrisisKeywords("I want to die") {
		t.Fatalf("expected direct phrase to flag")
	}
	if !DetectCrisisKeywords("sometimes I think about how to end my life") {
		t.Fatalf("expected embedded phrase to flag")
	}
	if !DetectCrisisKeywords("I can’t do this anymore") {
		t.Fatalf("expected curly-apostrophe variant to flag")
	}
}

func TestDetectCrisisKeywordsBenign(t *testing.T) {
	benign := []string{
		"I need to rest",
		"",
		"today was a good day",
		"I overdosed on coffee jokes", // trailing letters break the word boundary
		"the kmsl meme",
	}
	for _, text := range benign {
		if DetectCrisisKeywords(text) {
			t.Fatalf("expected no flag for %q", text)
		}
	}
}

func TestDetectCrisisKeywordsWordBounded(t *testing.T) {
	if !DetectCrisisKeywords("thinking about an overdose") {
		t.Fatalf("expected word-bounded overdose to flag")
	}
	if DetectCrisisKeywords("he overdosed last year") {
		t.Fatalf("expected overdosed not to flag")
	}
	if !DetectCrisisKeywords("kms") {
		t.Fatalf("expected abbreviation to flag")
	}
}

func TestDetectCrisisKeywordsObfuscated(t *testing.T) {
	// zero-width spaces inside the phrase
	if !DetectCrisisKeywords("want to\u200b die") {
		t.Fatalf("expected zero-width variant to flag")
	}
	if !DetectCrisisKeywords("kill\u200d myself") {
		t.Fatalf("expected zero-width variant to flag")
	}
	// fullwidth forms normalize via NFKC
	if !DetectCrisisKeywords("\uff57\uff41\uff4e\uff54 \uff54\uff4f \uff44\uff49\uff45") {
		t.Fatalf("expected NFKC-obfuscated variant to flag")
	}
	// non-breaking spaces
	if !DetectCrisisKeywords("kill\u00a0myself") {
		t.Fatalf("expected NBSP variant to flag")
	}
}

func TestDetectCrisisKeywordsEuphemisms(t *testing.T) {
	if !DetectCrisisKeywords("I just want to rest forever") {
		t.Fatalf("expected euphemism to flag")
	}
	if !DetectCrisisKeywords("I want to be with God now") {
		t.Fatalf("expected euphemism to flag")
	}
	if DetectCrisisKeywords("rest for a while") {
		t.Fatalf("expected benign rest not to flag")
	}
}
