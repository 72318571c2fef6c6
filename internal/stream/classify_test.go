package stream

import (
	"errors"
	"testing"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"api key missing", errors.New("API key not found for provider anthropic"), ErrorAPIKeyNotFound},
		{"api key not set", errors.New("ANTHROPIC_API_KEY is not set"), ErrorAPIKeyNotFound},
		{"invalid model", errors.New("invalid model: foo/bar"), ErrorInvalidModel},
		{"malformed model", errors.New("malformed model string"), ErrorInvalidModel},
		{"model not found", errors.New("model not found: gpt-9"), ErrorModelNotFound},
		{"no such model", errors.New("Error: no such model \"ghost\""), ErrorModelNotFound},
		{"context exceeded", errors.New("prompt is too long: 200000 tokens exceeds the maximum context length"), ErrorContextExceeded},
		{"context exceed short", errors.New("request exceeds context window"), ErrorContextExceeded},
		{"rate limited", errors.New("429 Too Many Requests"), ErrorRateLimited},
		{"rate limit phrase", errors.New("you have hit the rate limit"), ErrorRateLimited},
		{"transient timeout", errors.New("context deadline exceeded: timeout dialing host"), ErrorProviderTransient},
		{"transient 503", errors.New("upstream returned 503 Service Unavailable"), ErrorProviderTransient},
		{"transient reset", errors.New("read tcp: connection reset by peer"), ErrorProviderTransient},
		{"unknown", errors.New("something entirely unrecognized happened"), ErrorUnknown},
		{"nil error", nil, ErrorUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyError(tc.err); got != tc.want {
				t.Fatalf("classifyError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestExtractLostResponseID(t *testing.T) {
	id, ok := extractLostResponseID(errors.New("Previous response with id 'resp_abc123' not found"))
	if !ok || id != "resp_abc123" {
		t.Fatalf("expected to extract resp_abc123, got %q ok=%v", id, ok)
	}

	if _, ok := extractLostResponseID(errors.New("some unrelated error")); ok {
		t.Fatal("expected no match for unrelated error text")
	}

	if _, ok := extractLostResponseID(nil); ok {
		t.Fatal("expected no match for nil error")
	}
}
