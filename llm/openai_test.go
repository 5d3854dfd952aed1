// ABOUTME: Tests for the OpenAI adapter's error translation helpers.
// ABOUTME: Covers Retry-After header extraction from rate-limited responses.

package llm

import (
	"net/http"
	"testing"
)

func TestRetryAfterHint(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   *float64
	}{
		{"integer seconds", "20", ptr(20.0)},
		{"fractional seconds", "1.5", ptr(1.5)},
		{"http date ignored", "Wed, 21 Oct 2026 07:28:00 GMT", nil},
		{"negative ignored", "-3", nil},
		{"missing header", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			got := retryAfterHint(resp)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("retryAfterHint = %v, want %v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("retryAfterHint = %v, want %v", *got, *tt.want)
			}
		})
	}

	if got := retryAfterHint(nil); got != nil {
		t.Errorf("retryAfterHint(nil) = %v, want nil", got)
	}
}

func ptr(v float64) *float64 { return &v }
