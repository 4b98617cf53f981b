package util

import (
	"strings"
	"testing"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than maxLen", "short", 10, "short"},
		{"exact length", "exactly10!", 10, "exactly10!"},
		{"longer than maxLen", "very-long-token-abc123", 8, "very-lon"},
		{"empty", "", 5, ""},
		{"zero", "abc", 0, ""},
		{"negative", "abc", -1, ""},
		{"long digest", strings.Repeat("x", 43), 8, "xxxxxxxx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate() = %q, want %q", got, tt.want)
			}
		})
	}
}
