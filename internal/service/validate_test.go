package service

import (
	"strings"
	"testing"
)

func TestValidateSandboxID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid hex id", "a1b2c3d4e5f6", false},
		{"valid with hyphens", "my-sandbox-1", false},
		{"valid uppercase", "ABC123", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", SandboxIDMaxLength+1), true},
		{"max length ok", strings.Repeat("a", SandboxIDMaxLength), false},
		{"path traversal", "../etc", true},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"underscore", "a_b", true},
		{"whitespace", "a b", true},
		{"dot", "a.b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSandboxID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSandboxID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}
