package main

import (
	"strings"
	"testing"
)

func TestRenderQR(t *testing.T) {
	out, err := renderQR(inviteURI("ABCDEFGH23"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) < 10 {
		t.Fatalf("only %d lines", len(lines))
	}
	width := len([]rune(lines[0]))
	for i, l := range lines {
		if n := len([]rune(l)); n != width {
			t.Errorf("line %d width = %d, want %d", i, n, width)
		}
	}
	if !strings.ContainsRune(out, '█') {
		t.Error("no filled modules")
	}
}

func TestParseInvite(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abc123", "abc123"},
		{"  abc123\n", "abc123"},
		{"chatsync:invite/ABCDEFGH23", "ABCDEFGH23"},
	}
	for _, tt := range tests {
		if got := parseInvite(tt.in); got != tt.want {
			t.Errorf("parseInvite(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
