package dispatch

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  string
	}{
		{"within limit", "short", 10, "short"},
		{"exact limit", "0123456789", 10, "0123456789"},
		{"no late boundary", "Hello. World.", 10, "Hello. Wor" + TruncateSuffix},
		{"period kept", strings.Repeat("a", 90) + "." + strings.Repeat("b", 20), 100, strings.Repeat("a", 90) + "." + TruncateSuffix},
		{"newline dropped", strings.Repeat("a", 85) + "\n" + strings.Repeat("b", 30), 100, strings.Repeat("a", 85) + TruncateSuffix},
		{"early boundary ignored", strings.Repeat("a", 50) + "." + strings.Repeat("b", 100), 100, strings.Repeat("a", 50) + "." + strings.Repeat("b", 49) + TruncateSuffix},
		{"later of the two wins", strings.Repeat("a", 82) + "." + strings.Repeat("b", 5) + "\n" + strings.Repeat("c", 30), 100, strings.Repeat("a", 82) + "." + strings.Repeat("b", 5) + TruncateSuffix},
		{"runes not bytes", strings.Repeat("ü", 12), 10, strings.Repeat("ü", 10) + TruncateSuffix},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.text, tt.limit); got != tt.want {
				t.Errorf("Truncate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncateBounds(t *testing.T) {
	suffix := utf8.RuneCountInString(TruncateSuffix)
	texts := []string{
		strings.Repeat("word. ", 2000),
		strings.Repeat("line\n", 3000),
		strings.Repeat("x", 9000),
		strings.Repeat("日本語。\n", 1500),
	}
	for _, text := range texts {
		for _, limit := range []int{1, 50, 4000, 8000} {
			got := Truncate(text, limit)
			if n := utf8.RuneCountInString(got); n > limit+suffix {
				t.Errorf("limit %d: got %d runes", limit, n)
			}
			if !strings.HasSuffix(got, TruncateSuffix) {
				t.Errorf("limit %d: missing suffix", limit)
			}
		}
	}
}

func TestFormatGitHubComment(t *testing.T) {
	tests := []struct {
		name    string
		message string
		success bool
		cost    float64
		want    string
	}{
		{"success with cost", "Done", true, 0.0123, "✅ Done\n\n💰 Cost: $0.0123"},
		{"success without cost", "Done", true, 0, "✅ Done"},
		{"failure hides cost", "boom\n\n(Exit code: 2)", false, 0.5, "❌ boom\n\n(Exit code: 2)"},
		{"bare cross is not doubled", "❌", false, 0, "❌"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatGitHubComment(tt.message, tt.success, tt.cost); got != tt.want {
				t.Errorf("FormatGitHubComment() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatGitHubCommentReservesCostLine(t *testing.T) {
	got := FormatGitHubComment(strings.Repeat("x", 5000), true, 1.5)
	if !strings.HasSuffix(got, TruncateSuffix+"\n\n💰 Cost: $1.5000") {
		t.Errorf("cost line missing after truncation: %q", got[len(got)-60:])
	}
	costLine := utf8.RuneCountInString("\n\n💰 Cost: $1.5000")
	if n := utf8.RuneCountInString(got); n > SuccessLimit+utf8.RuneCountInString(TruncateSuffix) {
		t.Errorf("comment has %d runes (cost line %d)", n, costLine)
	}

	failure := FormatGitHubComment(strings.Repeat("y", 6000), false, 0)
	if strings.Contains(failure, "truncated") {
		t.Error("6000 rune failure should fit the failure limit")
	}
}

func TestFormatJiraComment(t *testing.T) {
	if got := FormatJiraComment("Done", true, 0.25); got != "Done\n\nCost: $0.2500" {
		t.Errorf("success = %q", got)
	}
	if got := FormatJiraComment("boom\n", false, 0.25); got != "Task failed:\n\nboom" {
		t.Errorf("failure = %q", got)
	}
	if strings.ContainsAny(FormatJiraComment("ok", true, 0), "✅❌") {
		t.Error("jira comments carry no status emoji")
	}
}

func TestFormatSlackText(t *testing.T) {
	if got := FormatSlackText("hi", true); got != "hi" {
		t.Errorf("success = %q, want plain text", got)
	}
	if got := FormatSlackText("no", false); got != "no" {
		t.Errorf("failure = %q, want plain text", got)
	}

	long := strings.Repeat("a", Limit(false)+50)
	got := FormatSlackText(long, false)
	if utf8.RuneCountInString(got) > Limit(false) {
		t.Errorf("len = %d, want <= %d", utf8.RuneCountInString(got), Limit(false))
	}
	if strings.ContainsAny(got, "✅❌") {
		t.Errorf("truncated text carries a status emoji: %q", got[:20])
	}
}

func TestFormatCost(t *testing.T) {
	for cost, want := range map[float64]string{0: "", -1: "", 0.0123: "$0.0123", 2: "$2.0000"} {
		if got := FormatCost(cost); got != want {
			t.Errorf("FormatCost(%v) = %q, want %q", cost, got, want)
		}
	}
}

func TestExtractSummary(t *testing.T) {
	text := `Some preamble.

## Summary
Fixed the login redirect.

## What Was Done
- Updated the handler
- Added a test

### key insights:
Sessions were never refreshed.

## Classification
complex
`
	s := ExtractSummary(text)
	if s.Summary != "Fixed the login redirect." {
		t.Errorf("Summary = %q", s.Summary)
	}
	if s.WhatWasDone != "- Updated the handler\n- Added a test" {
		t.Errorf("WhatWasDone = %q", s.WhatWasDone)
	}
	if s.KeyInsights != "Sessions were never refreshed." {
		t.Errorf("KeyInsights = %q", s.KeyInsights)
	}
	if s.Classification != "COMPLEX" {
		t.Errorf("Classification = %q", s.Classification)
	}

	plain := ExtractSummary("First line\nsecond line\n\nAnother paragraph")
	if plain.Summary != "First line\nsecond line" || plain.WhatWasDone != "" {
		t.Errorf("plain = %+v", plain)
	}
}
