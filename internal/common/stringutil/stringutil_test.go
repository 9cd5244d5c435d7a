package stringutil

import "testing"

func TestTruncateString(t *testing.T) {
	if got := TruncateString("hello", 10); got != "hello" {
		t.Errorf("TruncateString short = %q", got)
	}
	if got := TruncateString("hello world", 5); got != "hello" {
		t.Errorf("TruncateString long = %q", got)
	}
}

func TestTruncateRunesWithEllipsis(t *testing.T) {
	if got := TruncateRunesWithEllipsis("short", 32); got != "short" {
		t.Errorf("expected unchanged, got %q", got)
	}
	got := TruncateRunesWithEllipsis("ααααβ", 4)
	if got != "αααα…" {
		t.Errorf("expected rune-safe cut with ellipsis, got %q", got)
	}
}

func TestFirstNonEmptyLine(t *testing.T) {
	if got := FirstNonEmptyLine("\n  \n  first real line  \nsecond"); got != "first real line" {
		t.Errorf("FirstNonEmptyLine = %q", got)
	}
	if got := FirstNonEmptyLine("   \n\t\n"); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
