package token

import (
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 4000), 1000},
	}
	for _, c := range cases {
		if got := Estimate(c.text); got != c.want {
			t.Errorf("Estimate(%d chars) = %d, want %d", len(c.text), got, c.want)
		}
	}
}

func TestTruncateWithinBudget(t *testing.T) {
	text := "short text"
	if got := Truncate(text, 100); got != text {
		t.Errorf("Truncate returned %q, want unchanged input", got)
	}
}

func TestTruncateCutsAndMarks(t *testing.T) {
	text := strings.Repeat("x", 4000) // 1000 tokens
	got := Truncate(text, 100)
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Fatalf("truncated text missing marker: %q", got[len(got)-30:])
	}
	if est := Estimate(got); est > 100 {
		t.Errorf("Estimate(truncated) = %d, want <= 100", est)
	}
}

func TestTruncateBudgetProperty(t *testing.T) {
	text := strings.Repeat("word ", 500)
	for _, budget := range []int{0, 1, 2, 3, 4, 5, 10, 50, 100, 624, 625, 626, 10000} {
		got := Truncate(text, budget)
		if est := Estimate(got); est > budget {
			t.Errorf("budget %d: Estimate(result) = %d", budget, est)
		}
		if Estimate(text) <= budget && got != text {
			t.Errorf("budget %d: text within budget was modified", budget)
		}
		if Estimate(text) > budget && got == text {
			t.Errorf("budget %d: oversized text returned unchanged", budget)
		}
	}
}

func TestTruncateZeroBudget(t *testing.T) {
	if got := Truncate("anything", 0); got != "" {
		t.Errorf("Truncate(_, 0) = %q, want empty", got)
	}
}
