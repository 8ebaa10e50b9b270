package tokens

import "testing"

func TestEstimateEmpty(t *testing.T) {
	if n := Estimate("gpt-4", ""); n != 0 {
		t.Fatalf("empty text should cost 0 tokens, got %d", n)
	}
}

func TestEstimateNonZero(t *testing.T) {
	if n := Estimate("gpt-4", "The quick brown fox jumps over the lazy dog."); n <= 0 {
		t.Fatalf("expected positive estimate, got %d", n)
	}
}

func TestHeuristicScalesWithLength(t *testing.T) {
	short := heuristic("hi")
	long := heuristic("a considerably longer sentence with many more words than the short one has")
	if short < 1 {
		t.Fatalf("short estimate = %d", short)
	}
	if long <= short {
		t.Fatalf("longer text should cost more tokens: short=%d long=%d", short, long)
	}
}

func TestHeuristicCountsWordsAtMinimum(t *testing.T) {
	// Nine one-letter words are only 17 runes but still nine tokens worth
	// of structure.
	if n := heuristic("a b c d e f g h i"); n < 9 {
		t.Fatalf("expected at least 9, got %d", n)
	}
}
