package extract

import "testing"

func TestClassifyFirstMatchWins(t *testing.T) {
	c := NewClassifier([]string{"Off Path", "Off Path Recovered"})
	got, ok := c.Classify("ALARM: Off Path Recovered on DT042")
	if !ok {
		t.Fatalf("expected a match")
	}
	// Both entries match; the earlier catalog entry takes precedence.
	if got != "Off Path" {
		t.Fatalf("got %q, want %q", got, "Off Path")
	}
}

func TestClassifyKeywordSubset(t *testing.T) {
	c := NewClassifier([]string{"Dump Bed Cannot Be Raised While Vehicle Tilted"})
	title := "Warning - dump bed cannot be raised while vehicle tilted (site rule)"
	got, ok := c.Classify(title)
	if !ok || got != "Dump Bed Cannot Be Raised While Vehicle Tilted" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
}

func TestClassifyKeywordsOutOfOrder(t *testing.T) {
	// Matching is substring per keyword, not phrase order.
	c := NewClassifier([]string{"Bump Detected: Dump"})
	got, ok := c.Classify("Dump stage aborted, bump detected: near bay")
	if !ok || got != "Bump Detected: Dump" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
}

func TestClassifyMiss(t *testing.T) {
	c := NewClassifier([]string{"Off Path", "Steering Restricted"})
	if got, ok := c.Classify("Engine coolant temperature high"); ok {
		t.Fatalf("unexpected match %q", got)
	}
}

func TestClassifyCaseInsensitive(t *testing.T) {
	c := NewClassifier([]string{"Steering Restricted"})
	if _, ok := c.Classify("STEERING RESTRICTED DUE TO OBSTACLE"); !ok {
		t.Fatalf("expected case-insensitive match")
	}
}

func TestClassifierContains(t *testing.T) {
	c := NewClassifier([]string{"Off Path"})
	if !c.Contains("Off Path") {
		t.Fatalf("expected catalog membership")
	}
	if c.Contains("off path") {
		t.Fatalf("membership is exact, not case-folded")
	}
}
