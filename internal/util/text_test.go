package util

import "testing"

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("Cells grew 3.5 fold. Why? Because of IL-6! Trailing clause")
	want := []string{"Cells grew 3.5 fold.", "Why?", "Because of IL-6!", "Trailing clause"}
	if len(got) != len(want) {
		t.Fatalf("got %d sentences: %#v", len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestCollapseWhitespace(t *testing.T) {
	if got := CollapseWhitespace(" a\n\nb \t c "); got != "a b c" {
		t.Fatalf("unexpected collapse: %q", got)
	}
}

func TestWordWindows(t *testing.T) {
	got := WordWindows("one two three four five", 2)
	if len(got) != 3 || got[0] != "one two" || got[2] != "five" {
		t.Fatalf("unexpected windows: %#v", got)
	}
	if WordWindows("   ", 2) != nil {
		t.Fatalf("blank text yields no windows")
	}
}
