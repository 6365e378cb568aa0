package moderation_test

import (
	"errors"
	"testing"

	"gamedex/internal/moderation"
)

func TestContentFilterMatching(t *testing.T) {
	f := moderation.NewContentFilter([]string{"spamlink", " FreeCoins ", ""})

	cases := []struct {
		in      string
		blocked bool
	}{
		{"a perfectly fine title", false},
		{"visit SPAMLINK now", true},
		{"get-freecoins-today", true},
		{"spam link with a space", false},
		{"", false},
	}
	for _, tc := range cases {
		err := f.Check(tc.in)
		var ce moderation.ContentError
		if got := errors.As(err, &ce); got != tc.blocked {
			t.Errorf("Check(%q): blocked=%v, want %v", tc.in, got, tc.blocked)
		}
	}
}

func TestContentFilterChecksAllInputs(t *testing.T) {
	f := moderation.NewContentFilter([]string{"spamlink"})
	err := f.Check("clean", "also clean", "hidden spamlink here")
	var ce moderation.ContentError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ContentError, got %v", err)
	}
	if ce.Word != "spamlink" {
		t.Fatalf("word = %q", ce.Word)
	}
}
