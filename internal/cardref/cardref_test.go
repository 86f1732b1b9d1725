package cardref_test

import (
	"errors"
	"testing"

	"github.com/packrush/card-engine/internal/cardref"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		ref        string
		collection string
		card       string
	}{
		{"base/dragon-001", "base", "dragon-001"},
		{"season_2/Knight", "season_2", "Knight"},
		{"a/b", "a", "b"},
		{"0col/9card", "0col", "9card"},
	}

	for _, tt := range tests {
		got, err := cardref.Parse(tt.ref)
		if err != nil {
			t.Errorf("Parse(%q) returned error: %v", tt.ref, err)
			continue
		}
		if got.CollectionID != tt.collection || got.CardID != tt.card {
			t.Errorf("Parse(%q) = %q/%q, want %q/%q",
				tt.ref, got.CollectionID, got.CardID, tt.collection, tt.card)
		}
		if got.String() != tt.ref {
			t.Errorf("Parse(%q).String() = %q", tt.ref, got.String())
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"",
		"noslash",
		"/card",
		"collection/",
		"a/b/c",
		"-bad/card",
		"coll/_bad",
		"coll/card with space",
	}

	for _, ref := range tests {
		if _, err := cardref.Parse(ref); !errors.Is(err, cardref.ErrInvalidRef) {
			t.Errorf("Parse(%q) = %v, want ErrInvalidRef", ref, err)
		}
	}
}
