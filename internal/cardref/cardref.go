// Package cardref handles parsing and validation of card reference strings.
// A reference is "{collectionID}/{cardID}", the canonical form used in
// listings, recipes, and draw records.
package cardref

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/packrush/card-engine/internal/model"
)

// refRegex matches: {collectionID}/{cardID}
// Example: genesis/dragon-017
var refRegex = regexp.MustCompile(`^([0-9A-Za-z][0-9A-Za-z_-]*)/([0-9A-Za-z][0-9A-Za-z_-]*)$`)

var (
	ErrInvalidRef = errors.New("cardref: invalid card reference format")
)

// Parse parses and validates a "{collection}/{card}" reference string.
func Parse(ref string) (model.CardRef, error) {
	matches := refRegex.FindStringSubmatch(ref)
	if matches == nil {
		return model.CardRef{}, fmt.Errorf("%w: %q (expected {collection}/{card})", ErrInvalidRef, ref)
	}
	return model.CardRef{CollectionID: matches[1], CardID: matches[2]}, nil
}

// MustParse is Parse for compile-time-known references; it panics on error.
// Intended for tests and seed data only.
func MustParse(ref string) model.CardRef {
	r, err := Parse(ref)
	if err != nil {
		panic(err)
	}
	return r
}
