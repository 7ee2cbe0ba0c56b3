// Package appid normalizes user-supplied application names into the
// canonical identifier used as a map key and as a log-file stem.
package appid

import (
	"strings"

	"github.com/kalehq/sentryd/internal/apperr"
)

// Normalize folds name to lowercase ASCII, replaces every character outside
// [a-z0-9._-] with '-', trims leading/trailing '-', and rejects an empty
// result. Two names that normalize to the same string are the same
// application.
func Normalize(name string) (string, error) {
	lower := strings.ToLower(name)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	normalized := strings.Trim(b.String(), "-")
	if normalized == "" {
		return "", apperr.New(apperr.KindInvalidAppName, "application name normalizes to empty string")
	}
	return normalized, nil
}

// MustNormalize panics on an invalid name; reserved for call sites that have
// already validated the name (tests, literals).
func MustNormalize(name string) string {
	id, err := Normalize(name)
	if err != nil {
		panic(err)
	}
	return id
}
