package validation

import (
	"errors"
	"strings"
	"unicode"

	"github.com/rivo/uniseg"
)

// DefaultMaxCityLength bounds the city parameter in user-perceived characters.
const DefaultMaxCityLength = 100

// ErrCityTooLong is returned when the city exceeds the maximum length.
var ErrCityTooLong = errors.New("city too long")

// ErrCityInvalidChars is returned when the city contains disallowed characters.
var ErrCityInvalidChars = errors.New("city contains invalid characters")

// ValidateCity trims the input, enforces maxLen in grapheme clusters, and restricts to
// letters (with combining marks), digits, space, comma, hyphen, period and apostrophe.
// An empty result is valid: the forecast service substitutes its default city.
func ValidateCity(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", nil
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxCityLength
	}
	if uniseg.GraphemeClusterCount(s) > maxLen {
		return "", ErrCityTooLong
	}
	for _, c := range s {
		if !isAllowedCityRune(c) {
			return "", ErrCityInvalidChars
		}
	}
	return s, nil
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsMark(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}
