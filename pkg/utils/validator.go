package utils

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

const maxIdentifierLength = 128

var (
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9._@:\-]+$`)
	controlRegex    = regexp.MustCompile(`[\x00-\x08\x0b-\x1f\x7f]`)
)

// ValidateIdentifier validates an identity supplied by the identity provider
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier is required")
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("identifier exceeds %d characters", maxIdentifierLength)
	}
	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid identifier format: %q", id)
	}
	return nil
}

// SanitizeString removes control characters other than newline and tab, and
// drops invalid UTF-8
func SanitizeString(s string) string {
	if !utf8.ValidString(s) {
		s = toValidUTF8(s)
	}
	return controlRegex.ReplaceAllString(s, "")
}

func toValidUTF8(s string) string {
	out := make([]rune, 0, len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r != utf8.RuneError || size > 1 {
			out = append(out, r)
		}
		i += size
	}
	return string(out)
}
