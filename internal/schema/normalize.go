package schema

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxFieldNameLen caps normalized column names. 63 is the lowest limit among
// the supported backends (Postgres identifiers).
const maxFieldNameLen = 63

// NormalizeFieldName converts arbitrary field text into a lowercase ASCII
// identifier that every supported warehouse accepts as a column name:
//  1. lowercase
//  2. strip accents (NFD → remove Mn → NFC)
//  3. keep [a-z0-9_]; convert space/dash/dot to underscore; drop others
//  4. prefix with underscore when the name starts with a digit
//  5. fallback to "col" if nothing survives
func NormalizeFieldName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	// Decompose → remove nonspacing marks (accents) → recompose.
	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
	ascii, _, _ := transform.String(t, s)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
			prevUnderscore = false
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_' || r == ' ' || r == '-' || r == '.':
			if !prevUnderscore {
				b.WriteRune('_')
				prevUnderscore = true
			}
		default:
			// drop anything else
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "col"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	return truncateFieldName(name)
}

// truncateFieldName keeps names within maxFieldNameLen, preserving the first
// 10 and trailing characters so related long names stay distinguishable.
func truncateFieldName(s string) string {
	if len(s) > maxFieldNameLen {
		return s[:10] + s[len(s)-(maxFieldNameLen-10):]
	}
	return s
}
