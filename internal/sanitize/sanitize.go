// Package sanitize cleans free-form text that devices and admins send
// before it is stored or echoed back.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// StripControlChars removes ANSI escape sequences and every control
// character, newlines and tabs included.
func StripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		// CSI: ESC [ ... final byte (0x40-0x7E), scan capped at 64 bytes.
		if i+1 < len(s) && s[i] == '\x1b' && s[i+1] == '[' {
			j := i + 2
			maxJ := min(j+64, len(s))
			for j < maxJ && (s[j] < 0x40 || s[j] > 0x7E) {
				j++
			}
			if j < len(s) && s[j] >= 0x40 && s[j] <= 0x7E {
				j++
			}
			i = j
			continue
		}
		if s[i] == '\x1b' {
			i = min(i+2, len(s))
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r != utf8.RuneError && !unicode.IsControl(r) {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	return b.String()
}

// TrimToRunes trims surrounding whitespace and limits result to maxRunes.
func TrimToRunes(value string, maxRunes int) string {
	value = strings.TrimSpace(value)
	if value == "" || maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(value) <= maxRunes {
		return value
	}
	return strings.TrimSpace(string([]rune(value)[:maxRunes]))
}

// DisplayName normalises a device display name. An empty result means the
// caller should fall back to a generated name.
func DisplayName(value string, maxRunes int) string {
	return TrimToRunes(strings.Join(strings.Fields(StripControlChars(value)), " "), maxRunes)
}
