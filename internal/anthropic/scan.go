package anthropic

import (
	"strings"
	"unicode/utf16"
)

// findJSONString scans data for the first string value of the given key,
// i.e. the pattern "key" : "value" with optional whitespace. It is not a
// JSON parser: the wire shapes this client reads are small and fixed, and
// the only values it ever needs are strings. Backslash escapes inside the
// value are decoded, including \uXXXX with surrogate pairs. A truncated
// value (stream cut mid-string) yields what was received so far.
func findJSONString(data, key string) string {
	search := `"` + key + `"`
	pos := 0

	for pos < len(data) {
		found := strings.Index(data[pos:], search)
		if found < 0 {
			return ""
		}
		p := pos + found + len(search)

		p = skipSpace(data, p)
		if p >= len(data) || data[p] != ':' {
			// Matched the key text as a value; keep scanning.
			pos = pos + found + 1
			continue
		}
		p++

		p = skipSpace(data, p)
		if p >= len(data) || data[p] != '"' {
			// Key holds a non-string value.
			pos = pos + found + 1
			continue
		}
		p++

		value, _ := decodeStringBody(data, p)
		return value
	}
	return ""
}

func skipSpace(data string, p int) int {
	for p < len(data) {
		switch data[p] {
		case ' ', '\t', '\n', '\r':
			p++
		default:
			return p
		}
	}
	return p
}

// decodeStringBody decodes a JSON string starting just after its opening
// quote. It returns the decoded value and the index past the closing
// quote (or len(data) when truncated).
func decodeStringBody(data string, p int) (string, int) {
	var b strings.Builder
	for p < len(data) {
		c := data[p]
		if c == '"' {
			return b.String(), p + 1
		}
		if c != '\\' || p+1 >= len(data) {
			b.WriteByte(c)
			p++
			continue
		}

		p++
		switch data[p] {
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		case '/':
			b.WriteByte('/')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'u':
			r, next, ok := decodeUnicodeEscape(data, p+1)
			if !ok {
				b.WriteByte('\\')
				b.WriteByte('u')
				p++
				continue
			}
			b.WriteRune(r)
			p = next
			continue
		default:
			b.WriteByte('\\')
			b.WriteByte(data[p])
		}
		p++
	}
	return b.String(), p
}

// decodeUnicodeEscape decodes the 4 hex digits at data[p:], pairing a
// high surrogate with a following \uXXXX low surrogate when present.
func decodeUnicodeEscape(data string, p int) (rune, int, bool) {
	r1, ok := hex4(data, p)
	if !ok {
		return 0, p, false
	}
	p += 4

	if utf16.IsSurrogate(r1) {
		if p+6 <= len(data) && data[p] == '\\' && data[p+1] == 'u' {
			if r2, ok := hex4(data, p+2); ok {
				if combined := utf16.DecodeRune(r1, r2); combined != 0xFFFD {
					return combined, p + 6, true
				}
			}
		}
		return 0xFFFD, p, true
	}
	return r1, p, true
}

func hex4(data string, p int) (rune, bool) {
	if p+4 > len(data) {
		return 0, false
	}
	var r rune
	for i := 0; i < 4; i++ {
		c := data[p+i]
		r <<= 4
		switch {
		case c >= '0' && c <= '9':
			r += rune(c - '0')
		case c >= 'a' && c <= 'f':
			r += rune(c-'a') + 10
		case c >= 'A' && c <= 'F':
			r += rune(c-'A') + 10
		default:
			return 0, false
		}
	}
	return r, true
}
