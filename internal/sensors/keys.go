package sensors

import "strings"

// ExpandKeys rewrites short wire keys to their canonical names. Only object
// keys are touched (a quoted string directly followed by ':'), so values and
// already expanded names are left alone and the operation is idempotent.
func ExpandKeys(s string) string {
	return rewriteKeys(s, func(tok string) (string, bool) {
		if def := GetKeyByShort(tok); def != nil {
			return def.Canonical, true
		}
		return "", false
	})
}

// CompactKeys is the reverse of ExpandKeys.
func CompactKeys(s string) string {
	return rewriteKeys(s, func(tok string) (string, bool) {
		if def := GetKeyByCanonical(tok); def != nil {
			return def.Short, true
		}
		return "", false
	})
}

func rewriteKeys(s string, lookup func(string) (string, bool)) string {
	var b strings.Builder
	b.Grow(len(s) + 64)

	for i := 0; i < len(s); {
		if s[i] != '"' {
			b.WriteByte(s[i])
			i++
			continue
		}

		end := closingQuote(s, i+1)
		if end < 0 {
			// Unterminated string: copy the rest verbatim and let the JSON
			// parser reject it.
			b.WriteString(s[i:])
			break
		}

		tok := s[i+1 : end]
		j := end + 1
		for j < len(s) && isSpace(s[j]) {
			j++
		}
		if j < len(s) && s[j] == ':' {
			if repl, ok := lookup(tok); ok {
				tok = repl
			}
		}

		b.WriteByte('"')
		b.WriteString(tok)
		b.WriteByte('"')
		i = end + 1
	}
	return b.String()
}

// closingQuote returns the index of the quote terminating a string whose
// contents start at from, honouring backslash escapes.
func closingQuote(s string, from int) int {
	for i := from; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
