package sqltemplate

import "strings"

// returnsRows decides whether rendered SQL goes through Query or Exec. The
// driver prepares Query statements, which rules out multi-statement scripts,
// so only a lone SELECT/WITH/SHOW qualifies.
func returnsRows(sqlText string) bool {
	if !isSingleStatement(sqlText) {
		return false
	}
	first := firstKeyword(sqlText)
	switch first {
	case "SELECT", "WITH", "SHOW":
		return true
	default:
		return false
	}
}

func firstKeyword(sqlText string) string {
	rest := strings.TrimSpace(stripLeadingComments(sqlText))
	end := 0
	for end < len(rest) {
		c := rest[end]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			end++
			continue
		}
		break
	}
	return strings.ToUpper(rest[:end])
}

func stripLeadingComments(sqlText string) string {
	rest := strings.TrimSpace(sqlText)
	for {
		switch {
		case strings.HasPrefix(rest, "--"):
			idx := strings.IndexByte(rest, '\n')
			if idx < 0 {
				return ""
			}
			rest = strings.TrimSpace(rest[idx+1:])
		case strings.HasPrefix(rest, "/*"):
			idx := strings.Index(rest, "*/")
			if idx < 0 {
				return ""
			}
			rest = strings.TrimSpace(rest[idx+2:])
		default:
			return rest
		}
	}
}

// isSingleStatement reports whether sqlText holds at most one statement.
// Semicolons inside quoted strings, identifiers, comments and dollar-quoted
// bodies don't count; a trailing terminator doesn't either.
func isSingleStatement(sqlText string) bool {
	s := strings.TrimSpace(sqlText)
	s = strings.TrimSuffix(s, ";")

	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ';':
			return false

		case c == '\'':
			i = skipQuoted(s, i, '\'')

		case c == '"':
			i = skipQuoted(s, i, '"')

		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			idx := strings.IndexByte(s[i:], '\n')
			if idx < 0 {
				return true
			}
			i += idx + 1

		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			idx := strings.Index(s[i+2:], "*/")
			if idx < 0 {
				return true
			}
			i += idx + 4

		case c == '$':
			tag := dollarTag(s[i:])
			if tag == "" {
				i++
				continue
			}
			end := strings.Index(s[i+len(tag):], tag)
			if end < 0 {
				return true
			}
			i += len(tag) + end + len(tag)

		default:
			i++
		}
	}
	return true
}

// skipQuoted returns the index after the closing quote, honoring doubled
// quotes as escapes.
func skipQuoted(s string, start int, quote byte) int {
	i := start + 1
	for i < len(s) {
		if s[i] != quote {
			i++
			continue
		}
		if i+1 < len(s) && s[i+1] == quote {
			i += 2
			continue
		}
		return i + 1
	}
	return i
}

// dollarTag extracts a leading dollar-quote tag like $$ or $body$, or ""
// when s doesn't start one.
func dollarTag(s string) string {
	if len(s) < 2 || s[0] != '$' {
		return ""
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if c == '$' {
			return s[:i+1]
		}
		if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return ""
		}
	}
	return ""
}
