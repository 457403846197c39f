package agent

import "encoding/json"

// ExtractJSON returns the first balanced JSON object embedded in free-form
// text. Agents narrate around their structured output and the narration can
// itself contain braces, so the scan tracks string literals and escape
// sequences instead of trusting the first and last brace. Returns "" when
// the text holds no parseable object.
func ExtractJSON(text string) string {
	return extractFrom(text, '{')
}

// ExtractJSONArray is the array-shaped variant, used as a fallback for
// batch payloads when an agent skips the object wrapper. It is a separate
// function because scanning for both delimiters at once misfires: narration
// like "see [1]" is a valid JSON array, and an array of objects would lose
// to its own first element.
func ExtractJSONArray(text string) string {
	return extractFrom(text, '[')
}

func extractFrom(text string, opener byte) string {
	for i := 0; i < len(text); i++ {
		if text[i] != opener {
			continue
		}
		candidate := scanBalanced(text, i)
		if candidate == "" {
			continue
		}
		if json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return ""
}

// scanBalanced walks from an opening brace or bracket to its balanced
// counterpart. Openers and closers inside string literals do not count.
// Returns "" when the text ends before balance is reached.
func scanBalanced(text string, start int) string {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
