package memory

import "strings"

// StripAnnotations removes every well-formed annotation block from text and
// normalizes the surrounding whitespace. An annotation block is an HTML-like
// element: an opening tag with a case-insensitive name and optional
// attributes, arbitrary content including newlines, and the first matching
// closing tag. Nested or overlapping blocks are not supported; the first
// closing tag always terminates the block. Unterminated or malformed tags
// are left in place.
//
// Whitespace rules after removal: runs of three or more newlines collapse to
// exactly two (so an interior block spanning lines leaves a single blank
// line) and leading/trailing residue is trimmed (so a block at the start or
// end of the text collapses to nothing). Input without markup, including the
// empty string, is returned unchanged.
//
// The result is the embedding-safe representation: every embedding
// computation in this package receives StripAnnotations output. The function
// never decides what gets persisted.
func StripAnnotations(text string) string {
	if !strings.ContainsRune(text, '<') {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	removed := false

	for i := 0; i < len(text); {
		if text[i] == '<' {
			if end, ok := annotationEnd(text, i); ok {
				removed = true
				i = end
				continue
			}
		}
		b.WriteByte(text[i])
		i++
	}
	if !removed {
		return text
	}
	return strings.TrimSpace(collapseNewlines(b.String()))
}

// annotationEnd scans a candidate annotation block starting at the '<' at
// position start. It returns the index just past the closing tag and true
// when the block is well-formed.
func annotationEnd(text string, start int) (int, bool) {
	i := start + 1

	// Tag name: leading letter, then letters or digits.
	nameStart := i
	for i < len(text) && isTagNameByte(text[i], i == nameStart) {
		i++
	}
	if i == nameStart {
		return 0, false
	}
	name := text[nameStart:i]

	// Optional attributes up to the closing '>'. A second '<' before the
	// '>' means the open tag was never closed.
	if i < len(text) && text[i] != '>' && text[i] != ' ' && text[i] != '\t' && text[i] != '\n' && text[i] != '\r' {
		return 0, false
	}
	for ; i < len(text); i++ {
		if text[i] == '>' {
			break
		}
		if text[i] == '<' {
			return 0, false
		}
	}
	if i >= len(text) {
		return 0, false
	}
	i++ // past '>'

	// Content runs to the first matching close tag, newlines included.
	for j := i; j < len(text); j++ {
		if text[j] != '<' || j+1 >= len(text) || text[j+1] != '/' {
			continue
		}
		k := j + 2
		if len(text)-k < len(name) || !strings.EqualFold(text[k:k+len(name)], name) {
			continue
		}
		k += len(name)
		for k < len(text) && (text[k] == ' ' || text[k] == '\t') {
			k++
		}
		if k < len(text) && text[k] == '>' {
			return k + 1, true
		}
	}
	return 0, false
}

func isTagNameByte(c byte, first bool) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
		return true
	}
	return !first && c >= '0' && c <= '9'
}

// collapseNewlines reduces any run of three or more newlines (ignoring
// intervening carriage returns) to exactly two.
func collapseNewlines(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	run := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			run++
			if run <= 2 {
				b.WriteByte('\n')
			}
			continue
		}
		if s[i] == '\r' && i+1 < len(s) && s[i+1] == '\n' {
			continue
		}
		run = 0
		b.WriteByte(s[i])
	}
	return b.String()
}
