package pipeline

import "strings"

// AppendNote adds line to an existing note, separated by a newline.
func AppendNote(note, line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return note
	}
	if strings.TrimSpace(note) == "" {
		return line
	}
	return note + "\n" + line
}

// Truncate returns at most limit runes of s.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// ShortHash returns the first n characters of a content hash.
func ShortHash(hash string, n int) string {
	if len(hash) <= n {
		return hash
	}
	return hash[:n]
}
