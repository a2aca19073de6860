// Package textutil provides small text helpers shared by the terminal and
// file surfaces.
package textutil

// TruncateFromBack keeps the last maxLen characters of text, prefixing a
// marker when anything was dropped.
func TruncateFromBack(text string, maxLen int) string {
	if len(text) > maxLen {
		return "[previous content truncated]..." + text[len(text)-maxLen:]
	}
	return text
}

// TruncateFromFront keeps the first maxLen characters of text, appending a
// marker when anything was dropped.
func TruncateFromFront(text string, maxLen int) string {
	if len(text) > maxLen {
		return text[:maxLen] + "...[content truncated]"
	}
	return text
}
