package terminal

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Raw pty output mixes printable text with SGR color sequences, absolute
// cursor-column moves, and carriage-return line rewrites (progress bars,
// spinners). ProcessOutput renders that into stable display text: color
// survives, in-place rewrites collapse to their final state. It is not a
// terminal emulator and deliberately ignores everything else.

var (
	sgrRe        = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	columnMoveRe = regexp.MustCompile(`\x1b\[([0-9]*)G`)
)

// ProcessOutput renders raw pty output into display text. Pure and
// idempotent: re-processing its own output is a no-op.
func ProcessOutput(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = renderLine(line)
	}
	return strings.Join(lines, "\n")
}

// renderLine collapses \r rewrites and cursor-column moves within one line.
func renderLine(line string) string {
	if i := strings.LastIndexByte(line, '\r'); i >= 0 {
		// The final segment wins. SGR codes set in overwritten segments and
		// not reset before the rewrite still color the surviving text.
		line = carriedSGR(line[:i]) + line[i+1:]
	}
	return applyColumnMoves(line)
}

// carriedSGR returns the concatenation of SGR sequences in s that are still
// in effect at its end. A reset (ESC[0m or ESC[m) clears everything before it.
func carriedSGR(s string) string {
	var carried []string
	for _, code := range sgrRe.FindAllString(s, -1) {
		if code == "\x1b[m" || code == "\x1b[0m" {
			carried = carried[:0]
		} else {
			carried = append(carried, code)
		}
	}
	return strings.Join(carried, "")
}

// applyColumnMoves resolves ESC[<n>G sequences by truncating the text written
// so far to n-1 visible columns and continuing from there. SGR sequences in
// the removed range are kept so color state survives.
func applyColumnMoves(line string) string {
	for {
		loc := columnMoveRe.FindStringSubmatchIndex(line)
		if loc == nil {
			return line
		}
		col := 1
		if loc[2] != loc[3] {
			col, _ = strconv.Atoi(line[loc[2]:loc[3]])
		}
		line = truncateVisible(line[:loc[0]], col-1) + line[loc[1]:]
	}
}

// truncateVisible cuts s to at most n visible characters. Escape sequences do
// not count toward n and are never dropped.
func truncateVisible(s string, n int) string {
	if n < 0 {
		n = 0
	}
	var b strings.Builder
	visible := 0
	for i := 0; i < len(s); {
		if m := sgrRe.FindStringIndex(s[i:]); m != nil && m[0] == 0 {
			b.WriteString(s[i : i+m[1]])
			i += m[1]
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		if visible < n {
			b.WriteString(s[i : i+size])
		}
		i += size
		visible++
	}
	return b.String()
}
