package terminal

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// SplitStatements splits a command string into successive top-level shell
// statements using a bash grammar, so "ls -l\necho hi" becomes two statements
// while "echo a && echo b", semicolon lists, pipelines, quoted newlines, and
// heredocs stay whole. Splitting is best-effort: on a parse error it falls
// back to plain newline splitting.
func SplitStatements(command string) []string {
	if strings.TrimSpace(command) == "" {
		return []string{""}
	}

	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return splitOnNewlines(command)
	}

	// Statements sharing a source line (semicolon lists) stay one unit; only
	// top-level newlines separate statements.
	var starts []uint
	endLine := uint(0)
	for _, stmt := range file.Stmts {
		if len(starts) == 0 || stmt.Pos().Line() > endLine {
			starts = append(starts, stmt.Pos().Offset())
		}
		if l := stmt.End().Line(); l > endLine {
			endLine = l
		}
	}

	// Slice the input by statement start offsets so heredoc bodies and their
	// closing delimiters stay with the statement that opened them.
	var stmts []string
	for i, start := range starts {
		end := uint(len(command))
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if start >= uint(len(command)) || start >= end {
			return splitOnNewlines(command)
		}
		if text := strings.TrimSpace(command[start:end]); text != "" {
			stmts = append(stmts, text)
		}
	}
	if len(stmts) == 0 {
		return splitOnNewlines(command)
	}
	return stmts
}

func splitOnNewlines(command string) []string {
	var out []string
	for _, line := range strings.Split(command, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}
