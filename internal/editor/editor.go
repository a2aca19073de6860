// Package editor implements a small, strict filesystem editing interface
// with path validation and bounded response sizes.
package editor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/whit3rabbit/manus-open/internal/common/apierr"
	"github.com/whit3rabbit/manus-open/internal/common/logger"
)

// Command selects the editor operation.
type Command string

const (
	CommandViewDir     Command = "view_dir"
	CommandView        Command = "view"
	CommandCreate      Command = "create"
	CommandWrite       Command = "write"
	CommandStrReplace  Command = "str_replace"
	CommandFindContent Command = "find_content"
	CommandFindFile    Command = "find_file"
)

const (
	maxResponseLen = 16000

	truncatedNotice = "<response clipped><NOTE>To save on context only part of this file has been shown to you. You should retry this tool after you have searched inside the file with `grep -n` in order to find the line numbers of what you are looking for.</NOTE>"

	lineNumWidth = 8
)

// Action is one editor request.
type Action struct {
	Command         Command `json:"command"`
	Path            string  `json:"path"`
	Sudo            bool    `json:"sudo,omitempty"`
	FileText        string  `json:"file_text,omitempty"`
	ViewRange       []int   `json:"view_range,omitempty"`
	OldStr          string  `json:"old_str,omitempty"`
	NewStr          string  `json:"new_str,omitempty"`
	Glob            string  `json:"glob,omitempty"`
	Regex           string  `json:"regex,omitempty"`
	Append          bool    `json:"append,omitempty"`
	TrailingNewline bool    `json:"trailing_newline,omitempty"`
	LeadingNewline  bool    `json:"leading_newline,omitempty"`
}

// FileInfo carries the affected file's content back to the caller.
type FileInfo struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	OldContent string `json:"old_content,omitempty"`
}

// Result is the outcome of one editor action.
type Result struct {
	Output   string
	FileInfo *FileInfo
}

// Editor executes editor actions under a fixed working directory. It is
// stateless and safe for concurrent use.
type Editor struct {
	workDir string
	logger  *logger.Logger
}

// New creates an editor rooted at workDir.
func New(workDir string, log *logger.Logger) *Editor {
	return &Editor{
		workDir: workDir,
		logger:  log.WithFields(zap.String("component", "editor")),
	}
}

// RunAction validates and executes one action.
func (e *Editor) RunAction(ctx context.Context, action *Action) (*Result, error) {
	path, err := e.validatePath(action.Command, action.Path)
	if err != nil {
		return nil, err
	}

	switch action.Command {
	case CommandViewDir:
		return e.viewDir(ctx, path)
	case CommandView:
		return e.view(ctx, path, action.ViewRange, action.Sudo)
	case CommandCreate:
		return e.writeFile(ctx, path, action.FileText, action.Sudo, false, false, false)
	case CommandWrite:
		return e.writeFile(ctx, path, action.FileText, action.Sudo, action.Append, action.TrailingNewline, action.LeadingNewline)
	case CommandStrReplace:
		return e.strReplace(ctx, path, action.OldStr, action.NewStr, action.Sudo)
	case CommandFindContent:
		return e.findContent(ctx, path, action.Regex, action.Sudo)
	case CommandFindFile:
		return e.findFile(path, action.Glob)
	default:
		return nil, apierr.Validation("unrecognized command %q", action.Command)
	}
}

// resolvePath maps the caller's path into the working directory: relative
// paths are joined to it, absolute paths outside it are re-rooted under it.
func (e *Editor) resolvePath(p string) (string, error) {
	if p == "" {
		return "", apierr.Validation("path is required")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.workDir, p)
	}
	p = filepath.Clean(p)
	if e.workDir != "" && !pathWithin(p, e.workDir) {
		p = filepath.Join(e.workDir, strings.TrimPrefix(p, string(filepath.Separator)))
	}
	return p, nil
}

func pathWithin(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// validatePath checks the path/command combination.
func (e *Editor) validatePath(command Command, rawPath string) (string, error) {
	path, err := e.resolvePath(rawPath)
	if err != nil {
		return "", err
	}

	info, statErr := os.Stat(path)
	exists := statErr == nil

	if !exists && command != CommandCreate && command != CommandWrite {
		return "", apierr.NotFound("the path %s does not exist, please provide a valid path", path)
	}
	if exists {
		switch command {
		case CommandCreate:
			if !info.IsDir() && info.Size() > 0 {
				return "", apierr.Validation("non-empty file already exists at %s, cannot overwrite non-empty files using command `create`", path)
			}
		case CommandViewDir, CommandFindFile:
			if !info.IsDir() {
				return "", apierr.Validation("the path %s is not a directory", path)
			}
		default:
			if info.IsDir() {
				return "", apierr.Validation("the path %s is a directory, directory operations are not supported for this command", path)
			}
		}
	}
	return path, nil
}

func (e *Editor) viewDir(ctx context.Context, path string) (*Result, error) {
	out, err := exec.CommandContext(ctx, "ls", "-la", path).CombinedOutput()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to list directory %s: %s", path, strings.TrimSpace(string(out)))
	}
	return &Result{Output: fmt.Sprintf("Directory contents of %s:\n\n%s", path, out)}, nil
}

func (e *Editor) view(ctx context.Context, path string, viewRange []int, sudo bool) (*Result, error) {
	content, err := e.readFile(ctx, path, sudo)
	if err != nil {
		return nil, err
	}

	initLine := 1
	if len(viewRange) == 2 {
		lines := strings.Split(content, "\n")
		start, end := viewRange[0], viewRange[1]
		start = max(1, min(start, len(lines)))
		end = max(start, min(end, len(lines)))
		content = strings.Join(lines[start-1:end], "\n")
		initLine = start
	}

	return &Result{
		Output:   makeOutput(content, path, initLine),
		FileInfo: &FileInfo{Path: path, Content: content},
	}, nil
}

func (e *Editor) strReplace(ctx context.Context, path, oldStr, newStr string, sudo bool) (*Result, error) {
	if oldStr == "" {
		return nil, apierr.Validation("old_str cannot be empty")
	}

	oldContent, err := e.readFile(ctx, path, sudo)
	if err != nil {
		return nil, err
	}

	count := strings.Count(oldContent, oldStr)
	if count == 0 {
		// Absence is a warning, not an error: the caller usually retries
		// with a corrected old_str.
		return &Result{
			Output:   fmt.Sprintf("Warning: the string %q was not found in %s.", oldStr, path),
			FileInfo: &FileInfo{Path: path, Content: oldContent},
		}, nil
	}

	newContent := strings.ReplaceAll(oldContent, oldStr, newStr)
	if _, err := e.writeFile(ctx, path, newContent, sudo, false, false, false); err != nil {
		return nil, err
	}

	return &Result{
		Output:   fmt.Sprintf("Successfully replaced %d occurrence(s) of %q with %q in %s.", count, oldStr, newStr, path),
		FileInfo: &FileInfo{Path: path, Content: newContent, OldContent: oldContent},
	}, nil
}

func (e *Editor) findContent(ctx context.Context, path, pattern string, sudo bool) (*Result, error) {
	if pattern == "" {
		return nil, apierr.Validation("regex pattern cannot be empty")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "invalid regex pattern %q", pattern)
	}

	content, err := e.readFile(ctx, path, sudo)
	if err != nil {
		return nil, err
	}

	var matches []string
	for i, line := range strings.Split(content, "\n") {
		if re.MatchString(line) {
			matches = append(matches, fmt.Sprintf("Line %d: %s", i+1, line))
		}
	}

	if len(matches) == 0 {
		return &Result{
			Output:   fmt.Sprintf("No matches found for pattern %q in %s.", pattern, path),
			FileInfo: &FileInfo{Path: path, Content: content},
		}, nil
	}
	return &Result{
		Output:   fmt.Sprintf("Found %d matches for pattern %q in %s:\n\n%s", len(matches), pattern, path, strings.Join(matches, "\n")),
		FileInfo: &FileInfo{Path: path, Content: content},
	}, nil
}

func (e *Editor) findFile(path, glob string) (*Result, error) {
	if glob == "" {
		glob = "*"
	}
	if _, err := filepath.Match(glob, ""); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "invalid glob pattern %q", glob)
	}

	var files []string
	err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if ok, _ := filepath.Match(glob, d.Name()); ok {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "error finding files in %s", path)
	}
	sort.Strings(files)

	if len(files) == 0 {
		return &Result{Output: fmt.Sprintf("No files matching pattern %q found in %s.", glob, path)}, nil
	}
	return &Result{
		Output: fmt.Sprintf("Found %d files matching pattern %q in %s:\n\n%s", len(files), glob, path, strings.Join(files, "\n")),
	}, nil
}

func (e *Editor) readFile(ctx context.Context, path string, sudo bool) (string, error) {
	if sudo {
		out, err := exec.CommandContext(ctx, "sudo", "cat", path).Output()
		if err != nil {
			return "", apierr.Wrap(apierr.KindInternal, err, "failed to read file %s", path)
		}
		return string(out), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apierr.NotFound("file does not exist: %s", path)
		}
		return "", apierr.Wrap(apierr.KindInternal, err, "failed to read file %s", path)
	}
	return string(data), nil
}

// writeFile writes or appends content via a temp file and rename so a partial
// write never clobbers the destination.
func (e *Editor) writeFile(ctx context.Context, path, content string, sudo, appendMode, trailingNewline, leadingNewline bool) (*Result, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, err, "failed to create directory %s", dir)
		}
	}

	if leadingNewline && !strings.HasPrefix(content, "\n") {
		content = "\n" + content
	}
	if trailingNewline && !strings.HasSuffix(content, "\n") {
		content = content + "\n"
	}

	var oldContent string
	if appendMode {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			existing, err := e.readFile(ctx, path, sudo)
			if err != nil {
				return nil, err
			}
			oldContent = existing
			content = existing + content
		}
	}

	tmpPath := filepath.Join(filepath.Dir(path), ".tmp_"+filepath.Base(path))
	if err := os.WriteFile(tmpPath, []byte(content), 0o644); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to write file %s", path)
	}

	if sudo {
		if out, err := exec.CommandContext(ctx, "sudo", "mv", tmpPath, path).CombinedOutput(); err != nil {
			_ = os.Remove(tmpPath)
			return nil, apierr.Wrap(apierr.KindInternal, err, "failed to write file %s: %s", path, strings.TrimSpace(string(out)))
		}
	} else {
		if err := os.Rename(tmpPath, path); err != nil {
			_ = os.Remove(tmpPath)
			return nil, apierr.Wrap(apierr.KindInternal, err, "failed to write file %s", path)
		}
	}

	action := "Created"
	if appendMode {
		action = "Updated"
	}
	info := &FileInfo{Path: path, Content: content}
	if appendMode {
		info.OldContent = oldContent
	}
	return &Result{
		Output:   fmt.Sprintf("%s file %s successfully.", action, path),
		FileInfo: info,
	}, nil
}

// makeOutput formats file content with cat -n style line numbers, bounded by
// the global response cap.
func makeOutput(content, path string, initLine int) string {
	content = strings.ReplaceAll(content, "\t", "    ")

	header := fmt.Sprintf("Here's the result of running `cat -n` on %s:\n", path)
	lines := strings.Split(content, "\n")

	// The gutter is charged per emitted line, so the cap drops only the lines
	// past the budget rather than scaling the budget with the file size.
	budget := maxResponseLen - len(header) - len(truncatedNotice)
	kept := lines
	clipped := false
	used := 0
	for i, line := range lines {
		if used+lineNumWidth+len(line)+1 > budget {
			kept = lines[:i]
			clipped = true
			break
		}
		used += lineNumWidth + len(line) + 1
	}
	if clipped && len(kept) == 0 {
		cut := budget - lineNumWidth
		if cut < 0 {
			cut = 0
		}
		kept = []string{lines[0][:cut]}
	}

	content = strings.Join(kept, "\n")
	if clipped {
		content += truncatedNotice
	}

	var b strings.Builder
	b.WriteString(header)
	for i, line := range strings.Split(content, "\n") {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%*d  %s", lineNumWidth-1, i+initLine, line)
	}
	return b.String()
}
