// Package terminal provides named, persistent pty-backed shell sessions with
// prompt-boundary detection, streaming command execution, and a bounded
// history, multiplexed behind a registry.
package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/whit3rabbit/manus-open/internal/common/logger"
	"github.com/whit3rabbit/manus-open/internal/common/textutil"
)

// The shell prompt doubles as a command-boundary sentinel. Bash renders the
// \u, \h and \w escapes, producing a three-line block the session scans for
// in the pty stream to detect that a command returned to the prompt.
const (
	promptSentinel = `[CMD_BEGIN]\n\u@\h:\w\n[CMD_END]`

	termRows = 24
	termCols = 80

	historyCap      = 100
	maxEntryTextLen = 5000
	maxHistoryLen   = 10000

	colorGreen = "\x1b[32m"
	colorReset = "\x1b[0m"

	fallbackPrompt = colorGreen + "$" + colorReset
)

// promptRe matches the rendered sentinel, capturing any embedded status,
// user, host, and working directory. Surrounding whitespace stays inside the
// match so the preceding output is clean.
var promptRe = regexp.MustCompile(`\[CMD_BEGIN\]\s*(.*?)\s*([a-z0-9_-]*)@([a-zA-Z0-9.-]*):(.+)\s*\[CMD_END\]`)

// Config holds per-session settings shared by all sessions of a registry.
type Config struct {
	// WorkDir is the directory new shells start in.
	WorkDir string

	// CommandTimeout bounds a single shell statement.
	CommandTimeout time.Duration
}

// HistoryEntry records one executed statement and its rendered output.
type HistoryEntry struct {
	Command     string
	Text        string
	PrePrompt   string
	AfterPrompt string
	Finished    bool
	Timestamp   time.Time
}

// Session is one named shell. A session serializes its own run commands via
// the running flag; out-of-band input may be injected concurrently.
type Session struct {
	Name   string
	logger *logger.Logger
	cfg    Config

	mu      sync.Mutex
	ptmx    *os.File
	cmd     *exec.Cmd
	gen     int // bumped on every shell (re)spawn
	alive   bool
	running bool
	history []*HistoryEntry
	prompt  string
	pending string // out-of-band input echoed into the next stream update
}

// New creates a session and spawns its shell.
func New(name string, cfg Config, log *logger.Logger) (*Session, error) {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 60 * time.Second
	}
	s := &Session{
		Name:   name,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "terminal"), zap.String("terminal", name)),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.initLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// initLocked spawns the shell and consumes the initial prompt. No-op when the
// current shell is still alive.
func (s *Session) initLocked() error {
	if s.alive && s.processAliveLocked() {
		return nil
	}
	if s.ptmx != nil {
		_ = s.ptmx.Close()
		s.ptmx = nil
	}

	cmd := exec.Command("/bin/bash", "--norc", "--noprofile")
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = append(os.Environ(),
		"PS1="+promptSentinel,
		"TERM=xterm-256color",
		fmt.Sprintf("COLUMNS=%d", termCols),
	)

	raw, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: termRows, Cols: termCols})
	if err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	ptmx, err := pollablePty(raw)
	if err != nil {
		_ = raw.Close()
		_ = cmd.Process.Kill()
		return fmt.Errorf("failed to prepare pty for polling: %w", err)
	}
	if err := disableEcho(ptmx); err != nil {
		s.logger.Warn("failed to disable pty echo", zap.Error(err))
	}

	s.ptmx = ptmx
	s.cmd = cmd
	s.gen++
	s.alive = true

	// Reap the child when it exits.
	go func(c *exec.Cmd) { _ = c.Wait() }(cmd)

	if _, prompt, ok := s.expectPromptLocked(2 * time.Second); ok {
		s.prompt = prompt
	} else {
		s.logger.Warn("did not observe initial prompt")
		s.prompt = fallbackPrompt
	}

	s.logger.Info("terminal initialized",
		zap.String("cwd", s.cfg.WorkDir),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// ensureLocked restarts the shell if it died.
func (s *Session) ensureLocked() error {
	if s.alive && s.processAliveLocked() {
		return nil
	}
	s.alive = false
	return s.initLocked()
}

func (s *Session) processAliveLocked() bool {
	return s.cmd != nil && s.cmd.Process != nil && s.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Alive reports whether the shell process is running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive && s.processAliveLocked()
}

// Status reports the session's execution state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.running:
		return StatusRunning
	case s.alive && s.processAliveLocked():
		return StatusIdle
	default:
		return StatusUnknown
	}
}

// Prompt returns the cached rendered prompt line.
func (s *Session) Prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptLocked()
}

func (s *Session) promptLocked() string {
	if s.prompt == "" {
		return fallbackPrompt
	}
	return s.prompt
}

// SendLine injects a full line of input into the shell. While a run is in
// flight, the injected text is echoed into the next stream update.
func (s *Session) SendLine(text string) error {
	return s.inject(text+"\n", true)
}

var keySequences = map[string]string{
	"up":        "\x1b[A",
	"down":      "\x1b[B",
	"right":     "\x1b[C",
	"left":      "\x1b[D",
	"enter":     "\r",
	"esc":       "\x1b",
	"tab":       "\t",
	"backspace": "\b",
	"delete":    "\x1b[3~",
}

// SendKey injects a named key. Unknown keys are logged and ignored.
func (s *Session) SendKey(name string) error {
	seq, ok := keySequences[strings.TrimSpace(name)]
	if !ok {
		s.logger.Warn("unsupported key", zap.String("key", name))
		return nil
	}
	return s.inject(seq, false)
}

// SendControl injects one of Ctrl-C, Ctrl-D, or Ctrl-Z. Anything else is
// logged and ignored.
func (s *Session) SendControl(char string) error {
	var seq string
	switch strings.ToLower(strings.TrimSpace(char)) {
	case "c":
		seq = "\x03"
	case "d":
		seq = "\x04"
	case "z":
		seq = "\x1a"
	default:
		s.logger.Warn("unsupported control character", zap.String("char", char))
		return nil
	}
	return s.inject(seq, false)
}

// inject writes raw bytes to the pty. When idle it opportunistically refreshes
// the cached prompt; during a run the run loop owns all pty reads.
func (s *Session) inject(data string, echo bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return err
	}
	if _, err := s.ptmx.WriteString(data); err != nil {
		return fmt.Errorf("failed to write to terminal: %w", err)
	}
	if s.running {
		if echo {
			s.pending += data
		}
		return nil
	}
	if _, prompt, ok := s.expectPromptLocked(300 * time.Millisecond); ok {
		s.prompt = prompt
	}
	return nil
}

// Kill terminates the foreground shell with SIGTERM and respawns it. History
// is preserved; unfinished entries are closed out.
func (s *Session) Kill() error {
	s.mu.Lock()
	cmd := s.cmd
	ptmx := s.ptmx
	if s.processAliveLocked() {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	s.mu.Unlock()

	time.Sleep(200 * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd != nil && cmd.Process != nil && cmd.Process.Signal(syscall.Signal(0)) == nil {
		_ = cmd.Process.Kill()
	}
	if ptmx != nil && ptmx == s.ptmx {
		_ = ptmx.Close()
		s.ptmx = nil
	}
	s.alive = false
	s.running = false
	for _, e := range s.history {
		if !e.Finished {
			e.Finished = true
		}
	}
	if err := s.initLocked(); err != nil {
		return err
	}
	s.logger.Info("process killed")
	return nil
}

// Reset discards the shell and all history, then starts fresh.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processAliveLocked() {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
	if s.ptmx != nil {
		_ = s.ptmx.Close()
		s.ptmx = nil
	}
	s.alive = false
	s.running = false
	s.history = nil
	s.pending = ""
	s.prompt = ""
	if err := s.initLocked(); err != nil {
		return err
	}
	s.logger.Info("terminal reset")
	return nil
}

// Close terminates the shell without respawning it.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processAliveLocked() {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
		_ = s.cmd.Process.Kill()
	}
	if s.ptmx != nil {
		_ = s.ptmx.Close()
		s.ptmx = nil
	}
	s.alive = false
	s.running = false
}

// View renders the session history. With full=false only the latest entry is
// returned.
func (s *Session) View(full bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLinesLocked(true, full)
}

// historyLinesLocked formats history entries, newest kept, oldest dropped
// once the aggregate budget is exceeded.
func (s *Session) historyLinesLocked(appendPrompt, full bool) []string {
	if len(s.history) == 0 {
		if full {
			return []string{fmt.Sprintf("Terminal %s has no history yet", s.Name), s.promptLocked()}
		}
		return []string{s.promptLocked()}
	}

	if !full {
		last := s.history[len(s.history)-1]
		out := formatEntry(last)
		if last.Finished && appendPrompt {
			out += "\n" + last.AfterPrompt
		}
		return []string{out}
	}

	var result []string
	total := 0
	for i := len(s.history) - 1; i >= 0; i-- {
		item := s.history[i]
		formatted := formatEntry(item)
		if item.Finished {
			formatted += "\n" + item.AfterPrompt
		}
		if total+len(formatted) > maxHistoryLen {
			result = append(result, "... earlier history truncated ...")
			break
		}
		result = append(result, formatted)
		total += len(formatted)
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}

	if appendPrompt && s.history[len(s.history)-1].Finished {
		result = append(result, s.promptLocked())
	}
	return result
}

func formatEntry(e *HistoryEntry) string {
	text := textutil.TruncateFromBack(e.Text, maxEntryTextLen)
	return fmt.Sprintf("%s %s\n%s", e.PrePrompt, e.Command, text)
}

// addEntryLocked appends an entry, dropping the oldest past the cap. Entries
// are pushed when a statement starts, so the cap holds even if the statement
// never finishes.
func (s *Session) addEntryLocked(e *HistoryEntry) {
	s.history = append(s.history, e)
	if len(s.history) > historyCap {
		s.history = s.history[1:]
	}
}

// HistoryLen returns the number of retained history entries.
func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// expectPromptLocked reads from the pty until the prompt sentinel appears or
// the timeout elapses. Returns the text preceding the match and the rendered
// prompt.
func (s *Session) expectPromptLocked(timeout time.Duration) (string, string, bool) {
	deadline := time.Now().Add(timeout)
	var buf strings.Builder
	chunk := make([]byte, 4096)
	for time.Now().Before(deadline) {
		if err := s.ptmx.SetReadDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
			s.logger.WithError(err).Error("pty does not support read deadlines")
			break
		}
		n, err := s.ptmx.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if before, prompt, ok := matchPrompt(buf.String()); ok {
				return before, prompt, true
			}
		}
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			break
		}
	}
	return buf.String(), "", false
}

// matchPrompt scans text for the prompt sentinel. On a match it returns the
// preceding output and the prompt rendered for display.
func matchPrompt(text string) (before, prompt string, ok bool) {
	loc := promptRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return "", "", false
	}
	user := submatch(text, loc, 2)
	host := submatch(text, loc, 3)
	path := submatch(text, loc, 4)
	return text[:loc[0]], renderPrompt(user, host, path), true
}

func submatch(text string, loc []int, n int) string {
	if loc[2*n] < 0 {
		return ""
	}
	return text[loc[2*n]:loc[2*n+1]]
}

// renderPrompt rebuilds a familiar colored prompt from the sentinel captures.
func renderPrompt(user, host, path string) string {
	if user == "" {
		user = "ubuntu"
	}
	if host == "" {
		host = "localhost"
	}
	if path == "" {
		path = "~"
	}
	return fmt.Sprintf("%s%s@%s:%s$%s ", colorGreen, user, host, path, colorReset)
}

// pollablePty re-registers the pty master with the runtime poller. pty.Start
// returns a blocking file, and SetReadDeadline on a blocking fd is accepted
// but never enforced, so reads would ignore deadlines entirely. The original
// file is closed; the duplicated fd takes over.
func pollablePty(raw *os.File) (*os.File, error) {
	fd, err := syscall.Dup(int(raw.Fd()))
	if err != nil {
		return nil, err
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		_ = syscall.Close(fd)
		return nil, err
	}
	f := os.NewFile(uintptr(fd), raw.Name())
	_ = raw.Close()
	return f, nil
}

// disableEcho turns off terminal echo so commands sent to the shell do not
// come back in the output stream. The ioctl goes through SyscallConn because
// File.Fd would drop the fd out of the runtime poller.
func disableEcho(ptmx *os.File) error {
	conn, err := ptmx.SyscallConn()
	if err != nil {
		return err
	}
	var ioctlErr error
	if err := conn.Control(func(fd uintptr) {
		tio, terr := unix.IoctlGetTermios(int(fd), unix.TCGETS)
		if terr != nil {
			ioctlErr = terr
			return
		}
		tio.Lflag &^= unix.ECHO
		ioctlErr = unix.IoctlSetTermios(int(fd), unix.TCSETS, tio)
	}); err != nil {
		return err
	}
	return ioctlErr
}
