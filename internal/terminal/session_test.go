package terminal

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whit3rabbit/manus-open/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error", // Suppress logs during tests
		Format: "console",
	})
	return log
}

func skipWithoutPTY(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("PTY is not supported on Windows")
	}
	if os.Getenv("CI") != "" {
		t.Skip("Skipping PTY test in CI environment")
	}
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("bash not available")
	}
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := New("test", Config{WorkDir: t.TempDir()}, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// frameCollector gathers emitted frames behind a mutex.
type frameCollector struct {
	mu     sync.Mutex
	frames []*OutputMessage
}

func (f *frameCollector) emit(msg *OutputMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
}

func (f *frameCollector) all() []*OutputMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*OutputMessage, len(f.frames))
	copy(out, f.frames)
	return out
}

func TestMatchPrompt(t *testing.T) {
	before, prompt, ok := matchPrompt("some output\n[CMD_BEGIN]\nubuntu@sandbox:/tmp\n[CMD_END]")
	require.True(t, ok)
	assert.Equal(t, "some output\n", before)
	assert.Contains(t, prompt, "ubuntu@sandbox:/tmp$")
	assert.True(t, strings.HasPrefix(prompt, colorGreen))
}

func TestMatchPromptNoMatch(t *testing.T) {
	_, _, ok := matchPrompt("just some text without a sentinel")
	assert.False(t, ok)
}

func TestRenderPromptDefaults(t *testing.T) {
	prompt := renderPrompt("", "", "")
	assert.Contains(t, prompt, "ubuntu@localhost:~$")
}

func TestHistoryCap(t *testing.T) {
	s := &Session{Name: "cap", logger: newTestLogger()}
	for i := 0; i < historyCap+50; i++ {
		s.mu.Lock()
		s.addEntryLocked(&HistoryEntry{Command: fmt.Sprintf("cmd-%d", i), Finished: true})
		s.mu.Unlock()
	}
	assert.Equal(t, historyCap, s.HistoryLen())

	// Oldest entries were dropped FIFO.
	s.mu.Lock()
	first := s.history[0].Command
	s.mu.Unlock()
	assert.Equal(t, "cmd-50", first)
}

func TestFormatEntryTruncatesFromBack(t *testing.T) {
	long := strings.Repeat("x", maxEntryTextLen+100)
	entry := &HistoryEntry{Command: "cat big", Text: long, PrePrompt: "$"}
	got := formatEntry(entry)
	assert.Contains(t, got, "[previous content truncated]...")
	assert.Less(t, len(got), maxEntryTextLen+200)
}

func TestViewAggregateTruncation(t *testing.T) {
	s := &Session{Name: "agg", logger: newTestLogger()}
	big := strings.Repeat("y", 4000)
	for i := 0; i < 10; i++ {
		s.mu.Lock()
		s.addEntryLocked(&HistoryEntry{
			Command:     fmt.Sprintf("cmd-%d", i),
			Text:        big,
			PrePrompt:   "$",
			AfterPrompt: "$",
			Finished:    true,
		})
		s.mu.Unlock()
	}
	lines := s.View(true)
	require.NotEmpty(t, lines)
	assert.Equal(t, "... earlier history truncated ...", lines[0])

	// The newest entry always survives.
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "cmd-9")
	assert.NotContains(t, joined, "cmd-0 ")
}

func TestViewEmptyHistory(t *testing.T) {
	s := &Session{Name: "empty", logger: newTestLogger()}
	full := s.View(true)
	require.Len(t, full, 2)
	assert.Equal(t, "Terminal empty has no history yet", full[0])
	assert.Equal(t, fallbackPrompt, full[1])

	last := s.View(false)
	require.Len(t, last, 1)
	assert.Equal(t, fallbackPrompt, last[0])
}

func TestSessionRunEcho(t *testing.T) {
	skipWithoutPTY(t)

	s := newTestSession(t)
	var fc frameCollector
	msg := &InputMessage{Type: InputCommand, Terminal: "test", ActionID: "a1", Command: "echo hello-sandbox", Mode: ModeRun}
	s.Run(context.Background(), msg, fc.emit)

	frames := fc.all()
	require.NotEmpty(t, frames)
	final := frames[len(frames)-1]
	assert.Equal(t, OutputFinish, final.Type)
	assert.Equal(t, StatusIdle, final.TerminalStatus)
	assert.Equal(t, "a1", final.ActionID)
	assert.Contains(t, strings.Join(final.Output, "\n"), "hello-sandbox")
	assert.Equal(t, 1, s.HistoryLen())
}

func TestSessionRunSplitsStatements(t *testing.T) {
	skipWithoutPTY(t)

	s := newTestSession(t)
	var fc frameCollector
	msg := &InputMessage{Type: InputCommand, Terminal: "test", ActionID: "a2", Command: "echo one\necho two", Mode: ModeRun}
	s.Run(context.Background(), msg, fc.emit)

	frames := fc.all()
	require.NotEmpty(t, frames)

	var sawPartial bool
	lastIndex := -1
	for _, f := range frames {
		if f.Type == OutputPartialFinish {
			sawPartial = true
		}
		assert.GreaterOrEqual(t, f.SubCommandIndex, lastIndex)
		lastIndex = f.SubCommandIndex
	}
	assert.True(t, sawPartial, "expected a partial_finish frame between statements")

	final := frames[len(frames)-1]
	assert.Equal(t, OutputFinish, final.Type)
	assert.Contains(t, strings.Join(final.Output, "\n"), "two")
	assert.Equal(t, 2, s.HistoryLen())
}

func TestSessionBusyRejection(t *testing.T) {
	skipWithoutPTY(t)

	s := newTestSession(t)
	var first frameCollector
	done := make(chan struct{})
	go func() {
		defer close(done)
		msg := &InputMessage{Type: InputCommand, Terminal: "test", ActionID: "slow", Command: "sleep 2", Mode: ModeRun}
		s.Run(context.Background(), msg, first.emit)
	}()

	time.Sleep(500 * time.Millisecond)
	require.Equal(t, StatusRunning, s.Status())

	var second frameCollector
	msg := &InputMessage{Type: InputCommand, Terminal: "test", ActionID: "busy", Command: "echo nope", Mode: ModeRun}
	s.Run(context.Background(), msg, second.emit)

	frames := second.all()
	require.Len(t, frames, 1)
	assert.Equal(t, OutputError, frames[0].Type)
	assert.Equal(t, StatusRunning, frames[0].TerminalStatus)
	assert.Contains(t, frames[0].Result, "still running")

	<-done
	final := first.all()[len(first.all())-1]
	assert.Equal(t, OutputFinish, final.Type)
	assert.Equal(t, StatusIdle, final.TerminalStatus)
}

func TestSessionKillDuringRun(t *testing.T) {
	skipWithoutPTY(t)

	s := newTestSession(t)
	var fc frameCollector
	done := make(chan struct{})
	go func() {
		defer close(done)
		msg := &InputMessage{Type: InputCommand, Terminal: "test", ActionID: "k", Command: "sleep 30", Mode: ModeRun}
		s.Run(context.Background(), msg, fc.emit)
	}()

	time.Sleep(500 * time.Millisecond)
	require.NoError(t, s.Kill())

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish after kill")
	}

	frames := fc.all()
	require.NotEmpty(t, frames)
	final := frames[len(frames)-1]
	assert.Equal(t, OutputFinish, final.Type)
	assert.Equal(t, StatusIdle, s.Status())
	assert.True(t, s.Alive(), "shell should be respawned after kill")
}

func TestSessionResetClearsHistory(t *testing.T) {
	skipWithoutPTY(t)

	s := newTestSession(t)
	var fc frameCollector
	msg := &InputMessage{Type: InputCommand, Terminal: "test", ActionID: "r", Command: "echo before-reset", Mode: ModeRun}
	s.Run(context.Background(), msg, fc.emit)
	require.Equal(t, 1, s.HistoryLen())

	require.NoError(t, s.Reset())
	assert.Equal(t, 0, s.HistoryLen())
	assert.True(t, s.Alive())
}

func TestSessionRunCanceledContext(t *testing.T) {
	skipWithoutPTY(t)

	s := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	var fc frameCollector
	done := make(chan struct{})
	go func() {
		defer close(done)
		msg := &InputMessage{Type: InputCommand, Terminal: "test", ActionID: "c", Command: "sleep 30", Mode: ModeRun}
		s.Run(ctx, msg, fc.emit)
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after context cancel")
	}
	assert.Equal(t, StatusIdle, s.Status())
}

func TestPtyReadDeadline(t *testing.T) {
	skipWithoutPTY(t)

	s := newTestSession(t)
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()

	require.NoError(t, ptmx.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := ptmx.Read(buf); err != nil {
				done <- err
				return
			}
		}
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not return after the deadline elapsed")
	}
	require.NoError(t, ptmx.SetReadDeadline(time.Time{}))
}

func TestSessionRunStatementTimeout(t *testing.T) {
	skipWithoutPTY(t)

	s, err := New("timeout", Config{WorkDir: t.TempDir(), CommandTimeout: 500 * time.Millisecond}, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(s.Close)

	var fc frameCollector
	msg := &InputMessage{Type: InputCommand, Terminal: "timeout", ActionID: "t1", Command: "sleep 30", Mode: ModeRun}
	start := time.Now()
	s.Run(context.Background(), msg, fc.emit)
	assert.Less(t, time.Since(start), 10*time.Second, "timed-out run returned late")

	frames := fc.all()
	require.NotEmpty(t, frames)
	final := frames[len(frames)-1]
	assert.Equal(t, OutputFinish, final.Type)
	assert.Equal(t, "command timed out", final.Result)
	assert.Equal(t, StatusIdle, s.Status())
	assert.True(t, s.Alive(), "shell should be respawned after a timeout")
}

func TestSessionRunAfterTimeout(t *testing.T) {
	skipWithoutPTY(t)

	s, err := New("resync", Config{WorkDir: t.TempDir(), CommandTimeout: 500 * time.Millisecond}, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(s.Close)

	var first frameCollector
	msg := &InputMessage{Type: InputCommand, Terminal: "resync", ActionID: "t2", Command: "sleep 30", Mode: ModeRun}
	s.Run(context.Background(), msg, first.emit)

	// The abandoned command must not leak its output or prompt into the next
	// statement's stream.
	var second frameCollector
	msg = &InputMessage{Type: InputCommand, Terminal: "resync", ActionID: "t3", Command: "echo clean-after-timeout", Mode: ModeRun}
	s.Run(context.Background(), msg, second.emit)

	frames := second.all()
	require.NotEmpty(t, frames)
	final := frames[len(frames)-1]
	assert.Equal(t, OutputFinish, final.Type)
	assert.Equal(t, "command completed", final.Result)
	assert.Contains(t, strings.Join(final.Output, "\n"), "clean-after-timeout")
}
