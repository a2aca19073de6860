package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Emit delivers one output frame to the client. Implementations must be safe
// for use from the goroutine driving the run.
type Emit func(*OutputMessage)

// Run executes a run-mode command message, streaming update frames as output
// arrives and terminating each statement with partial_finish or finish.
// A second run on a busy session is rejected with an error frame.
func (s *Session) Run(ctx context.Context, msg *InputMessage, emit Emit) {
	s.mu.Lock()
	if err := s.ensureLocked(); err != nil {
		s.mu.Unlock()
		emit(msg.Response(OutputError, fmt.Sprintf("failed to initialize terminal: %v", err), nil, StatusUnknown, 0))
		return
	}
	if s.running {
		out := s.historyLinesLocked(false, false)
		s.mu.Unlock()
		emit(msg.Response(OutputError, "previous command is still running in this terminal", out, StatusRunning, 0))
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.pending = ""
		s.mu.Unlock()
	}()

	command := strings.TrimSpace(msg.Command)
	if msg.ExecDir != "" {
		command = fmt.Sprintf("cd %s && %s", msg.ExecDir, command)
	}

	stmts := SplitStatements(command)
	for i, stmt := range stmts {
		if !s.runStatement(ctx, msg, stmt, i, i == len(stmts)-1, emit) {
			return
		}
	}
}

// runStatement drives one shell statement to completion. Returns false when
// the context was canceled and the remaining statements should be skipped.
func (s *Session) runStatement(ctx context.Context, msg *InputMessage, stmt string, index int, last bool, emit Emit) bool {
	s.mu.Lock()
	if err := s.ensureLocked(); err != nil {
		s.mu.Unlock()
		emit(msg.Response(OutputError, fmt.Sprintf("failed to initialize terminal: %v", err), nil, StatusUnknown, index))
		return false
	}
	ptmx := s.ptmx
	gen := s.gen
	entry := &HistoryEntry{
		Command:   stmt,
		PrePrompt: s.promptLocked(),
		Timestamp: time.Now(),
	}
	s.addEntryLocked(entry)
	if _, err := ptmx.WriteString(stmt + "\n"); err != nil {
		entry.Finished = true
		entry.AfterPrompt = s.promptLocked()
		out := s.historyLinesLocked(true, false)
		s.mu.Unlock()
		emit(msg.Response(OutputError, fmt.Sprintf("failed to write to terminal: %v", err), out, StatusUnknown, index))
		return false
	}
	s.mu.Unlock()

	finishType := OutputPartialFinish
	finishStatus := StatusRunning
	if last {
		finishType = OutputFinish
		finishStatus = StatusIdle
	}

	var collected strings.Builder
	lastEmitted := ""
	chunk := make([]byte, 4096)
	deadline := time.Now().Add(s.cfg.CommandTimeout)

	for {
		if ctx.Err() != nil {
			s.abortStatement(entry, collected.String(), gen)
			return false
		}
		if time.Now().After(deadline) {
			out := s.abortStatement(entry, collected.String(), gen)
			emit(msg.Response(finishType, "command timed out", out, finishStatus, index))
			return true
		}

		if derr := ptmx.SetReadDeadline(time.Now().Add(10 * time.Millisecond)); derr != nil {
			s.logger.WithError(derr).Error("pty does not support read deadlines")
			out := s.abortStatement(entry, collected.String(), gen)
			emit(msg.Response(finishType, "terminal read failed", out, finishStatus, index))
			return true
		}
		n, err := ptmx.Read(chunk)
		if n > 0 {
			collected.Write(chunk[:n])
			if before, prompt, ok := matchPrompt(collected.String()); ok {
				out := s.finishStatement(entry, before, prompt)
				emit(msg.Response(finishType, "command completed", out, finishStatus, index))
				return true
			}

			s.mu.Lock()
			entry.Text = ProcessOutput(s.pending + collected.String())
			out := s.historyLinesLocked(false, false)
			s.mu.Unlock()
			if rendered := strings.Join(out, "\n"); rendered != lastEmitted {
				lastEmitted = rendered
				emit(msg.Response(OutputUpdate, "", out, StatusRunning, index))
			}
			continue
		}
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			// Shell died mid-statement. Close out the entry and respawn.
			s.logger.Error("shell process ended unexpectedly", zap.Error(err))
			s.mu.Lock()
			entry.Text = ProcessOutput(s.pending + collected.String())
			entry.Finished = true
			s.pending = ""
			if s.gen == gen {
				s.alive = false
				if ierr := s.initLocked(); ierr != nil {
					s.logger.WithError(ierr).Error("failed to reinitialize shell")
				}
			}
			entry.AfterPrompt = s.promptLocked()
			out := s.historyLinesLocked(true, false)
			s.mu.Unlock()
			emit(msg.Response(finishType, "shell process ended unexpectedly", out, finishStatus, index))
			return true
		}
	}
}

// abortStatement closes out an abandoned entry and respawns the shell. The
// abandoned command keeps running otherwise, and its later output, prompt
// sentinel included, would bleed into the next statement's stream.
func (s *Session) abortStatement(entry *HistoryEntry, rawOutput string, gen int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Text = ProcessOutput(s.pending + rawOutput)
	s.pending = ""
	if s.gen == gen {
		if s.processAliveLocked() {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
			_ = s.cmd.Process.Kill()
		}
		s.alive = false
		if err := s.initLocked(); err != nil {
			s.logger.WithError(err).Error("failed to reinitialize shell")
		}
	}
	entry.AfterPrompt = s.promptLocked()
	entry.Finished = true
	return s.historyLinesLocked(true, false)
}

// finishStatement closes out a history entry and returns the rendered tail.
// prompt is the freshly matched prompt, or empty to keep the cached one.
func (s *Session) finishStatement(entry *HistoryEntry, rawOutput, prompt string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prompt != "" {
		s.prompt = prompt
	}
	entry.Text = ProcessOutput(s.pending + rawOutput)
	entry.AfterPrompt = s.promptLocked()
	entry.Finished = true
	s.pending = ""
	return s.historyLinesLocked(true, false)
}
