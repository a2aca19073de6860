package websocket

import (
	"net/http/httptest"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whit3rabbit/manus-open/internal/common/logger"
	"github.com/whit3rabbit/manus-open/internal/terminal"
)

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

func newTestServer(t *testing.T) (*httptest.Server, *terminal.Registry) {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	registry := terminal.NewRegistry(terminal.Config{WorkDir: t.TempDir()}, log)
	t.Cleanup(registry.CloseAll)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewTerminalHandler(registry, log).RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, registry
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/terminal"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads frames for actionID until a terminating frame type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, actionID string, terminals ...terminal.OutputType) []*terminal.OutputMessage {
	t.Helper()
	stop := make(map[terminal.OutputType]bool)
	for _, tt := range terminals {
		stop[tt] = true
	}
	deadline := time.Now().Add(30 * time.Second)
	var frames []*terminal.OutputMessage
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		var msg terminal.OutputMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.ActionID != actionID {
			continue
		}
		frames = append(frames, &msg)
		if stop[msg.Type] {
			return frames
		}
	}
	t.Fatalf("no terminating frame for action %q", actionID)
	return nil
}

func TestWebSocketRunCommand(t *testing.T) {
	skipWithoutPTY(t)

	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(terminal.InputMessage{
		Type:     terminal.InputCommand,
		Terminal: "t1",
		ActionID: "a",
		Command:  "echo ws-hello",
		Mode:     terminal.ModeRun,
	}))

	frames := readUntil(t, conn, "a", terminal.OutputFinish, terminal.OutputError)
	final := frames[len(frames)-1]
	assert.Equal(t, terminal.OutputFinish, final.Type)
	assert.Equal(t, terminal.StatusIdle, final.TerminalStatus)
	assert.Contains(t, strings.Join(final.Output, "\n"), "ws-hello")
}

func TestWebSocketBusyRejection(t *testing.T) {
	skipWithoutPTY(t)

	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(terminal.InputMessage{
		Type:     terminal.InputCommand,
		Terminal: "t1",
		ActionID: "slow",
		Command:  "sleep 3",
		Mode:     terminal.ModeRun,
	}))
	time.Sleep(500 * time.Millisecond)

	require.NoError(t, conn.WriteJSON(terminal.InputMessage{
		Type:     terminal.InputCommand,
		Terminal: "t1",
		ActionID: "busy",
		Command:  "echo nope",
		Mode:     terminal.ModeRun,
	}))

	frames := readUntil(t, conn, "busy", terminal.OutputError, terminal.OutputFinish)
	final := frames[len(frames)-1]
	assert.Equal(t, terminal.OutputError, final.Type)
	assert.Equal(t, terminal.StatusRunning, final.TerminalStatus)

	// The original run is unaffected and still terminates.
	slow := readUntil(t, conn, "slow", terminal.OutputFinish, terminal.OutputError)
	assert.Equal(t, terminal.OutputFinish, slow[len(slow)-1].Type)
}

func TestWebSocketView(t *testing.T) {
	skipWithoutPTY(t)

	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(terminal.InputMessage{
		Type:     terminal.InputView,
		Terminal: "fresh",
		ActionID: "v",
	}))

	frames := readUntil(t, conn, "v", terminal.OutputHistory, terminal.OutputError)
	final := frames[len(frames)-1]
	require.Equal(t, terminal.OutputHistory, final.Type)
	assert.Contains(t, final.Output[0], "has no history yet")
}

func TestWebSocketValidation(t *testing.T) {
	skipWithoutPTY(t)

	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	// Missing action_id is rejected without touching the registry.
	require.NoError(t, conn.WriteJSON(terminal.InputMessage{
		Type:     terminal.InputView,
		Terminal: "t1",
	}))

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var msg terminal.OutputMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, terminal.OutputError, msg.Type)
	assert.Contains(t, msg.Result, "required")
}
