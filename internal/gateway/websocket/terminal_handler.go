// Package websocket provides the streaming terminal channel. One connection
// multiplexes many agent actions against the terminal registry; every output
// frame is keyed to the action_id of the input that produced it.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/whit3rabbit/manus-open/internal/common/logger"
	"github.com/whit3rabbit/manus-open/internal/terminal"
)

// TerminalHandler upgrades HTTP requests to terminal WebSocket connections.
type TerminalHandler struct {
	registry *terminal.Registry
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewTerminalHandler creates a terminal WebSocket handler.
func NewTerminalHandler(registry *terminal.Registry, log *logger.Logger) *TerminalHandler {
	return &TerminalHandler{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "terminal-ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The sandbox assumes a trusted caller on a private network.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers the WebSocket endpoint.
func (h *TerminalHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/terminal", h.Handle)
}

// Handle upgrades the request and serves the connection until it closes.
func (h *TerminalHandler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn:     conn,
		registry: h.registry,
		logger:   h.logger,
		actions:  make(map[string]context.CancelFunc),
	}
	client.serve()
}

// wsClient is the per-connection state: a mutex-guarded writer and a task map
// keyed by action_id so a disconnect can cancel everything in flight.
type wsClient struct {
	conn     *websocket.Conn
	registry *terminal.Registry
	logger   *logger.Logger

	writeMu sync.Mutex

	actionMu sync.Mutex
	actions  map[string]context.CancelFunc
	tasks    sync.WaitGroup
}

func (cl *wsClient) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		cl.cancelAll()
		cl.tasks.Wait()
		_ = cl.conn.Close()
	}()

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.logger.WithError(err).Warn("websocket read failed")
			}
			return
		}

		var msg terminal.InputMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			cl.logger.WithError(err).Warn("invalid terminal message")
			cl.send(&terminal.OutputMessage{
				Type:           terminal.OutputError,
				Result:         "invalid message: " + err.Error(),
				Output:         []string{},
				TerminalStatus: terminal.StatusUnknown,
			})
			continue
		}
		if msg.Terminal == "" || msg.ActionID == "" {
			cl.send(msg.Response(terminal.OutputError, "terminal and action_id are required", nil, terminal.StatusUnknown, 0))
			continue
		}

		cl.dispatch(ctx, &msg)
	}
}

// dispatch runs one action in its own goroutine, tracked by action_id.
func (cl *wsClient) dispatch(ctx context.Context, msg *terminal.InputMessage) {
	actionCtx, cancel := context.WithCancel(ctx)

	cl.actionMu.Lock()
	cl.actions[msg.ActionID] = cancel
	cl.actionMu.Unlock()

	cl.tasks.Add(1)
	go func() {
		defer func() {
			cancel()
			cl.actionMu.Lock()
			delete(cl.actions, msg.ActionID)
			cl.actionMu.Unlock()
			cl.tasks.Done()
		}()
		cl.handle(actionCtx, msg)
	}()
}

func (cl *wsClient) cancelAll() {
	cl.actionMu.Lock()
	defer cl.actionMu.Unlock()
	for _, cancel := range cl.actions {
		cancel()
	}
}

func (cl *wsClient) send(msg *terminal.OutputMessage) {
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()
	if err := cl.conn.WriteJSON(msg); err != nil {
		cl.logger.WithError(err).Debug("websocket write failed")
	}
}

func (cl *wsClient) handle(ctx context.Context, msg *terminal.InputMessage) {
	emit := terminal.Emit(cl.send)

	if msg.Type == terminal.InputResetAll {
		if err := cl.registry.ResetAll(); err != nil {
			emit(msg.Response(terminal.OutputError, "failed to reset terminals: "+err.Error(), nil, terminal.StatusUnknown, 0))
			return
		}
		emit(msg.Response(terminal.OutputActionFinish, "all terminals reset", nil, terminal.StatusIdle, 0))
		return
	}

	session, err := cl.registry.GetOrCreate(msg.Terminal)
	if err != nil {
		emit(msg.Response(terminal.OutputError, "failed to create terminal: "+err.Error(), nil, terminal.StatusUnknown, 0))
		return
	}

	switch msg.Type {
	case terminal.InputCommand:
		cl.handleCommand(ctx, session, msg, emit)
	case terminal.InputView:
		emit(msg.Response(terminal.OutputHistory, "", session.View(true), session.Status(), 0))
	case terminal.InputViewLast:
		emit(msg.Response(terminal.OutputHistory, "", session.View(false), session.Status(), 0))
	case terminal.InputKillProcess:
		if err := session.Kill(); err != nil {
			emit(msg.Response(terminal.OutputError, "failed to kill process: "+err.Error(), session.View(false), session.Status(), 0))
			return
		}
		emit(msg.Response(terminal.OutputActionFinish, "process killed", session.View(false), session.Status(), 0))
	case terminal.InputReset:
		if err := session.Reset(); err != nil {
			emit(msg.Response(terminal.OutputError, "failed to reset terminal: "+err.Error(), nil, terminal.StatusUnknown, 0))
			return
		}
		emit(msg.Response(terminal.OutputActionFinish, "terminal reset", session.View(false), session.Status(), 0))
	default:
		emit(msg.Response(terminal.OutputError, "unknown message type: "+string(msg.Type), nil, session.Status(), 0))
	}
}

func (cl *wsClient) handleCommand(ctx context.Context, session *terminal.Session, msg *terminal.InputMessage, emit terminal.Emit) {
	switch msg.Mode {
	case terminal.ModeRun:
		session.Run(ctx, msg, emit)
	case terminal.ModeSendLine:
		if err := session.SendLine(msg.Command); err != nil {
			emit(msg.Response(terminal.OutputError, "failed to send line: "+err.Error(), nil, session.Status(), 0))
			return
		}
		emit(msg.Response(terminal.OutputActionFinish, "line sent", session.View(false), session.Status(), 0))
	case terminal.ModeSendKey:
		if err := session.SendKey(msg.Command); err != nil {
			emit(msg.Response(terminal.OutputError, "failed to send key: "+err.Error(), nil, session.Status(), 0))
			return
		}
		emit(msg.Response(terminal.OutputActionFinish, "key sent", session.View(false), session.Status(), 0))
	case terminal.ModeSendControl:
		if err := session.SendControl(msg.Command); err != nil {
			emit(msg.Response(terminal.OutputError, "failed to send control: "+err.Error(), nil, session.Status(), 0))
			return
		}
		emit(msg.Response(terminal.OutputActionFinish, "control sent", session.View(false), session.Status(), 0))
	default:
		emit(msg.Response(terminal.OutputError, "unknown command mode: "+string(msg.Mode), nil, session.Status(), 0))
	}
}
