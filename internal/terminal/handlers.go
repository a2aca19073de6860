package terminal

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whit3rabbit/manus-open/internal/common/logger"
)

// Handler exposes the terminal REST operations.
type Handler struct {
	registry *Registry
	logger   *logger.Logger
}

// NewHandler creates a terminal REST handler.
func NewHandler(registry *Registry, log *logger.Logger) *Handler {
	return &Handler{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "terminal-api")),
	}
}

// RegisterRoutes registers the terminal REST endpoints.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/terminal/reset-all", h.ResetAll)
	r.POST("/terminal/:id/reset", h.Reset)
	r.GET("/terminal/:id/view", h.View)
	r.POST("/terminal/:id/kill", h.Kill)
	r.POST("/terminal/:id/write", h.Write)
}

func (h *Handler) session(c *gin.Context) (*Session, bool) {
	id := c.Param("id")
	s, err := h.registry.GetOrCreate(id)
	if err != nil {
		h.logger.WithError(err).Error("failed to create terminal", zap.String("terminal", id))
		c.JSON(http.StatusInternalServerError, APIResponse{
			Status:     "error",
			Output:     []string{},
			Result:     "Error: " + err.Error(),
			TerminalID: id,
		})
		return nil, false
	}
	return s, true
}

// Reset handles POST /terminal/:id/reset.
func (h *Handler) Reset(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Reset(); err != nil {
		h.fail(c, s.Name, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{
		Status:     "success",
		Output:     s.View(false),
		Result:     "terminal reset successfully",
		TerminalID: s.Name,
	})
}

// ResetAll handles POST /terminal/reset-all.
func (h *Handler) ResetAll(c *gin.Context) {
	if err := h.registry.ResetAll(); err != nil {
		h.logger.WithError(err).Error("failed to reset terminals")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "all terminals reset successfully"})
}

// View handles GET /terminal/:id/view?full=.
func (h *Handler) View(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	full, _ := strconv.ParseBool(c.DefaultQuery("full", "false"))
	c.JSON(http.StatusOK, APIResponse{
		Status:     "success",
		Output:     s.View(full),
		Result:     "",
		TerminalID: s.Name,
	})
}

// Kill handles POST /terminal/:id/kill.
func (h *Handler) Kill(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Kill(); err != nil {
		h.fail(c, s.Name, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{
		Status:     "success",
		Output:     s.View(false),
		Result:     "process killed",
		TerminalID: s.Name,
	})
}

// Write handles POST /terminal/:id/write. Enter defaults to true.
func (h *Handler) Write(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{
			Status:     "error",
			Output:     []string{},
			Result:     "invalid request body: " + err.Error(),
			TerminalID: s.Name,
		})
		return
	}

	var err error
	if req.Enter == nil || *req.Enter {
		err = s.SendLine(req.Text)
	} else {
		err = s.inject(req.Text, true)
	}
	if err != nil {
		h.fail(c, s.Name, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{
		Status:     "success",
		Output:     s.View(false),
		Result:     "text written to terminal",
		TerminalID: s.Name,
	})
}

func (h *Handler) fail(c *gin.Context, terminalID string, err error) {
	h.logger.WithError(err).Error("terminal operation failed", zap.String("terminal", terminalID))
	c.JSON(http.StatusInternalServerError, APIResponse{
		Status:     "error",
		Output:     []string{},
		Result:     "Error: " + err.Error(),
		TerminalID: terminalID,
	})
}
