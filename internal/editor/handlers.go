package editor

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whit3rabbit/manus-open/internal/common/apierr"
	"github.com/whit3rabbit/manus-open/internal/common/logger"
)

// ActionResponse is the HTTP shape of an editor result.
type ActionResponse struct {
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Result   string    `json:"result"`
	FileInfo *FileInfo `json:"file_info,omitempty"`
}

// Handler exposes the text editor over HTTP.
type Handler struct {
	editor *Editor
	logger *logger.Logger
}

// NewHandler creates an editor HTTP handler.
func NewHandler(editor *Editor, log *logger.Logger) *Handler {
	return &Handler{
		editor: editor,
		logger: log.WithFields(zap.String("component", "editor-api")),
	}
}

// RegisterRoutes registers the editor endpoint.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/text_editor", h.Action)
}

// Action handles POST /text_editor.
func (h *Handler) Action(c *gin.Context) {
	var action Action
	if err := c.ShouldBindJSON(&action); err != nil {
		c.JSON(http.StatusBadRequest, ActionResponse{
			Status: "error",
			Error:  "invalid request body: " + err.Error(),
			Result: "invalid request body: " + err.Error(),
		})
		return
	}

	result, err := h.editor.RunAction(c.Request.Context(), &action)
	if err != nil {
		h.logger.WithError(err).Warn("editor action failed",
			zap.String("command", string(action.Command)),
			zap.String("path", action.Path))
		c.JSON(apierr.HTTPStatus(err), ActionResponse{
			Status: "error",
			Error:  apierr.Message(err),
			Result: "Error: " + apierr.Message(err),
		})
		return
	}

	c.JSON(http.StatusOK, ActionResponse{
		Status:   "success",
		Result:   result.Output,
		FileInfo: result.FileInfo,
	})
}
