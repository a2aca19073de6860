package browser

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whit3rabbit/manus-open/internal/common/apierr"
	"github.com/whit3rabbit/manus-open/internal/common/logger"
)

// requestTimeout bounds the whole /browser/action request, on top of the
// per-verb action timeout.
const requestTimeout = 60 * time.Second

// ActionResponse is the HTTP shape of a browser action outcome.
type ActionResponse struct {
	Status string        `json:"status"`
	Result *ActionResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Handler exposes the browser session over HTTP.
type Handler struct {
	session *Session
	logger  *logger.Logger
}

// NewHandler creates a browser HTTP handler.
func NewHandler(session *Session, log *logger.Logger) *Handler {
	return &Handler{
		session: session,
		logger:  log.WithFields(zap.String("component", "browser-api")),
	}
}

// RegisterRoutes registers the browser endpoints.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/browser/status", h.Status)
	r.POST("/browser/action", h.Action)
}

// Status handles GET /browser/status.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"healthy": h.session.HealthCheck(),
		"tabs":    h.session.Tabs(),
	})
}

// Action handles POST /browser/action. A request that exceeds the overall
// timeout gets its page recreated so the next action starts clean.
func (h *Handler) Action(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ActionResponse{
			Status: "error",
			Error:  "invalid request body: " + err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	result, err := h.session.ExecuteAction(ctx, &req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			if rerr := h.session.RecreatePage(context.Background()); rerr != nil {
				h.logger.WithError(rerr).Error("page recovery after request timeout failed")
			}
			err = apierr.Wrap(apierr.KindTimeout, err, "browser action timed out")
		}
		c.JSON(apierr.HTTPStatus(err), ActionResponse{
			Status: "error",
			Error:  apierr.Message(err),
		})
		return
	}

	c.JSON(http.StatusOK, ActionResponse{Status: "success", Result: result})
}
