package secrets

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whit3rabbit/manus-open/internal/common/logger"
)

// Handler exposes the secret provisioning endpoint.
type Handler struct {
	provisioner *Provisioner
	logger      *logger.Logger
}

// NewHandler creates a secrets HTTP handler.
func NewHandler(provisioner *Provisioner, log *logger.Logger) *Handler {
	return &Handler{
		provisioner: provisioner,
		logger:      log.WithFields(zap.String("component", "secrets-api")),
	}
}

// RegisterRoutes registers the init-sandbox endpoint.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/init-sandbox", h.InitSandbox)
}

// InitSandboxRequest carries the secrets to provision.
type InitSandboxRequest struct {
	Secrets map[string]string `json:"secrets" binding:"required"`
}

// InitSandbox handles POST /init-sandbox.
func (h *Handler) InitSandbox(c *gin.Context) {
	var req InitSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid request body: " + err.Error()})
		return
	}

	written, err := h.provisioner.Provision(req.Secrets)
	if err != nil {
		h.logger.WithError(err).Error("failed to provision secrets")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": fmt.Sprintf("Initialized %d secrets", written),
	})
}
