package archive

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whit3rabbit/manus-open/internal/common/logger"
	"github.com/whit3rabbit/manus-open/internal/storage"
)

// Handler exposes directory archiving over HTTP.
type Handler struct {
	store  *storage.Storage
	logger *logger.Logger
}

// NewHandler creates an archive HTTP handler.
func NewHandler(store *storage.Storage, log *logger.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: log.WithFields(zap.String("component", "archive-api")),
	}
}

// RegisterRoutes registers the zip endpoint.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/zip-file", h.ZipFile)
}

// ZipRequest asks the sandbox to archive a project directory.
type ZipRequest struct {
	Directory   string      `json:"directory" binding:"required"`
	ProjectType ProjectType `json:"project_type" binding:"required"`
}

// ZipResponse reports the stored archive handle.
type ZipResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Handle  string `json:"handle,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ZipFile handles POST /zip-file.
func (h *Handler) ZipFile(c *gin.Context) {
	var req ZipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ZipResponse{Status: "error", Message: "invalid request body", Error: err.Error()})
		return
	}
	if !req.ProjectType.Valid() {
		c.JSON(http.StatusBadRequest, ZipResponse{
			Status:  "error",
			Message: "project_type must be one of frontend, backend, nextjs",
		})
		return
	}

	tmp, err := os.CreateTemp("", "project-*.zip")
	if err != nil {
		c.JSON(http.StatusInternalServerError, ZipResponse{Status: "error", Message: "failed to create archive", Error: err.Error()})
		return
	}
	defer os.Remove(tmp.Name())

	if err := CreateZip(req.Directory, tmp, req.ProjectType); err != nil {
		_ = tmp.Close()
		h.logger.WithError(err).Error("zip failed", zap.String("directory", req.Directory))
		c.JSON(http.StatusBadRequest, ZipResponse{Status: "error", Message: "failed to zip directory", Error: err.Error()})
		return
	}
	if err := tmp.Close(); err != nil {
		c.JSON(http.StatusInternalServerError, ZipResponse{Status: "error", Message: "failed to finalize archive", Error: err.Error()})
		return
	}

	handle, err := h.store.SaveFile(tmp.Name())
	if err != nil {
		h.logger.WithError(err).Error("failed to store archive")
		c.JSON(http.StatusInternalServerError, ZipResponse{Status: "error", Message: "failed to store archive", Error: err.Error()})
		return
	}

	h.logger.Info("archived project",
		zap.String("directory", req.Directory),
		zap.String("project_type", string(req.ProjectType)),
		zap.String("handle", handle))
	c.JSON(http.StatusOK, ZipResponse{
		Status:  "success",
		Message: "Successfully zipped " + filepath.Base(req.Directory),
		Handle:  handle,
	})
}
