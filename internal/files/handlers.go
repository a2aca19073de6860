// Package files implements file transfer between the sandbox and the caller:
// uploads into local storage, multipart assembly for large files, direct file
// streaming, and batch attachment downloads.
package files

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whit3rabbit/manus-open/internal/common/logger"
	"github.com/whit3rabbit/manus-open/internal/storage"
)

const (
	// Files larger than this require a multipart upload.
	multipartThreshold = 10485760

	// Bounded concurrency for storing upload parts.
	maxConcurrentParts = 5

	downloadTimeout = 30 * time.Second
)

// Handler exposes the file transfer endpoints.
type Handler struct {
	store     *storage.Storage
	uploadDir string
	client    *http.Client
	logger    *logger.Logger
}

// NewHandler creates a file transfer handler. uploadDir receives batch
// downloaded attachments.
func NewHandler(store *storage.Storage, uploadDir string, log *logger.Logger) *Handler {
	return &Handler{
		store:     store,
		uploadDir: uploadDir,
		client:    &http.Client{},
		logger:    log.WithFields(zap.String("component", "files")),
	}
}

// RegisterRoutes registers the file endpoints.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/file/upload", h.Upload)
	r.POST("/file/multipart_upload", h.MultipartUpload)
	r.GET("/file", h.GetFile)
	r.POST("/request-download-attachments", h.DownloadAttachments)
}

// UploadRequest asks the sandbox to copy a local file into storage.
type UploadRequest struct {
	FilePath string `json:"file_path" binding:"required"`
}

// Upload handles POST /file/upload. Files over the multipart threshold are
// not copied; the caller is told to use the multipart endpoint instead.
func (h *Handler) Upload(c *gin.Context) {
	var req UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid request body: " + err.Error()})
		return
	}

	info, err := os.Stat(req.FilePath)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "file not found: " + req.FilePath})
		return
	}
	if info.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": req.FilePath + " is a directory"})
		return
	}

	if info.Size() > multipartThreshold {
		c.JSON(http.StatusOK, gin.H{
			"status":                "error",
			"requires_multipart":    true,
			"recommended_part_size": multipartThreshold,
			"message":               fmt.Sprintf("file is %d bytes, use multipart upload", info.Size()),
		})
		return
	}

	handle, err := h.store.SaveFile(req.FilePath)
	if err != nil {
		h.logger.WithError(err).Error("upload failed", zap.String("path", req.FilePath))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"handle":  handle,
		"message": fmt.Sprintf("Successfully uploaded %s (%d bytes)", filepath.Base(req.FilePath), info.Size()),
	})
}

// MultipartUploadRequest asks the sandbox to slice a local file into parts
// and reassemble it in storage.
type MultipartUploadRequest struct {
	FilePath string `json:"file_path" binding:"required"`
	PartSize int64  `json:"part_size"`
}

// MultipartUploadResponse reports per-part outcomes and the combined handle.
type MultipartUploadResponse struct {
	Status          string               `json:"status"`
	Message         string               `json:"message"`
	FileName        string               `json:"file_name"`
	PartsResults    []storage.PartResult `json:"parts_results"`
	SuccessfulParts int                  `json:"successful_parts"`
	FailedParts     int                  `json:"failed_parts"`
	Handle          string               `json:"handle,omitempty"`
}

// MultipartUpload handles POST /file/multipart_upload.
func (h *Handler) MultipartUpload(c *gin.Context) {
	var req MultipartUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid request body: " + err.Error()})
		return
	}
	if req.PartSize <= 0 {
		req.PartSize = multipartThreshold
	}

	file, err := os.Open(req.FilePath)
	if err != nil {
		c.JSON(http.StatusNotFound, MultipartUploadResponse{
			Status:   "error",
			Message:  "file not found: " + req.FilePath,
			FileName: filepath.Base(req.FilePath),
		})
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		c.JSON(http.StatusInternalServerError, MultipartUploadResponse{
			Status:   "error",
			Message:  err.Error(),
			FileName: filepath.Base(req.FilePath),
		})
		return
	}

	fileName := filepath.Base(req.FilePath)
	partCount := int((info.Size() + req.PartSize - 1) / req.PartSize)
	if partCount == 0 {
		partCount = 1
	}

	partsDir, err := h.store.NewPartsDir()
	if err != nil {
		c.JSON(http.StatusInternalServerError, MultipartUploadResponse{
			Status:   "error",
			Message:  err.Error(),
			FileName: fileName,
		})
		return
	}

	results := make([]storage.PartResult, partCount)
	g, _ := errgroup.WithContext(c.Request.Context())
	g.SetLimit(maxConcurrentParts)
	for n := 1; n <= partCount; n++ {
		g.Go(func() error {
			offset := int64(n-1) * req.PartSize
			size := req.PartSize
			if offset+size > info.Size() {
				size = info.Size() - offset
			}
			buf := make([]byte, size)
			if _, err := file.ReadAt(buf, offset); err != nil && err != io.EOF {
				results[n-1] = storage.PartResult{PartNumber: n, Error: err.Error()}
				return nil
			}
			results[n-1] = h.store.WritePart(partsDir, fileName, n, buf)
			return nil
		})
	}
	_ = g.Wait()

	successful := 0
	for _, r := range results {
		if r.Success {
			successful++
		}
	}
	failed := partCount - successful

	resp := MultipartUploadResponse{
		Status:          "success",
		Message:         fmt.Sprintf("Upload completed: %d parts succeeded, %d parts failed", successful, failed),
		FileName:        fileName,
		PartsResults:    results,
		SuccessfulParts: successful,
		FailedParts:     failed,
	}
	if failed > 0 {
		resp.Status = "partial"
	}

	handle, err := h.store.CombineParts(partsDir, fileName, results)
	if err != nil {
		h.logger.WithError(err).Error("combine failed", zap.String("file", fileName))
		resp.Status = "error"
		resp.Message = err.Error()
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	resp.Handle = handle
	c.JSON(http.StatusOK, resp)
}

// GetFile handles GET /file?path=… by streaming the file back.
func (h *Handler) GetFile(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "path query parameter is required"})
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "file not found: " + path})
		return
	}
	c.File(path)
}

// DownloadItem is one attachment to fetch.
type DownloadItem struct {
	URL      string `json:"url" binding:"required"`
	Filename string `json:"filename" binding:"required"`
}

// DownloadRequest is the body of the batch download endpoint.
type DownloadRequest struct {
	Files  []DownloadItem `json:"files" binding:"required"`
	Folder string         `json:"folder"`
}

// DownloadResult reports the outcome of one attachment download.
type DownloadResult struct {
	Filename string `json:"filename"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// DownloadAttachments handles POST /request-download-attachments. Files land
// in the upload directory, optionally under a subfolder.
func (h *Handler) DownloadAttachments(c *gin.Context) {
	var req DownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid request body: " + err.Error()})
		return
	}

	folder := h.uploadDir
	if req.Folder != "" {
		folder = filepath.Join(h.uploadDir, filepath.Base(req.Folder))
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}

	results := make([]DownloadResult, 0, len(req.Files))
	for _, item := range req.Files {
		results = append(results, h.downloadOne(c.Request.Context(), folder, item))
	}

	successes := 0
	for _, r := range results {
		if r.Success {
			successes++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"results":       results,
		"success_count": successes,
		"error_count":   len(results) - successes,
	})
}

func (h *Handler) downloadOne(ctx context.Context, folder string, item DownloadItem) DownloadResult {
	result := DownloadResult{Filename: item.Filename}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.Error = "download timed out"
		} else {
			result.Error = err.Error()
		}
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Sprintf("HTTP error: %d", resp.StatusCode)
		return result
	}

	path := filepath.Join(folder, filepath.Base(item.Filename))
	out, err := os.Create(path)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = os.Remove(path)
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}
