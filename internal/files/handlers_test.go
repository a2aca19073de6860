package files

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whit3rabbit/manus-open/internal/common/logger"
	"github.com/whit3rabbit/manus-open/internal/storage"
)

func newTestRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()
	dir := t.TempDir()

	store, err := storage.New(filepath.Join(dir, "local_storage"), log)
	require.NoError(t, err)

	router := gin.New()
	NewHandler(store, filepath.Join(dir, "upload"), log).RegisterRoutes(router)
	return router, dir
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestUploadSmallFile(t *testing.T) {
	router, dir := newTestRouter(t)

	src := filepath.Join(dir, "small.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	rec := postJSON(t, router, "/file/upload", UploadRequest{FilePath: src})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp["status"])

	stored, err := os.ReadFile(resp["handle"].(string))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(stored))
}

func TestUploadLargeFileRequiresMultipart(t *testing.T) {
	router, dir := newTestRouter(t)

	src := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(src, make([]byte, multipartThreshold+1), 0o644))

	rec := postJSON(t, router, "/file/upload", UploadRequest{FilePath: src})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["requires_multipart"])
	assert.Equal(t, float64(multipartThreshold), resp["recommended_part_size"])
}

func TestMultipartUploadRoundTrip(t *testing.T) {
	router, dir := newTestRouter(t)

	// 2.5 parts at a 1 MiB part size.
	partSize := int64(1 << 20)
	data := make([]byte, partSize*2+partSize/2)
	for i := range data {
		data[i] = byte(i % 251)
	}
	src := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(src, data, 0o644))

	rec := postJSON(t, router, "/file/multipart_upload", MultipartUploadRequest{
		FilePath: src,
		PartSize: partSize,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MultipartUploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 3, resp.SuccessfulParts)
	assert.Equal(t, 0, resp.FailedParts)
	require.Len(t, resp.PartsResults, 3)
	for i, part := range resp.PartsResults {
		assert.Equal(t, i+1, part.PartNumber)
		assert.True(t, part.Success)
	}

	combined, err := os.ReadFile(resp.Handle)
	require.NoError(t, err)
	assert.Equal(t, sha256.Sum256(data), sha256.Sum256(combined))
}

func TestMultipartUploadMissingFile(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/file/multipart_upload", MultipartUploadRequest{
		FilePath: "/nonexistent.bin",
		PartSize: 1024,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetFile(t *testing.T) {
	router, dir := newTestRouter(t)

	src := filepath.Join(dir, "download.txt")
	require.NoError(t, os.WriteFile(src, []byte("content"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/file?path="+src, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "content", rec.Body.String())
}

func TestGetFileMissing(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/file?path=/nonexistent.txt", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadAttachments(t *testing.T) {
	router, dir := newTestRouter(t)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "attachment body")
	}))
	defer origin.Close()

	rec := postJSON(t, router, "/request-download-attachments", DownloadRequest{
		Files:  []DownloadItem{{URL: origin.URL, Filename: "a.txt"}},
		Folder: "batch",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		SuccessCount int `json:"success_count"`
		ErrorCount   int `json:"error_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.SuccessCount)
	assert.Equal(t, 0, resp.ErrorCount)

	data, err := os.ReadFile(filepath.Join(dir, "upload", "batch", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "attachment body", string(data))
}

func TestDownloadAttachmentsReportsFailures(t *testing.T) {
	router, _ := newTestRouter(t)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer origin.Close()

	rec := postJSON(t, router, "/request-download-attachments", DownloadRequest{
		Files: []DownloadItem{{URL: origin.URL, Filename: "bad.txt"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "HTTP error: 500")
}
