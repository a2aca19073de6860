// Package storage writes bytes to a local directory and hands back opaque
// handles, standing in for a remote object store. It also assembles multipart
// uploads from per-part files.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whit3rabbit/manus-open/internal/common/logger"
)

const stampLayout = "20060102_150405"

// Storage is a local-directory object store. Handles are absolute paths
// inside the storage root.
type Storage struct {
	root   string
	logger *logger.Logger
}

// New creates the storage root (and its tmp dir for in-flight parts).
func New(root string, log *logger.Logger) (*Storage, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root must not be empty")
	}
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Storage{
		root:   root,
		logger: log.WithFields(zap.String("component", "storage")),
	}, nil
}

// Root returns the storage root directory.
func (s *Storage) Root() string {
	return s.root
}

// uniqueName stamps the filename so concurrent saves of the same name never
// collide. A uuid suffix covers saves within the same second.
func (s *Storage) uniqueName(filename string) string {
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	stamp := time.Now().Format(stampLayout)

	candidate := fmt.Sprintf("%s_%s%s", name, stamp, ext)
	if _, err := os.Stat(filepath.Join(s.root, candidate)); err == nil {
		candidate = fmt.Sprintf("%s_%s_%s%s", name, stamp, uuid.NewString()[:8], ext)
	}
	return candidate
}

// Save stores data under a unique name derived from filename and returns its
// handle.
func (s *Storage) Save(filename string, data []byte) (string, error) {
	path := filepath.Join(s.root, s.uniqueName(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", filename, err)
	}
	s.logger.Info("saved file", zap.String("name", filename), zap.String("handle", path))
	return path, nil
}

// SaveFile copies an existing file into storage and returns its handle.
func (s *Storage) SaveFile(srcPath string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", srcPath, err)
	}
	defer src.Close()

	path := filepath.Join(s.root, s.uniqueName(srcPath))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to copy %s: %w", srcPath, err)
	}
	s.logger.Info("saved file", zap.String("src", srcPath), zap.String("handle", path))
	return path, nil
}

// PartResult reports the outcome of storing one upload part.
type PartResult struct {
	PartNumber int    `json:"part_number"`
	Success    bool   `json:"success"`
	Handle     string `json:"handle,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewPartsDir creates a fresh directory for one multipart upload's in-flight
// parts.
func (s *Storage) NewPartsDir() (string, error) {
	dir := filepath.Join(s.root, "tmp", time.Now().Format(stampLayout))
	if _, err := os.Stat(dir); err == nil {
		dir = dir + "_" + uuid.NewString()[:8]
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create parts dir: %w", err)
	}
	return dir, nil
}

// WritePart stores one part file. Parts are 1-based and may arrive in any
// order.
func (s *Storage) WritePart(partsDir, filename string, partNumber int, data []byte) PartResult {
	partPath := filepath.Join(partsDir, fmt.Sprintf("%s.part%d", filepath.Base(filename), partNumber))
	if err := os.WriteFile(partPath, data, 0o644); err != nil {
		s.logger.WithError(err).Error("failed to write part", zap.Int("part", partNumber))
		return PartResult{PartNumber: partNumber, Error: err.Error()}
	}
	return PartResult{PartNumber: partNumber, Success: true, Handle: partPath}
}

// CombineParts concatenates successful parts in ascending part-number order
// into a stored file and removes the parts directory. The returned handle
// points at the combined file.
func (s *Storage) CombineParts(partsDir, filename string, parts []PartResult) (string, error) {
	defer func() {
		if err := os.RemoveAll(partsDir); err != nil {
			s.logger.WithError(err).Warn("failed to clean up parts dir", zap.String("dir", partsDir))
		}
	}()

	sorted := make([]PartResult, 0, len(parts))
	for _, p := range parts {
		if p.Success {
			sorted = append(sorted, p)
		}
	}
	if len(sorted) == 0 {
		return "", fmt.Errorf("no parts to combine")
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	target := filepath.Join(s.root, s.uniqueName(filename))
	out, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", target, err)
	}
	defer out.Close()

	for _, p := range sorted {
		in, err := os.Open(p.Handle)
		if err != nil {
			_ = os.Remove(target)
			return "", fmt.Errorf("failed to open part %d: %w", p.PartNumber, err)
		}
		_, err = io.Copy(out, in)
		_ = in.Close()
		if err != nil {
			_ = os.Remove(target)
			return "", fmt.Errorf("failed to combine part %d: %w", p.PartNumber, err)
		}
	}

	s.logger.Info("combined parts",
		zap.Int("parts", len(sorted)),
		zap.String("handle", target))
	return target, nil
}
