package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTreeFixture(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func archiveNames(t *testing.T, data []byte) []string {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestCreateZipExcludesAtAnyDepth(t *testing.T) {
	dir := t.TempDir()
	writeTreeFixture(t, dir, map[string]string{
		"main.go":                        "package main",
		"src/app.js":                     "app",
		"node_modules/pkg/index.js":      "dep",
		"src/node_modules/pkg/index.js":  "nested dep",
		".git/HEAD":                      "ref",
		"packages/web/.next/build.json":  "build",
		"packages/web/pages/index.js":    "page",
		"packages/web/.turbo/cache.json": "cache",
		".wrangler/state.json":           "state",
		".open-next/out.json":            "out",
	})

	var buf bytes.Buffer
	require.NoError(t, CreateZip(dir, &buf, ProjectBackend))

	assert.Equal(t, []string{
		"main.go",
		"packages/web/pages/index.js",
		"src/app.js",
	}, archiveNames(t, buf.Bytes()))
}

func TestCreateZipRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeTreeFixture(t, dir, map[string]string{
		"server.py": "print('hi')",
	})

	var buf bytes.Buffer
	require.NoError(t, CreateZip(dir, &buf, ProjectNextJS))

	r, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, r.File, 1)

	f, err := r.File[0].Open()
	require.NoError(t, err)
	defer f.Close()
	content, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", string(content))
}

func TestCreateZipFrontendWrapsDist(t *testing.T) {
	dir := t.TempDir()
	writeTreeFixture(t, dir, map[string]string{
		"dist/index.html":    "<html></html>",
		"dist/assets/app.js": "bundle",
		"src/main.ts":        "source, not packaged",
	})

	var buf bytes.Buffer
	require.NoError(t, CreateZip(dir, &buf, ProjectFrontend))

	names := archiveNames(t, buf.Bytes())
	assert.Equal(t, []string{
		"public/assets/app.js",
		"public/index.html",
		"wrangler.toml",
	}, names)
}

func TestCreateZipFrontendRequiresDist(t *testing.T) {
	dir := t.TempDir()
	writeTreeFixture(t, dir, map[string]string{"src/main.ts": "source"})

	var buf bytes.Buffer
	err := CreateZip(dir, &buf, ProjectFrontend)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dist/")
}

func TestCreateZipMissingDirectory(t *testing.T) {
	var buf bytes.Buffer
	err := CreateZip("/nonexistent/path", &buf, ProjectBackend)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestWranglerConfig(t *testing.T) {
	cfg := wranglerConfig("My App_2024")
	assert.Contains(t, cfg, `name = "my-app-2024"`)
	assert.Contains(t, cfg, `directory = "./public"`)

	assert.Contains(t, wranglerConfig(""), `name = "frontend-app"`)
}

func TestProjectTypeValid(t *testing.T) {
	assert.True(t, ProjectFrontend.Valid())
	assert.True(t, ProjectBackend.Valid())
	assert.True(t, ProjectNextJS.Valid())
	assert.False(t, ProjectType("monorepo").Valid())
}
