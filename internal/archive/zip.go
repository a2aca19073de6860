// Package archive zips project directories for deployment, excluding build
// and dependency caches. Frontend projects get their dist/ output remapped to
// public/ next to a generated wrangler.toml so the archive deploys as-is.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ProjectType selects the archive layout.
type ProjectType string

const (
	ProjectFrontend ProjectType = "frontend"
	ProjectBackend  ProjectType = "backend"
	ProjectNextJS   ProjectType = "nextjs"
)

// Valid reports whether t is a known project type.
func (t ProjectType) Valid() bool {
	switch t {
	case ProjectFrontend, ProjectBackend, ProjectNextJS:
		return true
	}
	return false
}

// excludedDirs are skipped at any depth.
var excludedDirs = []string{
	"node_modules",
	".next",
	".open-next",
	".turbo",
	".wrangler",
	".git",
}

func excluded(name string) bool {
	for _, e := range excludedDirs {
		if name == e {
			return true
		}
	}
	return false
}

// CreateZip archives sourceDir into w according to the project type.
func CreateZip(sourceDir string, w io.Writer, projectType ProjectType) error {
	info, err := os.Stat(sourceDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("directory %q does not exist", sourceDir)
	}

	zw := zip.NewWriter(w)
	if projectType == ProjectFrontend {
		err = writeFrontend(zw, sourceDir)
	} else {
		err = writeTree(zw, sourceDir, "")
	}
	if err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// writeTree adds every file under root to the archive beneath prefix,
// skipping excluded directories.
func writeTree(zw *zip.Writer, root, prefix string) error {
	return filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != root && excluded(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return writeFile(zw, path, filepath.ToSlash(filepath.Join(prefix, rel)))
	})
}

// writeFrontend lays out a static-site archive: dist/ contents under public/,
// plus a generated wrangler.toml at the root.
func writeFrontend(zw *zip.Writer, sourceDir string) error {
	dist := filepath.Join(sourceDir, "dist")
	if info, err := os.Stat(dist); err != nil || !info.IsDir() {
		return fmt.Errorf("frontend project %q has no dist/ directory to package", sourceDir)
	}

	if err := writeTree(zw, dist, "public"); err != nil {
		return err
	}

	header, err := zw.Create("wrangler.toml")
	if err != nil {
		return err
	}
	_, err = io.WriteString(header, wranglerConfig(filepath.Base(sourceDir)))
	return err
}

// wranglerConfig renders the deployment config for a wrapped frontend build.
func wranglerConfig(projectName string) string {
	name := strings.ToLower(projectName)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, name)
	if name == "" || name == "-" {
		name = "frontend-app"
	}

	return fmt.Sprintf(`name = %q
compatibility_date = %q

[assets]
directory = "./public"
`, name, time.Now().Format("2006-01-02"))
}

func writeFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
