// Package secrets provisions per-key secret files under $HOME/.secrets so
// tools inside the sandbox can read credentials without them transiting the
// environment.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/whit3rabbit/manus-open/internal/common/logger"
)

const (
	dirMode  = 0o700
	fileMode = 0o600

	backupStampLayout = "20060102_150405"
)

// Provisioner writes secret files into a private directory.
type Provisioner struct {
	dir    string
	logger *logger.Logger
}

// NewProvisioner creates a provisioner rooted at <home>/.secrets.
func NewProvisioner(home string, log *logger.Logger) *Provisioner {
	return &Provisioner{
		dir:    filepath.Join(home, ".secrets"),
		logger: log.WithFields(zap.String("component", "secrets")),
	}
}

// Dir returns the secrets directory.
func (p *Provisioner) Dir() string {
	return p.dir
}

// Provision writes each secret to <dir>/<key> with owner-only permissions.
// A key whose file already exists with different content gets the old file
// renamed to <key>.<timestamp> before the new value is written, so a rotated
// credential is never silently lost.
func (p *Provisioner) Provision(secrets map[string]string) (int, error) {
	if err := os.MkdirAll(p.dir, dirMode); err != nil {
		return 0, fmt.Errorf("failed to create secrets dir: %w", err)
	}

	written := 0
	for key, value := range secrets {
		if err := p.writeSecret(key, value); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func (p *Provisioner) writeSecret(key, value string) error {
	name := filepath.Base(key)
	if name == "" || name == "." || name == ".." || name == "/" {
		return fmt.Errorf("invalid secret key: %q", key)
	}
	path := filepath.Join(p.dir, name)

	if existing, err := os.ReadFile(path); err == nil {
		if string(existing) == value {
			return nil
		}
		backup := fmt.Sprintf("%s.%s", path, time.Now().Format(backupStampLayout))
		if err := os.Rename(path, backup); err != nil {
			return fmt.Errorf("failed to back up secret %s: %w", name, err)
		}
		p.logger.Info("secret rotated", zap.String("key", name), zap.String("backup", filepath.Base(backup)))
	}

	if err := os.WriteFile(path, []byte(value), fileMode); err != nil {
		return fmt.Errorf("failed to write secret %s: %w", name, err)
	}
	// WriteFile keeps the old mode on an existing file.
	if err := os.Chmod(path, fileMode); err != nil {
		return fmt.Errorf("failed to chmod secret %s: %w", name, err)
	}
	return nil
}
