// Package browser supervises one headless Chrome process with a single active
// page, steered over the DevTools protocol. It exposes a finite verb set,
// recreates the page when it dies, and captures full-page screenshots.
package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/whit3rabbit/manus-open/internal/common/apierr"
	"github.com/whit3rabbit/manus-open/internal/common/logger"
	"github.com/whit3rabbit/manus-open/internal/storage"
)

// State is the browser lifecycle phase. Verbs only dispatch in StateReady;
// the started → initializing → ready transition is monotonic until a crash
// or restart drops the session back to StateStarted.
type State string

const (
	StateStarted      State = "started"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
)

const (
	viewportWidth  = 1280
	viewportHeight = 800

	// actionTimeout bounds every verb; on expiry the page is recreated.
	actionTimeout = 45 * time.Second

	// initTimeout bounds browser startup, including the Chrome process launch.
	initTimeout = 30 * time.Second

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"
)

// Config holds browser session settings.
type Config struct {
	// ExecPath is the Chrome binary. Empty uses chromedp's default lookup.
	ExecPath string

	Headless bool

	// WorkDir anchors the screenshots directory.
	WorkDir string
}

// Session is the singleton browser session. All verb dispatch goes through
// ExecuteAction, which serializes actions and enforces the state machine.
type Session struct {
	cfg    Config
	store  *storage.Storage
	logger *logger.Logger

	mu    sync.Mutex
	state State

	allocCtx    context.Context
	allocCancel context.CancelFunc

	browserCtx    context.Context
	browserCancel context.CancelFunc

	pageCtx    context.Context
	pageCancel context.CancelFunc
}

// NewSession creates a session without launching Chrome. The first action or
// an explicit Initialize starts the process.
func NewSession(cfg Config, store *storage.Storage, log *logger.Logger) *Session {
	if cfg.ExecPath == "" {
		cfg.ExecPath = os.Getenv("CHROME_INSTANCE_PATH")
	}
	return &Session{
		cfg:    cfg,
		store:  store,
		logger: log.WithFields(zap.String("component", "browser")),
		state:  StateStarted,
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialize launches Chrome and opens the working page. No-op when already
// initializing or ready.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initializeLocked(ctx)
}

func (s *Session) initializeLocked(ctx context.Context) error {
	if s.state == StateInitializing || s.state == StateReady {
		return nil
	}
	s.state = StateInitializing
	s.logger.Info("initializing browser", zap.String("exec_path", s.cfg.ExecPath))

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.cfg.Headless),
		chromedp.Flag("disable-web-security", true),
		chromedp.Flag("disable-features", "IsolateOrigins,site-per-process"),
		chromedp.Flag("disable-site-isolation-trials", true),
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(viewportWidth, viewportHeight),
	)
	if s.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(s.cfg.ExecPath))
	}

	s.allocCtx, s.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	s.browserCtx, s.browserCancel = chromedp.NewContext(s.allocCtx)

	startCtx, cancel := context.WithTimeout(s.browserCtx, initTimeout)
	defer cancel()
	if err := chromedp.Run(startCtx, chromedp.Navigate("about:blank")); err != nil {
		s.teardownLocked()
		s.logger.WithError(err).Error("failed to initialize browser")
		return apierr.Wrap(apierr.KindBrowserDead, err, "failed to initialize browser")
	}

	if err := s.newPageLocked(); err != nil {
		s.teardownLocked()
		s.logger.WithError(err).Error("failed to open initial page")
		return apierr.Wrap(apierr.KindBrowserDead, err, "failed to open initial page")
	}

	s.state = StateReady
	s.logger.Info("browser initialized")
	return nil
}

// newPageLocked opens a fresh tab and makes it the active page.
func (s *Session) newPageLocked() error {
	s.pageCtx, s.pageCancel = chromedp.NewContext(s.browserCtx)
	return chromedp.Run(s.pageCtx, chromedp.Navigate("about:blank"))
}

// teardownLocked releases every browser resource and returns to StateStarted.
func (s *Session) teardownLocked() {
	if s.pageCancel != nil {
		s.pageCancel()
		s.pageCancel = nil
	}
	if s.browserCancel != nil {
		s.browserCancel()
		s.browserCancel = nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
	}
	s.pageCtx = nil
	s.browserCtx = nil
	s.allocCtx = nil
	s.state = StateStarted
}

// RecreatePage closes the active page and opens a new one, keeping the
// browser process. The session stays ready.
func (s *Session) RecreatePage(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return s.initializeLocked(ctx)
	}
	s.logger.Info("recreating browser page")
	if s.pageCancel != nil {
		s.pageCancel()
	}
	if err := s.newPageLocked(); err != nil {
		s.logger.WithError(err).Error("failed to recreate page")
		return apierr.Wrap(apierr.KindPageDead, err, "failed to recreate page")
	}
	s.logger.Info("browser page recreated")
	return nil
}

// Restart tears the browser process down and reinitializes it.
func (s *Session) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("restarting browser")
	s.teardownLocked()
	return s.initializeLocked(ctx)
}

// Close releases the browser process. Called on shutdown.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

// page returns the active page context, or an error when not ready.
func (s *Session) page() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.pageCtx == nil {
		return nil, apierr.New(apierr.KindBrowserDead, "browser is not ready")
	}
	return s.pageCtx, nil
}

// HealthCheck reports whether the page still evaluates JavaScript.
func (s *Session) HealthCheck() bool {
	pageCtx, err := s.page()
	if err != nil {
		return false
	}
	checkCtx, cancel := context.WithTimeout(pageCtx, 5*time.Second)
	defer cancel()

	var result int
	if err := chromedp.Run(checkCtx, chromedp.Evaluate("1 + 1", &result)); err != nil {
		s.logger.WithError(err).Warn("browser health check failed")
		return false
	}
	return result == 2
}

// Tabs returns the number of open pages.
func (s *Session) Tabs() int {
	s.mu.Lock()
	browserCtx := s.browserCtx
	ready := s.state == StateReady
	s.mu.Unlock()
	if !ready || browserCtx == nil {
		return 0
	}

	infos, err := chromedp.Targets(browserCtx)
	if err != nil {
		return 0
	}
	count := 0
	for _, info := range infos {
		if info.Type == "page" {
			count++
		}
	}
	return count
}

// classify maps a chromedp error to the taxonomy. A canceled page context
// means the target is gone; a deadline means the verb timed out.
func classify(actionCtx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) || actionCtx.Err() == context.DeadlineExceeded:
		return apierr.Wrap(apierr.KindTimeout, err, "browser action timed out")
	case errors.Is(err, context.Canceled):
		return apierr.Wrap(apierr.KindPageDead, err, "browser page closed unexpectedly")
	case strings.Contains(err.Error(), "target closed") || strings.Contains(err.Error(), "No target"):
		return apierr.Wrap(apierr.KindPageDead, err, "browser page closed unexpectedly")
	default:
		return err
	}
}

// screenshotPath builds a save path under <workdir>/screenshots derived from
// the page hostname and the capture time.
func (s *Session) screenshotPath(pageURL string) (string, error) {
	dir := filepath.Join(s.cfg.WorkDir, "screenshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create screenshots dir: %w", err)
	}

	name := hostnameSlug(pageURL)
	stamp := time.Now().Format("2006-01-02_15-04-05")
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%04d.png", name, stamp, rand.Intn(10000))), nil
}

// hostnameSlug reduces a URL to a filesystem-friendly name fragment.
func hostnameSlug(pageURL string) string {
	parsed, err := url.Parse(pageURL)
	if err == nil && (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Hostname() != "" {
		host := parsed.Hostname()
		host = strings.TrimSuffix(host, ".com")
		host = strings.TrimPrefix(host, "www.")
		return strings.ReplaceAll(host, ".", "_")
	}
	parts := strings.Split(pageURL, "/")
	last := parts[len(parts)-1]
	if last == "" {
		last = "page"
	}
	return strings.ReplaceAll(last, ".", "_")
}

// writeScreenshot persists a capture, creating parent directories as needed.
func writeScreenshot(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create screenshot dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write screenshot: %w", err)
	}
	return nil
}

// uploadScreenshots stores the clean and marked captures through the storage
// helper when the request carries upload handles. Upload failures are logged,
// not surfaced; the screenshot itself already succeeded.
func (s *Session) uploadScreenshots(req *ActionRequest, clean, marked []byte, result *ActionResult) {
	if req.CleanScreenshotUpload != "" && len(clean) > 0 {
		handle, err := s.store.Save(req.CleanScreenshotUpload, clean)
		if err != nil {
			s.logger.WithError(err).Error("failed to store clean screenshot")
		} else {
			result.CleanScreenshotUploaded = true
			result.CleanScreenshotHandle = handle
		}
	}
	if req.ScreenshotUpload != "" && len(marked) > 0 {
		handle, err := s.store.Save(req.ScreenshotUpload, marked)
		if err != nil {
			s.logger.WithError(err).Error("failed to store marked screenshot")
		} else {
			result.ScreenshotUploaded = true
			result.ScreenshotHandle = handle
		}
	}
}
