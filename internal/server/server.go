// Package server assembles the sandbox HTTP front door: routes, middleware,
// and the deferred browser warm-start behind the health check.
package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whit3rabbit/manus-open/internal/archive"
	"github.com/whit3rabbit/manus-open/internal/browser"
	"github.com/whit3rabbit/manus-open/internal/common/config"
	"github.com/whit3rabbit/manus-open/internal/common/httpmw"
	"github.com/whit3rabbit/manus-open/internal/common/logger"
	"github.com/whit3rabbit/manus-open/internal/editor"
	"github.com/whit3rabbit/manus-open/internal/files"
	"github.com/whit3rabbit/manus-open/internal/gateway/websocket"
	"github.com/whit3rabbit/manus-open/internal/secrets"
	"github.com/whit3rabbit/manus-open/internal/terminal"
)

const serverName = "sandboxd"

// Deps are the process-scoped services the front door dispatches to.
type Deps struct {
	Terminal   *terminal.Handler
	TerminalWS *websocket.TerminalHandler
	Browser    *browser.Handler
	Editor     *editor.Handler
	Files      *files.Handler
	Secrets    *secrets.Handler
	Archive    *archive.Handler

	// BrowserSession is warm-started on the first health check when the
	// config asks for it.
	BrowserSession *browser.Session
}

// Server is the HTTP front door.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *logger.Logger
	router *gin.Engine

	warmOnce sync.Once
}

// New builds the router with all routes and middleware registered.
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithFields(zap.String("component", "server")),
		router: gin.New(),
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(
		gin.Recovery(),
		httpmw.CORS(),
		httpmw.RequestLogger(s.logger, serverName),
		httpmw.OtelTracing(serverName),
	)

	s.router.GET("/healthz", s.handleHealthz)

	s.deps.Terminal.RegisterRoutes(s.router)
	s.deps.TerminalWS.RegisterRoutes(s.router)
	s.deps.Browser.RegisterRoutes(s.router)
	s.deps.Editor.RegisterRoutes(s.router)
	s.deps.Files.RegisterRoutes(s.router)
	s.deps.Secrets.RegisterRoutes(s.router)
	s.deps.Archive.RegisterRoutes(s.router)
}

// handleHealthz reports liveness. The first probe kicks off the browser
// warm-start in the background so the first real action doesn't pay the
// Chrome launch cost.
func (s *Server) handleHealthz(c *gin.Context) {
	if s.cfg.Browser.WarmStart && s.deps.BrowserSession != nil {
		s.warmOnce.Do(func() {
			go func() {
				if err := s.deps.BrowserSession.Initialize(context.Background()); err != nil {
					s.logger.WithError(err).Warn("browser warm start failed")
				}
			}()
		})
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
