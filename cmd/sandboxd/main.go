// Package main is the entry point for the sandboxd binary.
// sandboxd is the agent sandbox host: it exposes interactive terminals, a
// headless browser, and a filesystem text editor over HTTP and WebSocket for
// a remote agent to drive.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/whit3rabbit/manus-open/internal/archive"
	"github.com/whit3rabbit/manus-open/internal/browser"
	"github.com/whit3rabbit/manus-open/internal/common/config"
	"github.com/whit3rabbit/manus-open/internal/common/logger"
	"github.com/whit3rabbit/manus-open/internal/editor"
	"github.com/whit3rabbit/manus-open/internal/files"
	"github.com/whit3rabbit/manus-open/internal/gateway/websocket"
	"github.com/whit3rabbit/manus-open/internal/secrets"
	"github.com/whit3rabbit/manus-open/internal/server"
	"github.com/whit3rabbit/manus-open/internal/storage"
	"github.com/whit3rabbit/manus-open/internal/terminal"
	"github.com/whit3rabbit/manus-open/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting sandboxd",
		zap.Int("port", cfg.Server.Port),
		zap.String("working_dir", cfg.Terminal.WorkingDir),
		zap.String("storage_root", cfg.Storage.Root))

	store, err := storage.New(cfg.Storage.Root, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}

	registry := terminal.NewRegistry(terminal.Config{
		WorkDir:        cfg.Terminal.WorkingDir,
		CommandTimeout: cfg.Terminal.CommandTimeoutDuration(),
	}, log)

	browserSession := browser.NewSession(browser.Config{
		ExecPath: cfg.Browser.ExecPath,
		Headless: cfg.Browser.Headless,
		WorkDir:  cfg.Terminal.WorkingDir,
	}, store, log)

	textEditor := editor.New(cfg.Terminal.WorkingDir, log)

	srv := server.New(cfg, server.Deps{
		Terminal:       terminal.NewHandler(registry, log),
		TerminalWS:     websocket.NewTerminalHandler(registry, log),
		Browser:        browser.NewHandler(browserSession, log),
		Editor:         editor.NewHandler(textEditor, log),
		Files:          files.NewHandler(store, cfg.Storage.UploadDir, log),
		Secrets:        secrets.NewHandler(secrets.NewProvisioner(homeDir(), log), log),
		Archive:        archive.NewHandler(store, log),
		BrowserSession: browserSession,
	}, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server starting", zap.String("address", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down sandboxd...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("error shutting down HTTP server", zap.Error(err))
	}

	browserSession.Close()
	registry.CloseAll()

	if err := tracing.Shutdown(ctx); err != nil {
		log.Error("error shutting down tracing", zap.Error(err))
	}

	log.Info("sandboxd stopped")
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp"
	}
	return home
}
