// Command docgate serves token-gated document listing and download.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"docgate/internal/access"
	"docgate/internal/config"
	"docgate/internal/server"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet; the validation message is the whole story.
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	var logger *zap.Logger
	if cfg.Env == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		os.Stderr.WriteString("logger init failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting",
		zap.String("version", version),
		zap.String("addr", cfg.Addr),
		zap.String("export_root", cfg.ExportRoot),
	)

	svc := access.NewService(access.Options{
		ExportRoot:        cfg.ExportRoot,
		DenyPrefixes:      cfg.DenyPrefixes,
		RateLimitFile:     cfg.RateLimitFile,
		AccessLogFile:     cfg.AccessLogFile,
		LogAccess:         cfg.LogAccess,
		SearchAttempts:    cfg.SearchAttempts,
		SearchWindow:      cfg.SearchWindow,
		DownloadAttempts:  cfg.DownloadAttempts,
		DownloadWindow:    cfg.DownloadWindow,
		AllowedExtensions: cfg.AllowedExtensions,
		AllowedMIMETypes:  cfg.AllowedMIMETypes,
		TrustedProxies:    cfg.TrustedProxies,
		Logger:            logger,
	})

	srv := server.New(server.Config{Addr: cfg.Addr, Env: cfg.Env}, svc, logger)

	// Start the HTTP server in a background goroutine so we can listen
	// for OS signals while it runs.
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatal("server failed", zap.Error(err))
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
}
