package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ordware/satsync/internal/api"
	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/logging"
	"github.com/ordware/satsync/internal/wallet"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("satsync %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: syncd <command>

Commands:
  serve     Start the sync engine and its status API
  version   Print version information
`)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCloser.Close()

	slog.Info("starting satsync",
		"version", version,
		"indexer", cfg.IndexerURL,
		"account", cfg.AccountID,
		"queueBackend", cfg.QueueBackend,
		"owners", len(cfg.OwnerList()),
		"port", cfg.Port,
	)

	wlt, err := wallet.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to open wallet: %w", err)
	}
	defer wlt.Close()

	hub := api.NewHub(wlt.Events())
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go hub.Run(hubCtx)

	// Kick off the first sync epoch in the background; the API can stop and
	// restart it.
	syncCtx, syncCancel := context.WithCancel(context.Background())
	defer syncCancel()
	go func() {
		if err := wlt.Sync(syncCtx); err != nil {
			slog.Error("initial sync failed", "error", err)
		}
	}()

	router := api.NewRouter(wlt, cfg, hub)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	srv := &http.Server{
		Addr:           addr,
		Handler:        router,
		ReadTimeout:    config.ServerReadTimeout,
		WriteTimeout:   config.ServerWriteTimeout,
		IdleTimeout:    config.ServerIdleTimeout,
		MaxHeaderBytes: config.ServerMaxHeaderBytes,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("initiating graceful shutdown", "timeout", config.ShutdownTimeout)

	// 1. Stop the sync loops; in-flight batch work settles.
	wlt.StopSync()
	syncCancel()
	hubCancel()

	// 2. Shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
