// Package main is the entry point for the APIVerse gateway, a metered
// reverse proxy that fronts third-party APIs with per-key hourly and daily
// quotas, usage accounting and signed webhook notifications.
//
// Subcommands:
//
//	apiverse            run the gateway
//	apiverse version    print the build version
//	apiverse migrate    apply the database schema and exit
//	apiverse token ID   print a session token for owner ID
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/apiverse/apiverse/internal/auth"
	"github.com/apiverse/apiverse/internal/config"
	"github.com/apiverse/apiverse/internal/observability"
	"github.com/apiverse/apiverse/internal/proxy"
	"github.com/apiverse/apiverse/internal/server"
	"github.com/apiverse/apiverse/internal/store"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

const devTokenTTL = 24 * time.Hour

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("apiverse %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	lvl := new(slog.LevelVar)
	lvl.Set(observability.ParseLevel(cfg.Logging.Level))
	logger := observability.NewLeveledLogger(lvl, cfg.Logging.Format)
	slog.SetDefault(logger)

	if len(os.Args) > 1 {
		if err := runCommand(cfg, logger, os.Args[1], os.Args[2:]); err != nil {
			logger.Error("command failed", "command", os.Args[1], "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("starting apiverse", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version, server.WithLogLevel(lvl))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("apiverse shut down gracefully")
}

func runCommand(cfg *config.Config, logger *slog.Logger, name string, args []string) error {
	switch name {
	case "migrate":
		s, err := store.Open(cfg.Database, store.Options{
			UpstreamURLs: proxy.NewURLPolicy(cfg.Proxy.URLPolicy),
			CallbackURLs: proxy.NewURLPolicy(cfg.Webhooks.URLPolicy),
		}, logger)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Migrate(); err != nil {
			return err
		}
		logger.Info("schema migrated")
		return nil

	case "token":
		if len(args) != 1 {
			return fmt.Errorf("usage: apiverse token OWNER_ID")
		}
		owner, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil || owner == 0 {
			return fmt.Errorf("invalid owner id %q", args[0])
		}
		a, err := auth.NewJWTAuthenticator(cfg.Auth)
		if err != nil {
			return err
		}
		token, err := a.Issue(uint(owner), devTokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil

	default:
		return fmt.Errorf("unknown command %q", name)
	}
}
