package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"

	"github.com/gedebridge/gedebridge/pkg/gede"
	"github.com/gedebridge/gedebridge/pkg/log"
	"github.com/gedebridge/gedebridge/pkg/mapping"
	"github.com/gedebridge/gedebridge/pkg/meters"
	"github.com/gedebridge/gedebridge/pkg/metrics"
	"github.com/gedebridge/gedebridge/pkg/server"
	"github.com/gedebridge/gedebridge/pkg/storage"
)

func main() {
	metrics.Init()

	// init packages
	s := storage.Configured()
	resolver := mapping.Configured()
	client := gede.Configured()
	executor := meters.Configured(resolver, client, s)
	catalog := meters.ConfiguredCatalog()

	// init server
	srv := server.Configured(executor, catalog, s)

	// parse flags
	lflag.Configure()

	// lflag sets llog's level, slog needs its own
	level, err := log.LevelFromLLog()
	if err != nil {
		panic(err)
	}
	log.SetDefaultLogLevel(level)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	log.Ctx(ctx).DebugContext(ctx, "logger configured", slog.String("level", level.String()))

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	// warm the mapping so a broken spreadsheet shows up at boot
	if snap, err := resolver.Snapshot(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "concentrator mapping not loaded", slog.Any("error", err))
	} else {
		log.Ctx(ctx).InfoContext(ctx, "concentrator mapping loaded",
			slog.Int("meters", snap.Meters()),
			slog.Int("concentrators", snap.Concentrators()),
		)
	}

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		cancel()
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
