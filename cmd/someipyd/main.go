// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: bassosimone/nop's Config/NewConfig wiring style, applied
// here to the process entry point that loads a file-backed [config.Config]
// and hands it to [daemon.New] (spec §6.4).

// Command someipyd runs the SOME/IP middleware daemon: a single process per
// host that owns the SD multicast socket and every service endpoint, and
// exposes a local IPC control plane to applications (spec §1, §5).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/basso-someip/someipyd/internal/config"
	"github.com/basso-someip/someipyd/internal/daemon"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "someipyd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := daemon.New(cfg, logger)
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	<-ctx.Done()
	return nil
}

// setupLogger builds the daemon's [someiplog.Logger] from cfg.LogLevel and
// cfg.LogPath (spec §6.4). It writes JSON records to stderr, or to
// cfg.LogPath when set, at the level cfg.LogLevel names.
func setupLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, nil, fmt.Errorf("log_level %q: %w", cfg.LogLevel, err)
	}

	w := os.Stderr
	closeFn := func() {}
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log_path %q: %w", cfg.LogPath, err)
		}
		w = f
		closeFn = func() { f.Close() }
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler), closeFn, nil
}
