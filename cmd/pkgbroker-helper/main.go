// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/pkgbroker/device"
	"github.com/bureau-foundation/pkgbroker/lib/config"
	"github.com/bureau-foundation/pkgbroker/lib/ipc"
	"github.com/bureau-foundation/pkgbroker/lib/process"
	"github.com/bureau-foundation/pkgbroker/lib/service"
	"github.com/bureau-foundation/pkgbroker/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("pkgbroker-helper", pflag.ContinueOnError)
	var (
		configPath   string
		manifestPath string
		socketPath   string
		showVersion  bool
	)
	flags.StringVar(&configPath, "config", "", "config file (default: $PKGBROKER_CONFIG, then built-in defaults)")
	flags.StringVar(&manifestPath, "manifest", "", "device manifest, overriding device.manifest")
	flags.StringVar(&socketPath, "socket", "", "socket path, overriding helper.socket_path")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("pkgbroker-helper %s\n", version.Info())
		return nil
	}

	cfg, err := config.Resolve(configPath)
	if err != nil {
		return err
	}
	if manifestPath != "" {
		cfg.Device.Manifest = manifestPath
	}
	if socketPath != "" {
		cfg.Helper.SocketPath = socketPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	socketMode, err := cfg.SocketFileMode()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if os.Getenv("PKGBROKER_DEBUG") != "" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	manifest, err := device.Load(cfg.Device.Manifest)
	if err != nil {
		return err
	}

	decider := newPolicyDecider(cfg.Helper, operatorPrompt(cfg.Helper.DefaultDecision, logger))

	if cfg.Helper.APIVersion < ipc.MinimumAPIVersion {
		logger.Warn("reporting an API version clients treat as unsupported",
			"api_version", cfg.Helper.APIVersion,
			"minimum", ipc.MinimumAPIVersion,
		)
	}

	helper := newHelper(helperOptions{
		APIVersion:     cfg.Helper.APIVersion,
		Manifest:       manifest,
		BindExecutable: cfg.Helper.BindExecutable,
		Decider:        decider,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := service.NewSocketServer(cfg.Helper.SocketPath, logger)
	server.SetSocketMode(socketMode)
	helper.registerActions(server)

	logger.Info("pkgbroker-helper starting",
		"version", version.Info(),
		"environment", cfg.Environment,
		"socket", cfg.Helper.SocketPath,
		"platform_level", manifest.PlatformLevel,
		"profiles", len(manifest.Profiles),
		"default_decision", cfg.Helper.DefaultDecision,
		"bind_executable", cfg.Helper.BindExecutable,
	)

	serveErr := server.Serve(ctx)
	stop()
	helper.wait()
	logger.Info("pkgbroker-helper stopped")
	return serveErr
}

// operatorPrompt returns the terminal prompt for the "ask" decision,
// or nil when stdin is not a terminal. policyDecider denies when the
// prompt is nil.
func operatorPrompt(decision config.Decision, logger *slog.Logger) Decider {
	if decision != config.DecisionAsk {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Warn("default_decision is ask but stdin is not a terminal; unlisted callers will be denied")
		return nil
	}
	return newTerminalDecider(os.Stdin, os.Stderr)
}
