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
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/pkgbroker/broker"
	"github.com/bureau-foundation/pkgbroker/device"
	"github.com/bureau-foundation/pkgbroker/lib/config"
	"github.com/bureau-foundation/pkgbroker/lib/helperclient"
	"github.com/bureau-foundation/pkgbroker/lib/process"
	"github.com/bureau-foundation/pkgbroker/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("pkgbroker", pflag.ContinueOnError)
	var (
		configPath   string
		manifestPath string
		socketPath   string
		wait         time.Duration
		jsonOutput   bool
		systemOnly   bool
		verbose      bool
		showVersion  bool
	)
	flags.StringVar(&configPath, "config", "", "config file (default: $PKGBROKER_CONFIG, then built-in defaults)")
	flags.StringVar(&manifestPath, "manifest", "", "device manifest, overriding device.manifest")
	flags.StringVar(&socketPath, "socket", "", "helper socket, overriding broker.socket_path")
	flags.DurationVar(&wait, "wait", 0, "wait this long for a pending grant to be answered")
	flags.BoolVar(&jsonOutput, "json", false, "print the result as JSON")
	flags.BoolVar(&systemOnly, "system", false, "list only packages shipped with the system image")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("pkgbroker %s\n", version.Info())
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
		cfg.Broker.SocketPath = socketPath
	}
	if systemOnly {
		cfg.Broker.Flags |= device.MatchSystemOnly
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	requestTimeout, err := cfg.RequestTimeoutDuration()
	if err != nil {
		return err
	}

	logger := newLogger(verbose)

	manifest, err := device.Load(cfg.Device.Manifest)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := broker.New(
		helperclient.New(cfg.Broker.SocketPath, logger),
		device.NewPlatform(manifest),
		device.IdentifierOf,
		broker.Config{
			ServiceName:              cfg.Broker.ServiceName,
			PlatformLevel:            cfg.Broker.PlatformLevel,
			Flags:                    cfg.Broker.Flags,
			IncludeCurrentPrivileged: cfg.Broker.IncludeCurrentPrivileged,
			Parallelism:              cfg.Broker.Parallelism,
			RequestTimeout:           requestTimeout,
			Logger:                   logger,
		},
	)

	release, err := b.Start(ctx)
	if err != nil {
		return err
	}
	defer release()

	if wait > 0 {
		if err := waitForGrant(ctx, b, wait, logger); err != nil {
			return err
		}
	}

	result, err := b.Run(ctx)
	if err != nil {
		return err
	}

	report := newReport(result, b.Gate().State(), b.Shape())
	if jsonOutput {
		return report.writeJSON(os.Stdout)
	}
	styled := term.IsTerminal(int(os.Stdout.Fd()))
	return report.writeText(os.Stdout, styled)
}

// waitForGrant asks for the grant and blocks until the operator
// answers or wait elapses. Running out of time is not an error: the
// query proceeds with whatever access the caller has.
func waitForGrant(ctx context.Context, b *broker.Broker, wait time.Duration, logger *slog.Logger) error {
	granted, err := b.Check(ctx)
	if err != nil {
		if errors.Is(err, broker.ErrBrokerUnavailable) {
			return nil
		}
		return err
	}
	if granted || b.Gate().State() != broker.StateRequested {
		return nil
	}

	fmt.Fprintln(os.Stderr, "Waiting for the helper's operator to answer the access request...")
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	state, err := b.Gate().WaitResolved(waitCtx)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	logger.Debug("grant wait finished", "state", state)
	return nil
}

// newLogger logs text to a terminal and JSON otherwise, at warning
// level unless verbose.
func newLogger(verbose bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelWarn}
	if verbose {
		options.Level = slog.LevelDebug
	}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
