// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

// pi-interactive-shell is the host-framework shim for the session
// engine: a stdio tool server. Each line on stdin is one JSON request
// against the interactive_shell tool surface (or an attach command);
// each response is one JSON line on stdout. Hands-free updates are
// emitted as JSON lines tagged "update".
//
// Usage:
//
//	pi-interactive-shell [--config FILE] [--log-level LEVEL]
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/nicobailon/pi-interactive-shell/lib/clock"
	"github.com/nicobailon/pi-interactive-shell/lib/driver"
	"github.com/nicobailon/pi-interactive-shell/lib/overlay"
	"github.com/nicobailon/pi-interactive-shell/lib/process"
	"github.com/nicobailon/pi-interactive-shell/lib/session"
	"github.com/nicobailon/pi-interactive-shell/lib/shellconfig"
	"github.com/nicobailon/pi-interactive-shell/lib/version"
)

// requestEnvelope is one stdin line: either an attach command or an
// interactive_shell request.
type requestEnvelope struct {
	Attach *[]string `json:"attach,omitempty"`
	driver.Request
}

// updateEnvelope frames a hands-free update on stdout.
type updateEnvelope struct {
	Type   string         `json:"type"`
	Update session.Update `json:"update"`
}

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
		cols, rows  int
	)
	pflag.StringVar(&configPath, "config", "", "config file (overrides discovery)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.BoolVar(&showVersion, "version", false, "print version and exit")
	pflag.IntVar(&cols, "cols", 120, "PTY columns for new sessions")
	pflag.IntVar(&rows, "rows", 30, "PTY rows for new sessions")
	pflag.Parse()

	if showVersion {
		fmt.Printf("pi-interactive-shell %s\n", version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	var cfg shellconfig.Config
	if configPath != "" {
		loaded, found, err := shellconfig.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("loading config %s: %w", configPath, err)
		}
		if !found {
			return fmt.Errorf("config file %s does not exist", configPath)
		}
		cfg = loaded
	} else {
		cfg = shellconfig.Load(cwd, logger)
	}

	registry := session.NewRegistry(clock.Real(), logger)

	// Stdout is shared by responses and asynchronous updates.
	var stdoutMu sync.Mutex
	encoder := json.NewEncoder(os.Stdout)
	writeJSON := func(v any) {
		stdoutMu.Lock()
		defer stdoutMu.Unlock()
		if err := encoder.Encode(v); err != nil {
			logger.Error("writing response", "error", err)
		}
	}

	handler := &driver.Handler{
		Registry: registry,
		Config:   cfg,
		Clock:    clock.Real(),
		Logger:   logger,
		Cols:     cols,
		Rows:     rows,
		Notify: func(u session.Update) {
			writeJSON(updateEnvelope{Type: "update", Update: u})
		},
	}

	// The overlay needs a real terminal on stdin; without one,
	// interactive starts are refused.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		handler.OpenOverlay = func(ctl *session.Controller) error {
			return overlay.Run(ctl, cfg, overlay.Hooks{
				Background: func() string {
					registry.AddBackgroundWithID(ctl.ID(), ctl.Command(), ctl.Terminal(), ctl.Name(), "")
					return ctl.ID()
				},
				Minimize: func() {
					registry.Minimize(ctl.ID(), ctl.Command(), ctl.Terminal(), ctl.Name(), "")
				},
			})
		}
	}

	// Host shutdown kills every session before exit.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGINT, unix.SIGTERM)
	go func() {
		sig := <-signals
		logger.Info("shutting down", "signal", sig)
		registry.KillAll()
		os.Exit(0)
	}()

	logger.Info("tool server ready", "version", version.Info())

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var envelope requestEnvelope
		if err := json.Unmarshal(line, &envelope); err != nil {
			writeJSON(driver.Response{
				Content: []driver.ContentBlock{{Type: "text", Text: fmt.Sprintf("Error: bad request: %v", err)}},
				IsError: true,
				Error:   driver.ErrInvalidArguments,
			})
			continue
		}

		if envelope.Attach != nil {
			writeJSON(handler.Attach(*envelope.Attach))
			continue
		}
		writeJSON(handler.Handle(envelope.Request))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading requests: %w", err)
	}

	registry.KillAll()
	return nil
}
