/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package commands builds the dbgpmuxd command line.
package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pbrilius/nuclide/internal/config"
	"github.com/pbrilius/nuclide/internal/dbgp"
	"github.com/pbrilius/nuclide/pkg/logger"
)

type rootOptions struct {
	configPath             string
	listenAddress          string
	scriptRegex            string
	ideKeyRegex            string
	endDebugWhenNoRequests bool
	warmupCommand          []string
	verbosity              int
}

// NewRootCmd builds the dbgpmuxd root command.
func NewRootCmd(log *logger.Logger) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "dbgpmuxd",
		Short: "Multiplexes DBGP debugger engine connections into one debugging session",
		Long: `dbgpmuxd accepts DBGP debugger engine connections (e.g. Xdebug) on a TCP
port and presents them to a debugging front end as a single logical session.
Concurrent requests pausing at breakpoints are surfaced one at a time, in
the order they attached.

Front-end notifications are written to stdout as JSON lines; logs go to
stderr.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, opts, log)
		},
	}
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	flags.StringVar(&opts.listenAddress, "listen", "", "TCP address to accept engine connections on")
	flags.StringVar(&opts.scriptRegex, "script-regex", "", "only debug scripts whose file URI matches this pattern")
	flags.StringVar(&opts.ideKeyRegex, "idekey-regex", "", "only debug engines whose IDE key matches this pattern")
	flags.BoolVar(&opts.endDebugWhenNoRequests, "end-debug-when-no-requests", false, "end the session when the last connection finishes")
	flags.StringSliceVar(&opts.warmupCommand, "warmup", nil, "command spawned to warm up the remote runtime")
	flags.CountVarP(&opts.verbosity, "verbose", "v", "increase log verbosity")

	return rootCmd
}

func runDaemon(cmd *cobra.Command, opts *rootOptions, log *logger.Logger) error {
	log.SetVerbosity(opts.verbosity)

	cfg, cfgErr := resolveConfig(cmd, opts)
	if cfgErr != nil {
		return cfgErr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	multiplexer := dbgp.NewConnectionMultiplexer(dbgp.MultiplexerConfig{
		ListenAddress:          cfg.ListenAddress,
		ScriptRegex:            cfg.CompiledScriptRegex(),
		IDEKeyRegex:            cfg.CompiledIDEKeyRegex(),
		EndDebugWhenNoRequests: cfg.EndDebugWhenNoRequests,
		HandshakeTimeout:       cfg.ParsedHandshakeTimeout(),
		WarmupCommand:          cfg.Warmup.Command,
		ClientCallback:         dbgp.NewStreamClientCallback(os.Stdout, log.Logger),
		Logger:                 log.Logger,
	})
	defer multiplexer.Dispose()

	if listenErr := multiplexer.Listen(ctx); listenErr != nil {
		if errors.Is(listenErr, context.Canceled) {
			return nil
		}
		return listenErr
	}
	log.Info("dbgpmuxd listening", "address", multiplexer.Addr())

	ended := make(chan struct{})
	var endOnce sync.Once
	sub := multiplexer.OnStatus(func(status dbgp.Status) {
		if status == dbgp.StatusEnd {
			endOnce.Do(func() { close(ended) })
		}
	})
	defer sub.Dispose()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case <-ended:
		log.Info("Debug session ended")
	}
	return nil
}

// resolveConfig layers command-line flags over the configuration file (or
// the defaults when no file is given).
func resolveConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	var cfg *config.Config
	if opts.configPath != "" {
		loaded, loadErr := config.Load(opts.configPath)
		if loadErr != nil {
			return nil, loadErr
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if opts.listenAddress != "" {
		cfg.ListenAddress = opts.listenAddress
	}
	if opts.scriptRegex != "" {
		cfg.ScriptRegex = opts.scriptRegex
	}
	if opts.ideKeyRegex != "" {
		cfg.IDEKeyRegex = opts.ideKeyRegex
	}
	if cmd.Flags().Changed("end-debug-when-no-requests") {
		cfg.EndDebugWhenNoRequests = opts.endDebugWhenNoRequests
	}
	if len(opts.warmupCommand) > 0 {
		cfg.Warmup.Command = opts.warmupCommand
	}

	if validateErr := cfg.Validate(); validateErr != nil {
		return nil, validateErr
	}
	return cfg, nil
}
