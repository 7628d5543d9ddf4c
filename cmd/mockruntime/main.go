// Command mockruntime is a scripted execution runtime speaking the NDJSON
// protocol on stdin/stdout. It backs smoke tests and local experiments; see
// testharness.ScriptedRuntime for the actions it understands.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/iambrandonn/powblocks/pkg/testharness"
)

func main() {
	heartbeatInterval := flag.Duration("heartbeat-interval", 10*time.Second, "Heartbeat interval")
	disableHeartbeat := flag.Bool("no-heartbeat", false, "Disable automatic heartbeats")
	disablePush := flag.Bool("no-push", false, "Do not push state or event updates; results are only available by poll")
	stepDelay := flag.Duration("step-delay", 100*time.Millisecond, "Pause between script steps")
	scriptPath := flag.String("script", "", "JSON file overriding the behaviour of named actions")
	verbose := flag.Bool("v", false, "Log at debug level")
	flag.Parse()

	// stderr for diagnostics, stdout for protocol
	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().
		Timestamp().
		Str("component", "mockruntime").
		Logger()

	logger.Info().
		Int("pid", os.Getpid()).
		Bool("push", !*disablePush).
		Dur("step_delay", *stepDelay).
		Msg("mock runtime starting")

	script := testharness.NewScriptedRuntime(os.Stdin, os.Stdout, logger)
	script.HeartbeatInterval = *heartbeatInterval
	script.DisableHeartbeat = *disableHeartbeat
	script.DisablePush = *disablePush
	script.StepDelay = *stepDelay
	if *scriptPath != "" {
		overrides, err := testharness.LoadScript(*scriptPath)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load script")
			os.Exit(1)
		}
		script.Overrides = overrides
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := script.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("mock runtime failed")
		os.Exit(1)
	}

	logger.Info().Msg("mock runtime stopped")
}
