package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/iambrandonn/powblocks/internal/blocks"
	"github.com/iambrandonn/powblocks/internal/config"
	"github.com/iambrandonn/powblocks/internal/db"
	"github.com/iambrandonn/powblocks/internal/engine"
	"github.com/iambrandonn/powblocks/internal/eventlog"
	"github.com/iambrandonn/powblocks/internal/history"
	"github.com/iambrandonn/powblocks/internal/logging"
	"github.com/iambrandonn/powblocks/internal/runtime"
	"github.com/iambrandonn/powblocks/internal/telemetry"
	"github.com/iambrandonn/powblocks/internal/transcript"
)

// app holds what a command needs: configuration, output and storage.
type app struct {
	cfg    *config.Config
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	format *transcript.Formatter
	logger zerolog.Logger

	database *db.DB
	closers  []func() error
}

// syncWriter serializes writes from watcher goroutines and the command.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewLoader()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loader.SetConfigFile(path)
	}
	for key, name := range map[string]string{
		"logging.level":  "log-level",
		"logging.format": "log-format",
	} {
		if err := loader.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return nil, err
		}
	}
	return loader.Load()
}

// newApp loads configuration, configures logging and opens the data
// directory and history database.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Logging.Config()
	logCfg.Output = cmd.ErrOrStderr()
	logging.Init(logCfg)

	noColor, _ := cmd.Flags().GetBool("no-color")
	a := &app{
		cfg:    cfg,
		in:     cmd.InOrStdin(),
		out:    &syncWriter{w: cmd.OutOrStdout()},
		errOut: cmd.ErrOrStderr(),
		format: transcript.NewFormatter(noColor || !isTerminal(cmd.OutOrStdout())),
		logger: logging.Component("cli"),
	}

	layout := cfg.Storage.Layout()
	if err := layout.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize data directory: %w", err)
	}

	database, err := db.Open(cfg.Storage.DB())
	if err != nil {
		return nil, err
	}
	a.database = database
	a.closers = append(a.closers, database.Close)

	if _, err := database.Migrate(cmd.Context()); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return a, nil
}

func (a *app) history() *history.Store {
	return history.NewStore(a.database, logging.Component("history"))
}

func (a *app) blocks() *blocks.Store {
	return blocks.NewStore(a.database)
}

// Close releases everything the app opened, newest first.
func (a *app) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

func (a *app) newRuntime(ctx context.Context) (runtime.Runtime, error) {
	switch a.cfg.Runtime.Kind {
	case config.RuntimeHTTP:
		return runtime.NewHTTPClient(a.cfg.Runtime.HTTP())
	default:
		proc := runtime.NewProcess(a.cfg.Runtime.Process())
		// The runtime outlives cancellation of ctx so a stop can still be
		// delivered after Ctrl-C.
		if err := proc.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Runtime.StopTimeout+time.Second)
			defer cancel()
			return proc.Stop(stopCtx)
		})
		return proc, nil
	}
}

// startEngine connects to the runtime and starts an engine that journals
// the session and records finished tasks in history. strategy overrides the
// configured transport when set.
func (a *app) startEngine(ctx context.Context, strategy string) (*engine.Engine, error) {
	provider, err := telemetry.Init(ctx, a.cfg.Telemetry.Config(Version))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return provider.Shutdown(shutdownCtx)
	})
	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		return nil, err
	}

	rt, err := a.newRuntime(ctx)
	if err != nil {
		return nil, err
	}

	journalPath := a.cfg.Storage.Layout().SessionJournal(time.Now())
	journal, err := eventlog.NewEventLog(journalPath, logging.Component("journal"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, journal.Close)

	if strategy == "" {
		strategy = a.cfg.Transport.Strategy
	}
	eng, err := engine.New(rt, engine.Options{
		Strategy: strategy,
		Poll:     a.cfg.Transport.Poll(),
		Gateway:  a.cfg.Gateway.Config(),
		Policy:   a.cfg.Permissions,
		History:  a.history(),
		Journal:  journal,
		Metrics:  metrics,
		Tracer:   provider.Tracer,
		Logger:   logging.Component("engine"),
	})
	if err != nil {
		return nil, err
	}
	if err := eng.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, eng.Close)
	a.logger.Debug().Str("journal", journalPath).Str("strategy", eng.Strategy()).Msg("engine ready")
	return eng, nil
}

// checkDetach refuses --detach for a runtime subprocess, which exits with
// the command and takes its tasks with it.
func (a *app) checkDetach(detach bool) error {
	if detach && a.cfg.Runtime.Kind != config.RuntimeHTTP {
		return fmt.Errorf("--detach needs the http runtime: a %s runtime stops when the command exits", a.cfg.Runtime.Kind)
	}
	return nil
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
