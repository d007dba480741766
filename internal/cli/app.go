package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/subathon/internal/command"
	"github.com/roach88/subathon/internal/config"
	"github.com/roach88/subathon/internal/engine"
	"github.com/roach88/subathon/internal/store"
	"github.com/roach88/subathon/internal/values"
)

// EngineOptions holds the flags shared by commands that open a database.
type EngineOptions struct {
	*RootOptions
	Database string
	Config   string
}

func addDatabaseFlag(cmd *cobra.Command, opts *EngineOptions) {
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
}

func addConfigFlag(cmd *cobra.Command, opts *EngineOptions) {
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to CUE configuration (defaults apply when omitted)")
}

// app is an opened database with the engine and interpreter built over it.
type app struct {
	store  *store.Store
	cfg    *config.Config
	values *values.Table
	engine *engine.Engine
	interp *command.Interpreter
	logger *slog.Logger
	out    *OutputFormatter
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// openApp loads configuration, opens the database and wires the engine.
//
// The Value Table is the persisted rows overlaid with the configured
// ones, so a row set by configuration always wins.
func openApp(cmd *cobra.Command, opts *EngineOptions) (*app, error) {
	ctx := commandContext(cmd)
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	persisted, err := st.LoadValues(ctx)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load value table", err)
	}
	vt := values.New(persisted...)
	for _, r := range cfg.ValueTable().Rows() {
		vt.Set(r.Kind, r.Tier, r.Value)
	}

	rates, err := cfg.Normalizer()
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to build currency rates", err)
	}

	logger.Debug("database ready", "db", opts.Database, "values", vt.Len())
	return &app{
		store:  st,
		cfg:    cfg,
		values: vt,
		engine: engine.New(st, cfg, vt, rates, engine.WithLogger(logger)),
		interp: command.New(cfg, rates, command.WithLogger(logger)),
		logger: logger,
		out:    newFormatter(cmd, opts.RootOptions),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// activeRun returns the ID of the active run.
func (a *app) activeRun(ctx context.Context) (string, error) {
	id, err := a.store.ActiveRunID(ctx)
	if errors.Is(err, store.ErrNoActiveRun) {
		return "", NewExitError(ExitCommandError, "no active run (start one with 'subathon start')")
	}
	if err != nil {
		return "", WrapExitError(ExitCommandError, "failed to find active run", err)
	}
	return id, nil
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
