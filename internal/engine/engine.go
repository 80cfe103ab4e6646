// Package engine assembles the runbox components from configuration.
package engine

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/session"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

// Engine holds every long-lived component of a runbox process.
type Engine struct {
	Config     *config.Config
	Languages  *language.Table
	Runtime    sandbox.Runtime
	Workspaces *sandbox.Workspaces
	Launcher   *sandbox.Launcher
	Cleaner    *sandbox.Cleaner
	Store      storage.Store
	Manager    *session.Manager
}

// Open connects to Docker and the run history database and builds an Engine.
func Open(cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	rt, err := sandbox.NewDockerRuntime(logger.With().Str("component", "docker").Logger())
	if err != nil {
		return nil, err
	}

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	e, err := New(cfg, rt, store, logger)
	if err != nil {
		store.Close()
		rt.Close()
		return nil, err
	}
	return e, nil
}

// LoadLanguages builds the language table described by cfg.
func LoadLanguages(cfg *config.Config) (*language.Table, error) {
	langs := language.NewTable(cfg.Languages.Default)
	if cfg.Languages.File != "" {
		if err := langs.LoadFile(cfg.Languages.File); err != nil {
			return nil, err
		}
	}
	return langs, nil
}

// New wires an Engine around an existing runtime and store. The engine owns
// both from here on and releases them in Close.
func New(cfg *config.Config, rt sandbox.Runtime, store storage.Store, logger zerolog.Logger) (*Engine, error) {
	langs, err := LoadLanguages(cfg)
	if err != nil {
		return nil, err
	}

	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	ws, err := sandbox.NewWorkspaces(cfg.Workspace.Dir)
	if err != nil {
		return nil, err
	}

	launcher := sandbox.NewLauncher(rt, ws, langs, sandbox.LauncherConfig{
		Policy:           policy,
		ContainerPrefix:  cfg.Sandbox.ContainerPrefix,
		TeardownAttempts: cfg.Teardown.Attempts,
		TeardownDelay:    cfg.Teardown.Delay,
		Logger:           logger.With().Str("component", "launcher").Logger(),
	})

	cleaner := sandbox.NewCleaner(ws, rt, launcher.ContainerName, logger.With().Str("component", "cleaner").Logger())
	cleaner.Start()

	manager := session.NewManager(launcher, session.Options{
		Timeout:   cfg.Execution.Timeout,
		WaitGrace: cfg.Execution.WaitGrace,
		Store:     store,
		Cleaner:   cleaner,
		Logger:    logger.With().Str("component", "sessions").Logger(),
	})

	logger.Info().
		Str("workspace", ws.Root()).
		Stringer("policy", policy).
		Dur("timeout", cfg.Execution.Timeout).
		Strs("languages", names(langs)).
		Msg("engine ready")

	return &Engine{
		Config:     cfg,
		Languages:  langs,
		Runtime:    rt,
		Workspaces: ws,
		Launcher:   launcher,
		Cleaner:    cleaner,
		Store:      store,
		Manager:    manager,
	}, nil
}

// Close stops the cleanup worker and releases the store and runtime.
// Sessions must already be shut down.
func (e *Engine) Close() error {
	e.Cleaner.Stop()

	var errs []error
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	if c, ok := e.Runtime.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing runtime: %w", err))
		}
	}
	return errors.Join(errs...)
}

func names(langs *language.Table) []string {
	specs := langs.List()
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Name)
	}
	return out
}
