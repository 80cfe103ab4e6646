package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/metrics"
)

// LaunchRequest is one run submitted by a session.
type LaunchRequest struct {
	SessionID string
	Language  string
	Code      string
}

// LauncherConfig holds the fixed launch parameters.
type LauncherConfig struct {
	Policy           Policy
	ContainerPrefix  string
	TeardownAttempts int
	TeardownDelay    time.Duration
	Logger           zerolog.Logger
}

// Launcher provisions workspaces and images and starts sandboxed processes.
type Launcher struct {
	runtime    Runtime
	workspaces *Workspaces
	languages  *language.Table
	policy     Policy
	prefix     string
	retrier    retry.Retry[struct{}]
	logger     zerolog.Logger
}

// NewLauncher creates a launcher.
func NewLauncher(rt Runtime, ws *Workspaces, langs *language.Table, cfg LauncherConfig) *Launcher {
	attempts := cfg.TeardownAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := cfg.TeardownDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	prefix := cfg.ContainerPrefix
	if prefix == "" {
		prefix = "runbox-"
	}

	return &Launcher{
		runtime:    rt,
		workspaces: ws,
		languages:  langs,
		policy:     cfg.Policy,
		prefix:     prefix,
		retrier: retry.New[struct{}](retry.Config{
			MaxAttempts:   attempts,
			InitialDelay:  delay,
			MaxDelay:      4 * delay,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			IsRetryable: func(err error) bool {
				return err != nil
			},
		}),
		logger: cfg.Logger,
	}
}

// ContainerName returns the container name owned by a session.
func (l *Launcher) ContainerName(sessionID string) string {
	return l.prefix + sessionID
}

// Resolve returns the language spec a run will use.
func (l *Launcher) Resolve(lang string) language.Spec {
	return l.languages.Resolve(lang)
}

// Launch prepares the workspace, makes sure the image exists and starts the sandbox.
// Progress text for slow steps such as image pulls is written to progress.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest, progress io.Writer) (Process, error) {
	spec := l.languages.Resolve(req.Language)

	dir, err := l.workspaces.Prepare(req.SessionID, spec.Filename, req.Code)
	if err != nil {
		return nil, fmt.Errorf("preparing workspace: %w", err)
	}

	if err := l.ensureImage(ctx, spec.Image, progress); err != nil {
		return nil, err
	}

	name := l.ContainerName(req.SessionID)
	// A container left behind by a failed teardown would block the name.
	if err := l.runtime.Remove(ctx, name); err != nil {
		l.logger.Warn().Err(err).Str("container", name).Msg("removing stale container")
	}

	proc, err := l.runtime.Start(ctx, ContainerSpec{
		Name:         name,
		Image:        spec.Image,
		Command:      spec.RunCommand,
		WorkspaceDir: dir,
		Policy:       l.policy,
		Labels: map[string]string{
			"runbox.session":  req.SessionID,
			"runbox.language": spec.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("starting sandbox: %w", err)
	}

	l.logger.Info().
		Str("session", req.SessionID).
		Str("language", spec.Name).
		Str("image", spec.Image).
		Stringer("policy", l.policy).
		Msg("sandbox started")
	return proc, nil
}

func (l *Launcher) ensureImage(ctx context.Context, img string, progress io.Writer) error {
	present, err := l.runtime.ImageExists(ctx, img)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrImageUnavailable, err)
	}
	if present {
		return nil
	}

	l.logger.Info().Str("image", img).Msg("image not found locally")
	fmt.Fprintf(progress, "Setting the environment for %s Please wait...\r\n", img)

	if err := l.runtime.PullImage(ctx, img, progress); err != nil {
		metrics.ImagePulls.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %w", ErrImageUnavailable, err)
	}

	metrics.ImagePulls.WithLabelValues("ok").Inc()
	fmt.Fprintf(progress, "\r\nSuccessfully pulled Docker image %s. Running your code...\r\n", img)
	return nil
}

// Teardown kills the process, stops and removes its container and releases its streams.
// The sequence is retried as a whole so a removal racing the engine's own cleanup
// gets another chance.
func (l *Launcher) Teardown(ctx context.Context, proc Process) error {
	name := proc.Container()
	attempt := 0

	_, err := l.retrier.Do(ctx, func(ctx context.Context) (struct{}, error) {
		attempt++
		if err := proc.Kill(ctx); err != nil {
			l.logger.Debug().Err(err).Str("container", name).Int("attempt", attempt).Msg("kill")
		}
		if err := l.runtime.Stop(ctx, name); err != nil {
			l.logger.Debug().Err(err).Str("container", name).Int("attempt", attempt).Msg("stop")
		}
		return struct{}{}, l.runtime.Remove(ctx, name)
	})
	proc.Close()

	if err != nil {
		metrics.TeardownFailures.Inc()
		return fmt.Errorf("tearing down %s: %w", name, err)
	}
	return nil
}

// PullAll makes sure every configured image is present.
func (l *Launcher) PullAll(ctx context.Context, progress io.Writer) error {
	for _, img := range l.languages.Images() {
		if err := l.ensureImage(ctx, img, progress); err != nil {
			return err
		}
		fmt.Fprintf(progress, "%s ready\r\n", img)
	}
	return nil
}
