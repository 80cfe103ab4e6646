package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/metrics"
)

// Cleaner reclaims workspaces and confirms container removal after sessions end.
// Work is best effort: failures are logged and counted, never returned.
type Cleaner struct {
	workspaces *Workspaces
	runtime    Runtime
	container  func(sessionID string) string
	logger     zerolog.Logger

	mu      sync.Mutex
	queue   chan string
	stopped bool
	wg      sync.WaitGroup
}

// NewCleaner creates a cleaner. runtime may be nil when containers need no confirmation.
func NewCleaner(ws *Workspaces, rt Runtime, containerName func(string) string, logger zerolog.Logger) *Cleaner {
	return &Cleaner{
		workspaces: ws,
		runtime:    rt,
		container:  containerName,
		logger:     logger,
		queue:      make(chan string, 64),
	}
}

// Start runs the background worker until Stop is called.
func (c *Cleaner) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for id := range c.queue {
			c.Clean(context.Background(), id)
		}
	}()
}

// Enqueue schedules cleanup for a session without blocking the caller.
func (c *Cleaner) Enqueue(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		go c.Clean(context.Background(), sessionID)
		return
	}
	select {
	case c.queue <- sessionID:
	default:
		// Queue full; clean inline on a fresh goroutine rather than block the caller.
		go c.Clean(context.Background(), sessionID)
	}
}

// Clean removes the session container and workspace. Safe to call repeatedly.
func (c *Cleaner) Clean(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if c.runtime != nil && c.container != nil {
		name := c.container(sessionID)
		if err := c.runtime.Remove(ctx, name); err != nil {
			metrics.CleanupFailures.Inc()
			c.logger.Error().Err(err).Str("session", sessionID).Str("container", name).Msg("confirming container removal")
		}
	}

	if err := c.workspaces.Remove(sessionID); err != nil {
		metrics.CleanupFailures.Inc()
		c.logger.Error().Err(err).Str("session", sessionID).Msg("cleaning up session directory")
		return
	}
	c.logger.Debug().Str("session", sessionID).Msg("cleaned up session directory")
}

// Stop drains queued work and stops the worker.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.queue)
	}
	c.mu.Unlock()
	c.wg.Wait()
}
