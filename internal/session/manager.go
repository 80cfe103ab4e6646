// Package session tracks connected clients and supervises the sandboxed
// execution each of them is running.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
)

// Launcher starts and tears down sandboxed processes.
type Launcher interface {
	Resolve(lang string) language.Spec
	Launch(ctx context.Context, req sandbox.LaunchRequest, progress io.Writer) (sandbox.Process, error)
	Teardown(ctx context.Context, proc sandbox.Process) error
}

// Cleaner removes the leftovers of a closed session.
type Cleaner interface {
	Enqueue(sessionID string)
}

// Options configures a Manager.
type Options struct {
	// Timeout bounds the run time of one execution.
	Timeout time.Duration
	// WaitGrace bounds how long a torn down process may take to report its exit
	// and flush its streams.
	WaitGrace time.Duration
	// Store records run history. Optional.
	Store storage.Store
	// Cleaner receives closed sessions. Optional.
	Cleaner Cleaner
	Logger  zerolog.Logger
}

// Manager owns the session registry and the execution lifecycle.
type Manager struct {
	registry  *Registry
	launcher  Launcher
	store     storage.Store
	cleaner   Cleaner
	timeout   time.Duration
	waitGrace time.Duration
	logger    zerolog.Logger
}

// NewManager creates a manager.
func NewManager(l Launcher, opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.WaitGrace <= 0 {
		opts.WaitGrace = 5 * time.Second
	}
	return &Manager{
		registry:  NewRegistry(),
		launcher:  l,
		store:     opts.Store,
		cleaner:   opts.Cleaner,
		timeout:   opts.Timeout,
		waitGrace: opts.WaitGrace,
		logger:    opts.Logger,
	}
}

// Registry exposes the session registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Timeout returns the per-execution time limit.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Open registers a new idle session and sends it the connected event.
func (m *Manager) Open(sink Sink) (*Session, error) {
	sess := newSession(uuid.New().String(), sink)
	if err := m.registry.Insert(sess); err != nil {
		return nil, fmt.Errorf("registering session: %w", err)
	}
	metrics.SessionsActive.Inc()

	m.logger.Info().Str("session", sess.ID).Msg("session opened")
	sess.emit(Event{Type: EventConnected})
	return sess, nil
}

// Run starts a new execution for the session, replacing any current one.
// It returns as soon as the execution is installed; launching happens in the background.
func (m *Manager) Run(sessionID, lang, code string) error {
	sess, ok := m.registry.Lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	sess.mu.Lock()
	if sess.closing {
		sess.mu.Unlock()
		return ErrSessionNotFound
	}
	prev := sess.pendingLocked()
	ex := newExecution(lang, code)
	sess.current = ex
	sess.runs++
	sess.mu.Unlock()

	if prev != nil {
		prev.requestStop(reasonReplaced)
	}

	go m.supervise(sess, prev, ex)
	return nil
}

// Input forwards one line to the running process.
func (m *Manager) Input(sessionID, text string) error {
	sess, ok := m.registry.Lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	ex := sess.currentExecution()
	if ex == nil {
		return ErrNoExecution
	}

	state, proc := ex.snapshot()
	switch {
	case state == StatusLaunching:
		return ErrLaunching
	case state != StatusRunning || proc == nil:
		return ErrNoExecution
	}

	if err := ex.write(proc, text); err != nil {
		return fmt.Errorf("writing to process stdin: %w", err)
	}
	return nil
}

// Stop requests termination of the current execution. It returns ErrNoExecution
// when nothing is running. Repeated calls are no-ops; the execution emits its
// terminal event exactly once.
func (m *Manager) Stop(sessionID string) error {
	sess, ok := m.registry.Lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	ex := sess.currentExecution()
	if ex == nil {
		return ErrNoExecution
	}
	if ex.requestStop(reasonStopped) {
		m.logger.Info().Str("session", sessionID).Str("run", ex.id).Msg("stop requested")
		return nil
	}
	if ex.stopReason() == reasonExited {
		return ErrNoExecution
	}
	return nil
}

// Close terminates the session silently: its execution is torn down, the
// session leaves the registry and its workspace is queued for cleanup.
// Closing an unknown or already closing session is a no-op.
func (m *Manager) Close(sessionID string) {
	sess, ok := m.registry.Lookup(sessionID)
	if !ok {
		return
	}

	sess.mu.Lock()
	if sess.closing {
		sess.mu.Unlock()
		return
	}
	sess.closing = true
	ex := sess.pendingLocked()
	sess.mu.Unlock()

	if ex != nil {
		ex.requestStop(reasonDisconnected)
		<-ex.done
	}

	if _, ok := m.registry.Delete(sessionID); ok {
		metrics.SessionsActive.Dec()
	}
	if m.cleaner != nil {
		m.cleaner.Enqueue(sessionID)
	}
	m.logger.Info().Str("session", sessionID).Msg("session closed")
}

// Shutdown closes every session and waits for their executions to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	ids := m.registry.IDs()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Close(id)
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("closing %d sessions: %w", len(ids), ctx.Err())
	}
}

type exitResult struct {
	code int
	err  error
}

// supervise runs one execution from launch to its terminal event.
func (m *Manager) supervise(sess *Session, prev, ex *execution) {
	defer close(ex.done)
	defer ex.cancel()
	defer sess.retire(ex)

	// Never launch while the previous process may still be alive.
	if prev != nil {
		<-prev.done
	}

	spec := m.launcher.Resolve(ex.language)
	m.registry.Update(sess.ID, func(s *Session) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.current == ex {
			s.language = spec.Name
		}
	})

	log := m.logger.With().
		Str("session", sess.ID).
		Str("run", ex.id).
		Str("language", spec.Name).
		Logger()

	if ex.ctx.Err() != nil {
		sess.retire(ex)
		m.emitCancelled(sess, ex.stopReason())
		log.Debug().Stringer("reason", ex.stopReason()).Msg("run cancelled before launch")
		return
	}

	run := &storage.Run{
		ID:        ex.id,
		SessionID: sess.ID,
		Language:  spec.Name,
		Image:     spec.Image,
		Status:    storage.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	m.recordStart(log, run)
	metrics.ExecutionsActive.Inc()
	defer metrics.ExecutionsActive.Dec()

	proc, err := m.launcher.Launch(ex.ctx, sandbox.LaunchRequest{
		SessionID: sess.ID,
		Language:  spec.Name,
		Code:      ex.code,
	}, progressWriter{sess})
	if err != nil {
		// Claim the outcome so a concurrent stop or replacement cannot relabel it.
		claimed := ex.requestStop(reasonExited)
		sess.retire(ex)
		if !claimed {
			r := ex.stopReason()
			m.emitCancelled(sess, r)
			m.finish(log, run, r.runStatus(), nil)
			return
		}
		log.Error().Err(err).Msg("launch failed")
		if errors.Is(err, sandbox.ErrImageUnavailable) {
			sess.emit(Event{Type: EventError, Data: fmt.Sprintf("Failed to pull Docker image %s: %v\r\n", spec.Image, err)})
			sess.emit(ErrorMessage(fmt.Sprintf("Failed to prepare the %s environment. Please try again.", spec.Name)))
		} else {
			sess.emit(ErrorMessage("Error executing code: " + err.Error()))
		}
		sess.emit(terminatedEvent(ExitLaunchFailure))
		code := ExitLaunchFailure
		m.finish(log, run, storage.StatusFailed, &code)
		return
	}

	if !ex.attach(proc) {
		m.teardown(log, proc)
		sess.retire(ex)
		r := ex.stopReason()
		m.emitCancelled(sess, r)
		m.finish(log, run, r.runStatus(), nil)
		return
	}

	sess.emit(Event{Type: EventStarted})
	log.Info().Msg("execution started")

	timer := time.AfterFunc(m.timeout, func() {
		ex.requestStop(reasonTimeout)
	})

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pump(&pumps, sess, proc.Stdout(), EventOutput)
	go pump(&pumps, sess, proc.Stderr(), EventError)

	exited := make(chan exitResult, 1)
	go func() {
		code, err := proc.Wait()
		exited <- exitResult{code: code, err: err}
	}()

	var res exitResult
	forced := false
	select {
	case res = <-exited:
	case <-ex.ctx.Done():
		select {
		case res = <-exited:
		default:
			forced = true
		}
	}
	timer.Stop()

	if !forced {
		// Later stop requests become no-ops.
		ex.requestStop(reasonExited)
		ex.setState(StatusTerminating)
		m.drain(log, &pumps, proc)

		// The container is removed after the client has its exit code; the
		// next run still waits for that through the retired execution.
		sess.retire(ex)
		if res.err != nil {
			log.Error().Err(res.err).Msg("waiting for process")
			sess.emit(ErrorMessage("Error executing code: " + res.err.Error()))
			res.code = ExitLaunchFailure
		}
		sess.emit(terminatedEvent(res.code))

		status := storage.StatusCompleted
		if res.code != 0 {
			status = storage.StatusFailed
		}
		code := res.code
		m.finish(log, run, status, &code)
		m.teardown(log, proc)
		return
	}

	ex.setState(StatusTerminating)
	r := ex.stopReason()
	log.Info().Stringer("reason", r).Msg("terminating execution")

	m.teardown(log, proc)
	select {
	case <-exited:
	case <-time.After(m.waitGrace):
		log.Warn().Dur("grace", m.waitGrace).Msg("process did not report exit after teardown")
	}
	m.drain(log, &pumps, proc)

	sess.retire(ex)
	m.emitCancelled(sess, r)
	var code *int
	if r == reasonTimeout {
		c := ExitTimeout
		code = &c
	}
	m.finish(log, run, r.runStatus(), code)
}

// emitCancelled sends the terminal event for an execution that did not exit on its own.
func (m *Manager) emitCancelled(sess *Session, r reason) {
	switch r {
	case reasonStopped:
		sess.emit(Event{Type: EventStopped, Message: "Execution stopped by user"})
	case reasonReplaced:
		sess.emit(Event{Type: EventStopped, Message: "Execution replaced by a new run"})
	case reasonTimeout:
		sess.emit(Event{
			Type: EventError,
			Data: fmt.Sprintf("Execution timed out after %g seconds. The process has been terminated.", m.timeout.Seconds()),
		})
		sess.emit(terminatedEvent(ExitTimeout))
	}
}

// drain waits for both stream pumps, closing the process streams if they outlive the grace period.
func (m *Manager) drain(log zerolog.Logger, pumps *sync.WaitGroup, proc sandbox.Process) {
	done := make(chan struct{})
	go func() {
		pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(m.waitGrace):
		log.Warn().Msg("output streams still open, closing")
		proc.Close()
	}
	<-done
}

func (m *Manager) teardown(log zerolog.Logger, proc sandbox.Process) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.launcher.Teardown(ctx, proc); err != nil {
		log.Error().Err(err).Str("container", proc.Container()).Msg("sandbox teardown failed")
	}
}

func (m *Manager) recordStart(log zerolog.Logger, run *storage.Run) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.CreateRun(ctx, run); err != nil {
		log.Warn().Err(err).Msg("recording run start")
	}
}

func (m *Manager) finish(log zerolog.Logger, run *storage.Run, status storage.RunStatus, code *int) {
	elapsed := time.Since(run.StartedAt)
	metrics.ExecutionsTotal.WithLabelValues(run.Language, string(status)).Inc()
	metrics.ExecutionDuration.WithLabelValues(run.Language).Observe(elapsed.Seconds())

	ev := log.Info().Str("status", string(status)).Dur("elapsed", elapsed)
	if code != nil {
		ev = ev.Int("exit_code", *code)
	}
	ev.Msg("execution finished")

	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.FinishRun(ctx, run.ID, status, code); err != nil {
		log.Warn().Err(err).Msg("recording run outcome")
	}
}
