// Package sandboxtest provides in-memory sandbox runtimes for tests.
package sandboxtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

// Process is a scripted sandbox process.
type Process struct {
	name    string
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	stdinMu sync.Mutex
	stdin   bytes.Buffer

	exitOnce sync.Once
	exited   chan struct{}
	code     int
	killed   atomic.Bool
	closed   atomic.Bool
}

// NewProcess creates a live process for container name.
func NewProcess(name string) *Process {
	p := &Process{name: name, exited: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

// WriteStdout blocks until the data is consumed or the stream is closed.
func (p *Process) WriteStdout(s string) error {
	_, err := io.WriteString(p.stdoutW, s)
	return err
}

// WriteStderr blocks until the data is consumed or the stream is closed.
func (p *Process) WriteStderr(s string) error {
	_, err := io.WriteString(p.stderrW, s)
	return err
}

// Exit ends the process with code. Only the first call has an effect.
func (p *Process) Exit(code int) {
	p.exitOnce.Do(func() {
		p.code = code
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.exited)
	})
}

// Exited is closed once the process has ended.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Alive reports whether the process has not exited yet.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *Process) Killed() bool { return p.killed.Load() }
func (p *Process) Closed() bool { return p.closed.Load() }

// StdinString returns everything written to stdin so far.
func (p *Process) StdinString() string {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	return p.stdin.String()
}

func (p *Process) Container() string { return p.name }
func (p *Process) Stdout() io.Reader  { return p.stdoutR }
func (p *Process) Stderr() io.Reader  { return p.stderrR }
func (p *Process) Stdin() io.Writer   { return stdinWriter{p} }
func (p *Process) Wait() (int, error) { <-p.exited; return p.code, nil }

func (p *Process) Kill(ctx context.Context) error {
	if p.Alive() {
		p.killed.Store(true)
	}
	p.Exit(137)
	return nil
}

func (p *Process) Close() error {
	p.closed.Store(true)
	p.stdoutW.Close()
	p.stderrW.Close()
	return nil
}

type stdinWriter struct{ p *Process }

func (w stdinWriter) Write(b []byte) (int, error) {
	if !w.p.Alive() {
		return 0, io.ErrClosedPipe
	}
	w.p.stdinMu.Lock()
	defer w.p.stdinMu.Unlock()
	return w.p.stdin.Write(b)
}

// Runtime is an in-memory sandbox.Runtime.
type Runtime struct {
	mu sync.Mutex

	images     map[string]bool
	pullLines  []string
	pullErr    error
	inspectErr error
	startErr   error
	removeErrs []error
	startGate  chan struct{}
	script     func(*Process)

	started    []sandbox.ContainerSpec
	procs      []*Process
	live       map[string]*Process
	stopped    []string
	removed    []string
	pulls      []string
	violations int
}

// NewRuntime creates a runtime that already has images.
func NewRuntime(images ...string) *Runtime {
	r := &Runtime{
		images: make(map[string]bool),
		live:   make(map[string]*Process),
	}
	for _, img := range images {
		r.images[img] = true
	}
	return r
}

// Script sets the function run on a new goroutine for every started process.
func (r *Runtime) Script(fn func(*Process)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script = fn
}

// FailPull makes pulls write lines and then fail with err (nil succeeds).
func (r *Runtime) FailPull(lines []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pullLines = lines
	r.pullErr = err
}

func (r *Runtime) FailInspect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inspectErr = err
}

func (r *Runtime) FailStart(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

// FailRemove queues errors returned by successive Remove calls.
func (r *Runtime) FailRemove(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeErrs = append(r.removeErrs, errs...)
}

// HoldStart makes Start block until the returned function is called or its context ends.
func (r *Runtime) HoldStart() (release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gate := make(chan struct{})
	r.startGate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (r *Runtime) ImageExists(ctx context.Context, img string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inspectErr != nil {
		return false, r.inspectErr
	}
	return r.images[img], nil
}

func (r *Runtime) PullImage(ctx context.Context, img string, progress io.Writer) error {
	r.mu.Lock()
	lines, err := r.pullLines, r.pullErr
	r.pulls = append(r.pulls, img)
	r.mu.Unlock()

	for _, l := range lines {
		fmt.Fprintf(progress, "%s\r\n", l)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.images[img] = true
	r.mu.Unlock()
	return nil
}

func (r *Runtime) Start(ctx context.Context, spec sandbox.ContainerSpec) (sandbox.Process, error) {
	r.mu.Lock()
	gate := r.startGate
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.startErr != nil {
		return nil, r.startErr
	}
	if prev := r.live[spec.Name]; prev != nil && prev.Alive() {
		r.violations++
	}

	p := NewProcess(spec.Name)
	r.started = append(r.started, spec)
	r.procs = append(r.procs, p)
	r.live[spec.Name] = p

	if r.script != nil {
		go r.script(p)
	}
	return p, nil
}

func (r *Runtime) Stop(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, name)
	if p := r.live[name]; p != nil {
		p.Exit(137)
	}
	return nil
}

func (r *Runtime) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.removeErrs) > 0 {
		err := r.removeErrs[0]
		r.removeErrs = r.removeErrs[1:]
		if err != nil {
			return err
		}
	}

	r.removed = append(r.removed, name)
	if p := r.live[name]; p != nil {
		if p.Alive() {
			r.violations++
			p.Exit(137)
		}
		delete(r.live, name)
	}
	return nil
}

// Started returns the specs of every started container.
func (r *Runtime) Started() []sandbox.ContainerSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sandbox.ContainerSpec(nil), r.started...)
}

// Processes returns every process started so far.
func (r *Runtime) Processes() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Process(nil), r.procs...)
}

// LiveCount returns the number of processes that have not exited.
func (r *Runtime) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.procs {
		if p.Alive() {
			n++
		}
	}
	return n
}

// Violations counts starts or removals that found a live process under the same name.
func (r *Runtime) Violations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.violations
}

func (r *Runtime) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

func (r *Runtime) Pulls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pulls...)
}
