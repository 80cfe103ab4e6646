package session

import (
	"context"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
)

// reason records why an execution ended. The first one recorded wins.
type reason int

const (
	reasonNone reason = iota
	reasonExited
	reasonStopped
	reasonTimeout
	reasonReplaced
	reasonDisconnected
)

func (r reason) String() string {
	switch r {
	case reasonExited:
		return "exited"
	case reasonStopped:
		return "stopped"
	case reasonTimeout:
		return "timeout"
	case reasonReplaced:
		return "replaced"
	case reasonDisconnected:
		return "disconnected"
	default:
		return "none"
	}
}

func (r reason) runStatus() storage.RunStatus {
	switch r {
	case reasonStopped:
		return storage.StatusStopped
	case reasonTimeout:
		return storage.StatusTimeout
	case reasonReplaced:
		return storage.StatusReplaced
	case reasonDisconnected:
		return storage.StatusDisconnected
	default:
		return storage.StatusFailed
	}
}

// execution is one run of code inside a session. Its supervisor goroutine is the
// only place that tears it down and emits its terminal event; everything else
// just records a reason and cancels ctx.
type execution struct {
	id       string
	language string
	code     string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  Status
	reason reason
	proc   sandbox.Process

	stdinMu sync.Mutex
}

func newExecution(lang, code string) *execution {
	ctx, cancel := context.WithCancel(context.Background())
	return &execution{
		id:       uuid.New().String(),
		language: lang,
		code:     code,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    StatusLaunching,
	}
}

// requestStop records r as the termination reason and cancels the execution.
// It reports whether this call was the first.
func (ex *execution) requestStop(r reason) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.reason != reasonNone {
		return false
	}
	ex.reason = r
	ex.cancel()
	return true
}

func (ex *execution) stopReason() reason {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.reason
}

// attach installs the started process unless a stop already arrived.
func (ex *execution) attach(proc sandbox.Process) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.reason != reasonNone {
		return false
	}
	ex.proc = proc
	ex.state = StatusRunning
	return true
}

func (ex *execution) setState(s Status) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.state = s
}

func (ex *execution) getState() Status {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.state
}

func (ex *execution) snapshot() (Status, sandbox.Process) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.state, ex.proc
}

// write forwards one line of input to the process.
func (ex *execution) write(proc sandbox.Process, text string) error {
	ex.stdinMu.Lock()
	defer ex.stdinMu.Unlock()
	_, err := io.WriteString(proc.Stdin(), text+"\n")
	return err
}

// progressWriter turns launch progress into output events.
type progressWriter struct {
	sess *Session
}

func (w progressWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.sess.emit(Event{Type: EventOutput, Data: string(p)})
	}
	return len(p), nil
}

// pump copies one process stream to the session as events of type typ until
// the stream ends. Chunks are cut on rune boundaries.
func pump(wg *sync.WaitGroup, sess *Session, r io.Reader, typ string) {
	defer wg.Done()

	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(pending, buf[:n]...)
			cut := runeBoundary(chunk)
			if cut > 0 {
				sess.emit(Event{Type: typ, Data: string(chunk[:cut])})
			}
			pending = append([]byte(nil), chunk[cut:]...)
		}
		if err != nil {
			if len(pending) > 0 {
				sess.emit(Event{Type: typ, Data: string(pending)})
			}
			return
		}
	}
}

// runeBoundary returns the length of the longest prefix of b that does not end
// inside an incomplete UTF-8 sequence.
func runeBoundary(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			break
		}
	}
	return len(b)
}
