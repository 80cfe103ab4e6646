package session

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusLaunching   Status = "launching"
	StatusRunning     Status = "running"
	StatusTerminating Status = "terminating"
	StatusClosed      Status = "closed"
)

// Session is one connected client and its current execution.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu       sync.Mutex
	sink     Sink
	language string
	current  *execution
	retiring *execution
	runs     int
	closing  bool
}

// Info is a read-only view of a session.
type Info struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Language  string    `json:"language,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Runs      int       `json:"runs"`
	CreatedAt time.Time `json:"created_at"`
}

func newSession(id string, sink Sink) *Session {
	return &Session{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		sink:      sink,
	}
}

// Status derives the session state from its current execution.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	if s.closing {
		return StatusClosed
	}
	if s.current == nil {
		return StatusIdle
	}
	return s.current.getState()
}

// Language returns the language of the latest run.
func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:        s.ID,
		Status:    s.statusLocked(),
		Language:  s.language,
		Runs:      s.runs,
		CreatedAt: s.CreatedAt,
	}
	if s.current != nil {
		info.RunID = s.current.id
	}
	return info
}

// emit delivers an event unless the client has gone away.
func (s *Session) emit(e Event) {
	s.mu.Lock()
	sink, closing := s.sink, s.closing
	s.mu.Unlock()
	if closing || sink == nil {
		return
	}
	if e.SessionID == "" && (e.Type == EventConnected || e.Type == EventStarted) {
		e.SessionID = s.ID
	}
	sink.Send(e)
}

func (s *Session) currentExecution() *execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// retire detaches ex from the session once its outcome is known. ex stays
// reachable as retiring so the next run still waits for its teardown.
func (s *Session) retire(ex *execution) {
	ex.setState(StatusClosed)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == ex {
		s.current = nil
		s.retiring = ex
	}
}

// pendingLocked returns the execution a new run or a close has to wait for.
func (s *Session) pendingLocked() *execution {
	if s.current != nil {
		return s.current
	}
	if s.retiring != nil {
		select {
		case <-s.retiring.done:
			s.retiring = nil
		default:
			return s.retiring
		}
	}
	return nil
}
