package session

// Outbound event types.
const (
	EventConnected      = "connected"
	EventStarted        = "started"
	EventOutput         = "output"
	EventError          = "error"
	EventTerminated     = "terminated"
	EventStopped        = "stopped"
	EventInputProcessed = "inputProcessed"
)

// Exit codes reported for executions that did not produce their own.
const (
	ExitLaunchFailure = 1
	ExitTimeout       = 124
)

// Event is one message sent to the client of a session.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Success   *bool  `json:"success,omitempty"`
}

// Terminal reports whether the event ends an execution.
func (e Event) Terminal() bool {
	return e.Type == EventTerminated || e.Type == EventStopped
}

func terminatedEvent(code int) Event {
	return Event{Type: EventTerminated, ExitCode: &code}
}

// InputProcessed acknowledges a forwarded input line.
func InputProcessed() Event {
	ok := true
	return Event{Type: EventInputProcessed, Success: &ok}
}

// ErrorMessage is a control-plane error.
func ErrorMessage(msg string) Event {
	return Event{Type: EventError, Message: msg}
}

// Sink receives the events of one session. Send must be safe for concurrent use;
// events from a single stream are sent in order.
type Sink interface {
	Send(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Send(e Event) { f(e) }
