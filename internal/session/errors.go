package session

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrLaunching       = errors.New("execution is still launching")
	ErrNoExecution     = errors.New("no active execution")
	ErrDuplicateID     = errors.New("duplicate session id")
)

// Describe returns the client-facing text for a control error.
func Describe(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "Session not found. Please refresh the page and try again."
	case errors.Is(err, ErrLaunching):
		return "Code execution is still initializing. Please wait a moment and try again."
	case errors.Is(err, ErrNoExecution):
		return "No active code execution. Please run your code first."
	default:
		return "Error sending input to process: " + err.Error()
	}
}
