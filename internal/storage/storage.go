package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no run matches an id.
var ErrNotFound = errors.New("run not found")

// RunStatus is the outcome of an execution.
type RunStatus string

const (
	StatusRunning      RunStatus = "running"
	StatusCompleted    RunStatus = "completed"
	StatusFailed       RunStatus = "failed"
	StatusTimeout      RunStatus = "timeout"
	StatusStopped      RunStatus = "stopped"
	StatusReplaced     RunStatus = "replaced"
	StatusDisconnected RunStatus = "disconnected"
)

// Run is the history record of one execution.
type Run struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Language  string     `json:"language"`
	Image     string     `json:"image"`
	Status    RunStatus  `json:"status"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Duration returns how long the run took, or how long it has been running.
func (r Run) Duration() time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	SessionID string
	Status    RunStatus
	Limit     int
	Offset    int
}

// Store is the persistence interface for run history.
type Store interface {
	// CreateRun inserts a run. The ID field must be set by the caller.
	CreateRun(ctx context.Context, r *Run) error

	// FinishRun records the outcome of a run.
	FinishRun(ctx context.Context, id string, status RunStatus, exitCode *int) error

	// GetRun returns a run by ID or ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by started_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// Close releases resources.
	Close() error
}
