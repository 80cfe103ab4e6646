package sandbox

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrImageUnavailable is returned when the execution image is neither present nor pullable.
	ErrImageUnavailable = errors.New("image unavailable")
	// ErrInvalidSessionID is returned for ids that cannot name a workspace.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// ContainerSpec describes a sandbox container to start.
type ContainerSpec struct {
	Name         string
	Image        string
	Command      []string
	WorkspaceDir string // host directory mounted at Policy.MountPath
	Policy       Policy
	Labels       map[string]string
}

// Process is a running sandboxed program with attached standard streams.
type Process interface {
	// Container returns the name of the backing container.
	Container() string
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the program exits and returns its exit code.
	Wait() (int, error)
	// Kill sends SIGKILL. Killing an exited process is not an error.
	Kill(ctx context.Context) error
	// Close releases the attached streams.
	Close() error
}

// Runtime is the container engine as seen by the launcher.
type Runtime interface {
	ImageExists(ctx context.Context, image string) (bool, error)
	// PullImage pulls image, writing human readable progress lines to progress.
	PullImage(ctx context.Context, image string, progress io.Writer) error
	Start(ctx context.Context, spec ContainerSpec) (Process, error)
	// Stop stops a container immediately. Unknown containers are not an error.
	Stop(ctx context.Context, name string) error
	// Remove force-removes a container. Unknown containers are not an error.
	Remove(ctx context.Context, name string) error
}
