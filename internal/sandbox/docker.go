package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

// DockerRuntime runs sandboxes as Docker containers through the Engine API.
type DockerRuntime struct {
	client *client.Client
	logger zerolog.Logger
}

// NewDockerRuntime connects to the engine configured in the environment.
func NewDockerRuntime(logger zerolog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker not reachable: %w", err)
	}

	return &DockerRuntime{client: cli, logger: logger}, nil
}

func (d *DockerRuntime) ImageExists(ctx context.Context, img string) (bool, error) {
	_, err := d.client.ImageInspect(ctx, img)
	if err == nil {
		return true, nil
	}
	if cerrdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting image %s: %w", img, err)
}

func (d *DockerRuntime) PullImage(ctx context.Context, img string, progress io.Writer) error {
	d.logger.Info().Str("image", img).Msg("pulling image")

	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", img, err)
	}
	defer reader.Close()

	dec := json.NewDecoder(reader)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("pulling image %s: %s", img, msg.Error.Message)
		}
		// Progress bar ticks are too chatty to forward.
		if msg.Progress != nil || msg.Status == "" {
			continue
		}
		line := msg.Status
		if msg.ID != "" {
			line = msg.ID + ": " + line
		}
		fmt.Fprintf(progress, "%s\r\n", line)
	}

	d.logger.Info().Str("image", img).Msg("pulled image")
	return nil
}

func (d *DockerRuntime) Start(ctx context.Context, spec ContainerSpec) (Process, error) {
	pids := spec.Policy.PidsLimit

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Command,
		WorkingDir:      spec.Policy.MountPath,
		OpenStdin:       true,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		Tty:             false,
		NetworkDisabled: true,
		Labels:          spec.Labels,
	}

	hostCfg := &container.HostConfig{
		Binds:       []string{spec.WorkspaceDir + ":" + spec.Policy.MountPath + ":rw"},
		NetworkMode: container.NetworkMode("none"),
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     spec.Policy.MemoryBytes,
			MemorySwap: spec.Policy.MemoryBytes, // no swap
			NanoCPUs:   spec.Policy.NanoCPUs,
			PidsLimit:  &pids,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	hijacked, err := d.client.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		d.discard(resp.ID)
		return nil, fmt.Errorf("attaching container: %w", err)
	}

	// Register for the exit before starting so a fast exit is not missed.
	waitCh, errCh := d.client.ContainerWait(context.Background(), resp.ID, container.WaitConditionNextExit)

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		hijacked.Close()
		d.discard(resp.ID)
		return nil, fmt.Errorf("starting container: %w", err)
	}

	p := newDockerProcess(d, resp.ID, spec.Name, hijacked)
	go p.demux()
	go p.wait(waitCh, errCh)

	d.logger.Debug().Str("container", spec.Name).Str("id", shortID(resp.ID)).Msg("container started")
	return p, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, name string) error {
	timeout := 0
	err := d.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err == nil || cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("stopping container %s: %w", name, err)
}

func (d *DockerRuntime) Remove(ctx context.Context, name string) error {
	err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err == nil || cerrdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("removing container %s: %w", name, err)
}

// Close closes the Docker client.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

func (d *DockerRuntime) discard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		d.logger.Warn().Err(err).Str("id", shortID(id)).Msg("removing half-created container")
	}
}

type dockerProcess struct {
	rt      *DockerRuntime
	id      string
	name    string
	conn    types.HijackedResponse
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exited    chan struct{}
	code      int
	err       error
	closeOnce sync.Once
}

func newDockerProcess(rt *DockerRuntime, id, name string, conn types.HijackedResponse) *dockerProcess {
	p := &dockerProcess{
		rt:     rt,
		id:     id,
		name:   name,
		conn:   conn,
		exited: make(chan struct{}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

// demux splits the multiplexed attach stream until the container goes away.
func (p *dockerProcess) demux() {
	_, err := stdcopy.StdCopy(p.stdoutW, p.stderrW, p.conn.Reader)
	p.stdoutW.CloseWithError(err)
	p.stderrW.CloseWithError(err)
}

func (p *dockerProcess) wait(waitCh <-chan container.WaitResponse, errCh <-chan error) {
	defer close(p.exited)
	select {
	case res := <-waitCh:
		p.code = int(res.StatusCode)
		if res.Error != nil {
			p.err = errors.New(res.Error.Message)
		}
	case err := <-errCh:
		p.code = -1
		p.err = fmt.Errorf("waiting for container: %w", err)
	}
}

func (p *dockerProcess) Container() string { return p.name }
func (p *dockerProcess) Stdin() io.Writer  { return deadlineWriter{p.conn.Conn, stdinWriteTimeout} }
func (p *dockerProcess) Stdout() io.Reader { return p.stdoutR }
func (p *dockerProcess) Stderr() io.Reader { return p.stderrR }

func (p *dockerProcess) Wait() (int, error) {
	<-p.exited
	return p.code, p.err
}

func (p *dockerProcess) Kill(ctx context.Context) error {
	err := p.rt.client.ContainerKill(ctx, p.id, "SIGKILL")
	if err == nil || cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("killing container %s: %w", p.name, err)
}

func (p *dockerProcess) Close() error {
	p.closeOnce.Do(func() {
		p.conn.Close()
	})
	return nil
}

// stdinWriteTimeout bounds a single write to a container that stopped reading its input.
const stdinWriteTimeout = 5 * time.Second

type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(b []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return 0, fmt.Errorf("setting stdin deadline: %w", err)
	}
	n, err := w.conn.Write(b)
	if err != nil {
		return n, fmt.Errorf("writing stdin: %w", err)
	}
	return n, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
