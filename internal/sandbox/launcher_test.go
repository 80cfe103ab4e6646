package sandbox_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/sandbox/sandboxtest"
)

func newLauncher(t *testing.T, rt sandbox.Runtime) (*sandbox.Launcher, *sandbox.Workspaces) {
	t.Helper()
	ws, err := sandbox.NewWorkspaces(t.TempDir())
	require.NoError(t, err)

	l := sandbox.NewLauncher(rt, ws, language.NewTable("python"), sandbox.LauncherConfig{
		Policy:           sandbox.DefaultPolicy(),
		ContainerPrefix:  "runbox-",
		TeardownAttempts: 3,
		TeardownDelay:    10 * time.Millisecond,
		Logger:           zerolog.Nop(),
	})
	return l, ws
}

func TestLaunchWritesWorkspaceAndAppliesPolicy(t *testing.T) {
	rt := sandboxtest.NewRuntime("python:3.9-slim")
	l, ws := newLauncher(t, rt)
	id := uuid.NewString()

	var progress bytes.Buffer
	proc, err := l.Launch(context.Background(), sandbox.LaunchRequest{
		SessionID: id,
		Language:  "python",
		Code:      `print("hi")`,
	}, &progress)
	require.NoError(t, err)
	defer proc.Close()

	dir, err := ws.Path(id)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, `print("hi")`, string(data))

	started := rt.Started()
	require.Len(t, started, 1)
	spec := started[0]
	assert.Equal(t, "runbox-"+id, spec.Name)
	assert.Equal(t, "python:3.9-slim", spec.Image)
	assert.Equal(t, []string{"python", "main.py"}, spec.Command)
	assert.Equal(t, dir, spec.WorkspaceDir)
	assert.Equal(t, int64(512*1024*1024), spec.Policy.MemoryBytes)
	assert.Equal(t, int64(5e8), spec.Policy.NanoCPUs)
	assert.Equal(t, "/code", spec.Policy.MountPath)
	assert.Equal(t, id, spec.Labels["runbox.session"])

	assert.Empty(t, rt.Pulls(), "present image must not be pulled")
	assert.Empty(t, progress.String())
}

func TestLaunchUnknownLanguageUsesDefault(t *testing.T) {
	rt := sandboxtest.NewRuntime("python:3.9-slim")
	l, _ := newLauncher(t, rt)

	proc, err := l.Launch(context.Background(), sandbox.LaunchRequest{
		SessionID: uuid.NewString(),
		Language:  "klingon",
		Code:      "x",
	}, &bytes.Buffer{})
	require.NoError(t, err)
	defer proc.Close()

	assert.Equal(t, "python:3.9-slim", rt.Started()[0].Image)
}

func TestLaunchPullsMissingImage(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	rt.FailPull([]string{"3.9-slim: Pulling from library/python", "Status: Downloaded newer image"}, nil)
	l, _ := newLauncher(t, rt)

	var progress bytes.Buffer
	proc, err := l.Launch(context.Background(), sandbox.LaunchRequest{
		SessionID: uuid.NewString(),
		Language:  "python",
		Code:      "pass",
	}, &progress)
	require.NoError(t, err)
	defer proc.Close()

	assert.Equal(t, []string{"python:3.9-slim"}, rt.Pulls())
	out := progress.String()
	assert.Contains(t, out, "Setting the environment for python:3.9-slim")
	assert.Contains(t, out, "Pulling from library/python")
	assert.Contains(t, out, "Successfully pulled Docker image python:3.9-slim")
}

func TestLaunchPullFailureStartsNothing(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	rt.FailPull(nil, errors.New("manifest unknown"))
	l, _ := newLauncher(t, rt)

	_, err := l.Launch(context.Background(), sandbox.LaunchRequest{
		SessionID: uuid.NewString(),
		Language:  "python",
		Code:      "pass",
	}, &bytes.Buffer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrImageUnavailable)
	assert.Empty(t, rt.Started())
}

func TestLaunchRejectsInvalidSessionID(t *testing.T) {
	rt := sandboxtest.NewRuntime("python:3.9-slim")
	l, _ := newLauncher(t, rt)

	_, err := l.Launch(context.Background(), sandbox.LaunchRequest{
		SessionID: "../../etc",
		Language:  "python",
		Code:      "pass",
	}, &bytes.Buffer{})
	assert.ErrorIs(t, err, sandbox.ErrInvalidSessionID)
	assert.Empty(t, rt.Started())
}

func TestTeardownKillsAndRemoves(t *testing.T) {
	rt := sandboxtest.NewRuntime("python:3.9-slim")
	l, _ := newLauncher(t, rt)
	id := uuid.NewString()

	proc, err := l.Launch(context.Background(), sandbox.LaunchRequest{SessionID: id, Language: "python"}, &bytes.Buffer{})
	require.NoError(t, err)

	require.NoError(t, l.Teardown(context.Background(), proc))

	p := rt.Processes()[0]
	assert.True(t, p.Killed())
	assert.True(t, p.Closed())
	assert.Contains(t, rt.Removed(), "runbox-"+id)
	assert.Zero(t, rt.Violations())
}

func TestTeardownRetriesRemoval(t *testing.T) {
	rt := sandboxtest.NewRuntime("python:3.9-slim")
	l, _ := newLauncher(t, rt)
	id := uuid.NewString()

	proc, err := l.Launch(context.Background(), sandbox.LaunchRequest{SessionID: id, Language: "python"}, &bytes.Buffer{})
	require.NoError(t, err)

	rt.FailRemove(errors.New("removal of container is already in progress"))
	require.NoError(t, l.Teardown(context.Background(), proc))
	assert.Contains(t, rt.Removed(), "runbox-"+id)
}

func TestTeardownGivesUpAfterAttempts(t *testing.T) {
	rt := sandboxtest.NewRuntime("python:3.9-slim")
	l, _ := newLauncher(t, rt)

	proc, err := l.Launch(context.Background(), sandbox.LaunchRequest{SessionID: uuid.NewString(), Language: "python"}, &bytes.Buffer{})
	require.NoError(t, err)

	boom := errors.New("engine unavailable")
	rt.FailRemove(boom, boom, boom, boom, boom)
	err = l.Teardown(context.Background(), proc)
	require.Error(t, err)
	assert.True(t, rt.Processes()[0].Killed(), "process is killed even when removal fails")
}

func TestPullAll(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	l, _ := newLauncher(t, rt)

	var progress bytes.Buffer
	require.NoError(t, l.PullAll(context.Background(), &progress))
	assert.Len(t, rt.Pulls(), len(language.NewTable("python").Images()))
}
