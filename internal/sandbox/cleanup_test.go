package sandbox_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/sandbox/sandboxtest"
)

func containerName(id string) string { return "runbox-" + id }

func TestCleanerRemovesWorkspaceAndContainer(t *testing.T) {
	ws, err := sandbox.NewWorkspaces(t.TempDir())
	require.NoError(t, err)
	rt := sandboxtest.NewRuntime()
	c := sandbox.NewCleaner(ws, rt, containerName, zerolog.Nop())
	c.Start()

	id := uuid.NewString()
	dir, err := ws.Prepare(id, "main.py", "pass")
	require.NoError(t, err)

	c.Enqueue(id)
	c.Stop()

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, rt.Removed(), "runbox-"+id)
}

func TestCleanerToleratesFailures(t *testing.T) {
	ws, err := sandbox.NewWorkspaces(t.TempDir())
	require.NoError(t, err)
	rt := sandboxtest.NewRuntime()
	rt.FailRemove(errors.New("engine unavailable"))
	c := sandbox.NewCleaner(ws, rt, containerName, zerolog.Nop())

	id := uuid.NewString()
	dir, err := ws.Prepare(id, "main.py", "pass")
	require.NoError(t, err)

	// A container that could not be confirmed removed must not keep the workspace around.
	c.Clean(context.Background(), id)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	// Unknown ids and repeated calls are harmless.
	c.Clean(context.Background(), "not-a-session")
	c.Clean(context.Background(), id)
}

func TestCleanerEnqueueAfterStop(t *testing.T) {
	ws, err := sandbox.NewWorkspaces(t.TempDir())
	require.NoError(t, err)
	c := sandbox.NewCleaner(ws, nil, nil, zerolog.Nop())
	c.Start()
	c.Stop()

	id := uuid.NewString()
	dir, err := ws.Prepare(id, "main.py", "pass")
	require.NoError(t, err)

	c.Enqueue(id)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
}
