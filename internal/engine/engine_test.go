package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/runbox/internal/session"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Port = 3001
	cfg.Workspace.Dir = t.TempDir()
	cfg.Execution.Timeout = 5 * time.Second
	cfg.Execution.WaitGrace = time.Second
	cfg.Sandbox.Memory = "128m"
	cfg.Sandbox.CPUs = 1
	cfg.Sandbox.PidsLimit = 32
	cfg.Sandbox.Mount = "/code"
	cfg.Sandbox.ContainerPrefix = "test-"
	cfg.Teardown.Attempts = 2
	cfg.Teardown.Delay = 5 * time.Millisecond
	cfg.Languages.Default = "python"
	return cfg
}

func TestEngineRunsAndCleansUp(t *testing.T) {
	cfg := testConfig(t)
	rt := sandboxtest.NewRuntime("python:3.9-slim")
	rt.Script(func(p *sandboxtest.Process) {
		p.WriteStdout("ok\n")
		p.Exit(0)
	})

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)

	e, err := New(cfg, rt, store, zerolog.Nop())
	require.NoError(t, err)

	var mu sync.Mutex
	var events []session.Event
	sess, err := e.Manager.Open(session.SinkFunc(func(ev session.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}))
	require.NoError(t, err)

	require.NoError(t, e.Manager.Run(sess.ID, "python", "print('ok')"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0 && events[len(events)-1].Type == session.EventTerminated
	}, 3*time.Second, 10*time.Millisecond)

	started := rt.Started()
	require.Len(t, started, 1)
	assert.Equal(t, "test-"+sess.ID, started[0].Name)
	assert.Equal(t, int64(128*1024*1024), started[0].Policy.MemoryBytes)

	dir := filepath.Join(e.Workspaces.Root(), sess.ID)
	_, err = os.Stat(dir)
	require.NoError(t, err)

	e.Manager.Close(sess.ID)
	require.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return os.IsNotExist(err)
	}, 3*time.Second, 10*time.Millisecond)

	runs, err := e.Store.ListRuns(context.Background(), storage.RunListOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.StatusCompleted, runs[0].Status)

	require.NoError(t, e.Close())
}

func TestEngineLoadsLanguageFile(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "languages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
languages:
  - name: lua
    filename: main.lua
    image: nickblah/lua:5.4
    run: [lua, main.lua]
`), 0o644))
	cfg.Languages.File = path

	langs, err := LoadLanguages(cfg)
	require.NoError(t, err)
	spec, ok := langs.Lookup("lua")
	require.True(t, ok)
	assert.Equal(t, "nickblah/lua:5.4", spec.Image)
}

func TestEngineRejectsBadPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sandbox.Memory = "1k"

	_, err := New(cfg, sandboxtest.NewRuntime(), nil, zerolog.Nop())
	assert.Error(t, err)
}
