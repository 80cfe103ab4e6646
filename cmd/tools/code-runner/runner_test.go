package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/runbox/internal/session"
)

func newTestRunner(t *testing.T, script func(*sandboxtest.Process)) *runner {
	t.Helper()
	rt := sandboxtest.NewRuntime("python:3.9-slim")
	rt.Script(script)

	ws, err := sandbox.NewWorkspaces(t.TempDir())
	require.NoError(t, err)
	launcher := sandbox.NewLauncher(rt, ws, language.NewTable("python"), sandbox.LauncherConfig{
		Policy:        sandbox.DefaultPolicy(),
		TeardownDelay: 5 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})
	mgr := session.NewManager(launcher, session.Options{
		Timeout:   2 * time.Second,
		WaitGrace: time.Second,
		Logger:    zerolog.Nop(),
	})
	return &runner{manager: mgr}
}

func callCodeRun(t *testing.T, r *runner, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Name = "code_run"
	req.Params.Arguments = args

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := r.handleCodeRun(ctx, req)
	require.NoError(t, err)
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestCodeRunCollectsOutputAndStdin(t *testing.T) {
	r := newTestRunner(t, func(p *sandboxtest.Process) {
		for strings.Count(p.StdinString(), "\n") < 2 {
			time.Sleep(2 * time.Millisecond)
		}
		p.WriteStdout(strings.ToUpper(p.StdinString()))
		p.Exit(0)
	})

	res := callCodeRun(t, r, map[string]any{"language": "python", "code": "...", "stdin": "a\nb\n"})
	assert.False(t, res.IsError)
	assert.Equal(t, "A\nB\n", resultText(t, res))
}

func TestCodeRunReportsFailure(t *testing.T) {
	r := newTestRunner(t, func(p *sandboxtest.Process) {
		p.WriteStderr("Traceback\n")
		p.Exit(2)
	})

	res := callCodeRun(t, r, map[string]any{"language": "python", "code": "raise"})
	assert.True(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, "STDERR:\nTraceback")
	assert.Contains(t, text, "exit code: 2")
}

func TestCodeRunRequiresArguments(t *testing.T) {
	r := newTestRunner(t, func(p *sandboxtest.Process) { p.Exit(0) })

	res := callCodeRun(t, r, map[string]any{"language": "python"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "required")
}

func TestInputLines(t *testing.T) {
	assert.Nil(t, inputLines(""))
	assert.Equal(t, []string{"a"}, inputLines("a\n"))
	assert.Equal(t, []string{"a", "", "b"}, inputLines("a\n\nb"))
}
