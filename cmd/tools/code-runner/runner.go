package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/michaelbrown/runbox/internal/session"
)

const maxOutput = 4000

type runner struct {
	manager *session.Manager
}

func (r *runner) handleCodeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	language, _ := args["language"].(string)
	code, _ := args["code"].(string)
	stdin, _ := args["stdin"].(string)

	if language == "" || code == "" {
		return errResult("error: 'language' and 'code' are required"), nil
	}

	res, err := r.execute(ctx, language, code, stdin)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	text := res.String()
	if len(text) > maxOutput {
		text = text[:maxOutput] + "\n... (output truncated)"
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: res.exitCode != 0,
	}, nil
}

// execute runs code in a one-off session and collects everything it prints.
func (r *runner) execute(ctx context.Context, language, code, stdin string) (*collector, error) {
	c := newCollector()
	sess, err := r.manager.Open(c)
	if err != nil {
		return nil, err
	}
	defer r.manager.Close(sess.ID)

	if err := r.manager.Run(sess.ID, language, code); err != nil {
		return nil, err
	}

	select {
	case <-c.started:
		for _, line := range inputLines(stdin) {
			if err := r.manager.Input(sess.ID, line); err != nil {
				break
			}
		}
	case <-c.done:
	case <-ctx.Done():
		r.manager.Stop(sess.ID)
		return nil, ctx.Err()
	}

	select {
	case <-c.done:
		return c, nil
	case <-ctx.Done():
		r.manager.Stop(sess.ID)
		return nil, ctx.Err()
	}
}

func inputLines(stdin string) []string {
	if stdin == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(stdin, "\n"), "\n")
}

// collector is a session.Sink that buffers one execution.
type collector struct {
	mu       sync.Mutex
	stdout   strings.Builder
	stderr   strings.Builder
	exitCode int
	stopped  string
	running  bool

	started     chan struct{}
	done        chan struct{}
	startedOnce sync.Once
	doneOnce    sync.Once
}

func newCollector() *collector {
	return &collector{
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *collector) Send(e session.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Type {
	case session.EventStarted:
		c.running = true
		c.startedOnce.Do(func() { close(c.started) })
	case session.EventOutput:
		// Output before start is image pull progress.
		if c.running {
			c.stdout.WriteString(e.Data)
		}
	case session.EventError:
		if e.Data != "" {
			c.stderr.WriteString(e.Data)
		} else {
			c.stderr.WriteString(e.Message + "\n")
		}
	case session.EventTerminated:
		if e.ExitCode != nil {
			c.exitCode = *e.ExitCode
		}
		c.doneOnce.Do(func() { close(c.done) })
	case session.EventStopped:
		c.stopped = e.Message
		c.exitCode = -1
		c.doneOnce.Do(func() { close(c.done) })
	}
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var output strings.Builder
	output.WriteString(c.stdout.String())
	if c.stderr.Len() > 0 {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("STDERR:\n" + c.stderr.String())
	}
	if c.stopped != "" {
		output.WriteString("\n" + c.stopped)
	} else if c.exitCode != 0 {
		output.WriteString(fmt.Sprintf("\nexit code: %d", c.exitCode))
	}
	return output.String()
}
