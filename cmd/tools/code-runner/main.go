package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/engine"
)

func main() {
	cfg, err := config.Load(os.Getenv("RUNBOX_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	// stdout carries the MCP protocol.
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("tool", "code-runner").Logger()

	eng, err := engine.Open(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("starting engine")
	}
	defer eng.Close()

	r := &runner{manager: eng.Manager}

	var langs []string
	for _, s := range eng.Languages.List() {
		langs = append(langs, s.Name)
	}

	s := server.NewMCPServer("runbox-code-runner", "0.1.0")
	s.AddTool(mcp.Tool{
		Name:        "code_run",
		Description: fmt.Sprintf("Execute code in a Docker sandbox. Supported languages: %s.", strings.Join(langs, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language (" + strings.Join(langs, ", ") + ")",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input to provide to the program, one line per read (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}, r.handleCodeRun)

	if err := server.ServeStdio(s); err != nil {
		logger.Error().Err(err).Msg("server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Execution.Timeout+cfg.Execution.WaitGrace)
	defer cancel()
	eng.Manager.Shutdown(ctx)
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
