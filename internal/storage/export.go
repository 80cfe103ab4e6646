package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExportMarkdown renders runs as a markdown table.
func ExportMarkdown(runs []Run) string {
	var b strings.Builder

	b.WriteString("# Runs\n\n")
	b.WriteString("| Run | Session | Language | Status | Exit | Started | Duration |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")

	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		b.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %s | %s |\n",
			shortID(r.ID), shortID(r.SessionID), r.Language, r.Status, exit,
			r.StartedAt.Format("2006-01-02 15:04:05"), r.Duration().Round(time.Millisecond)))
	}

	return b.String()
}

// ExportJSON renders runs as formatted JSON.
func ExportJSON(runs []Run) ([]byte, error) {
	export := struct {
		Runs []Run `json:"runs"`
	}{
		Runs: runs,
	}
	return json.MarshalIndent(export, "", "  ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
