package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

var (
	sessionFilter string
	statusFilter  string
	limitFlag     int
	exportFormat  string
	exportOutput  string
)

var runsCmd = &cobra.Command{
	Use:     "runs",
	Aliases: []string{"run", "r"},
	Short:   "Inspect execution history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export runs as markdown or JSON",
	RunE:  runRunsExport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsExportCmd)

	for _, c := range []*cobra.Command{runsListCmd, runsExportCmd} {
		c.Flags().StringVar(&sessionFilter, "session", "", "Only runs of this session")
		c.Flags().StringVar(&statusFilter, "status", "", "Filter by status (running, completed, failed, timeout, stopped, replaced, disconnected)")
		c.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")
	}

	runsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	runsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
}

func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func listOptions() storage.RunListOptions {
	return storage.RunListOptions{
		SessionID: sessionFilter,
		Status:    storage.RunStatus(statusFilter),
		Limit:     limitFlag,
	}
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), listOptions())
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-10s %-12s %-13s %-5s %-10s %s\n", "ID", "SESSION", "LANGUAGE", "STATUS", "EXIT", "DURATION", "STARTED")
	fmt.Println(strings.Repeat("─", 80))

	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		fmt.Printf("%-10s %-10s %-12s %-13s %-5s %-10s %s\n",
			short(r.ID), short(r.SessionID), r.Language, r.Status, exit,
			r.Duration().Round(10*time.Millisecond), timeAgo(r.StartedAt))
	}

	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:      %s\n", r.ID)
	fmt.Printf("Session:  %s\n", r.SessionID)
	fmt.Printf("Language: %s\n", r.Language)
	fmt.Printf("Image:    %s\n", r.Image)
	fmt.Printf("Status:   %s\n", r.Status)
	if r.ExitCode != nil {
		fmt.Printf("Exit:     %d\n", *r.ExitCode)
	}
	fmt.Printf("Started:  %s\n", r.StartedAt.Format(time.RFC3339))
	if r.EndedAt != nil {
		fmt.Printf("Ended:    %s\n", r.EndedAt.Format(time.RFC3339))
	}
	fmt.Printf("Duration: %s\n", r.Duration().Round(time.Millisecond))
	return nil
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), listOptions())
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(runs)
		if err != nil {
			return err
		}
		output = string(data)
	default:
		output = storage.ExportMarkdown(runs)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
