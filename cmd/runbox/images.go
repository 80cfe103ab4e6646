package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/engine"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Manage sandbox images",
}

var imagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured languages and their images",
	RunE:  runImagesList,
}

var imagesPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull every configured image that is not present locally",
	RunE:  runImagesPull,
}

func init() {
	rootCmd.AddCommand(imagesCmd)
	imagesCmd.AddCommand(imagesListCmd, imagesPullCmd)
}

func runImagesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	langs, err := engine.LoadLanguages(cfg)
	if err != nil {
		return err
	}

	fmt.Printf("%-12s %-12s %-24s %s\n", "LANGUAGE", "FILE", "IMAGE", "COMMAND")
	for _, s := range langs.List() {
		marker := ""
		if s.Name == langs.Default() {
			marker = " (default)"
		}
		fmt.Printf("%-12s %-12s %-24s %v%s\n", s.Name, s.Filename, s.Image, s.RunCommand, marker)
	}
	return nil
}

func runImagesPull(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	langs, err := engine.LoadLanguages(cfg)
	if err != nil {
		return err
	}
	ws, err := sandbox.NewWorkspaces(cfg.Workspace.Dir)
	if err != nil {
		return err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	rt, err := sandbox.NewDockerRuntime(logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	launcher := sandbox.NewLauncher(rt, ws, langs, sandbox.LauncherConfig{
		Policy:          policy,
		ContainerPrefix: cfg.Sandbox.ContainerPrefix,
		Logger:          logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return launcher.PullAll(ctx, os.Stdout)
}
