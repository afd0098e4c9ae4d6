package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gitpulse/gitpulse/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the analytics API server",
	Long: `Start the HTTP API server. Endpoints live under /api/v1 and cover
health, commit fetching, authors, change-size deviations, day-of-week
activity, and commit-message word frequencies.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, orchestrator := buildPipeline(store)
	server := api.NewServer(cfg.Server.Addr, store, engine, orchestrator,
		cfg.GitHub.DefaultOwner, cfg.GitHub.DefaultRepo, logger)

	fmt.Printf("🚀 GitPulse API listening on %s\n", cfg.Server.Addr)
	return server.ListenAndServe(ctx)
}
