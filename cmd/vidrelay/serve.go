package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/samvad-hq/vidrelay/internal/app"
	"github.com/samvad-hq/vidrelay/internal/logger"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log, err := logger.Init(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = logger.Close() }()

			log.InfoObj("vidrelay starting", "config", map[string]any{
				"env":                cfg.Env,
				"channels_file":      cfg.ChannelsFile,
				"notifiers_file":     cfg.NotifiersFile,
				"storage_type":       cfg.StorageType,
				"control_addr":       cfg.ControlAddr,
				"push_port":          cfg.PushPort,
				"push_base_url":      cfg.PushBaseURL,
				"global_concurrency": cfg.GlobalConcurrency,
			})

			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			orch, err := app.New(sigCtx, cfg, log, app.Options{})
			if err != nil {
				log.ErrorObj("failed to initialize orchestrator", "error", err)
				return err
			}
			if err := orch.Run(sigCtx); err != nil {
				return fmt.Errorf("orchestrator run: %w", err)
			}
			return nil
		},
	}
}
