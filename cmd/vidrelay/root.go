package main

import (
	"github.com/spf13/cobra"

	"github.com/samvad-hq/vidrelay/internal/config"
)

func newRootCommand() *cobra.Command {
	var (
		envFile string
		addr    string
		token   string
		jsonOut bool
	)
	ctx := newCommandContext(&envFile, &addr, &token, &jsonOut)

	rootCmd := &cobra.Command{
		Use:           "vidrelay",
		Short:         "Relay new channel uploads to destination accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&envFile, "env-file", config.DefaultEnvFile, "Settings file loaded before the environment")
	flags.StringVar(&addr, "addr", "", "Control API address of the running daemon (default: control_addr)")
	flags.StringVar(&token, "token", "", "Control API bearer token (default: control_token)")
	flags.BoolVar(&jsonOut, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newChannelsCommand(ctx))
	rootCmd.AddCommand(newStartCommand(ctx))
	rootCmd.AddCommand(newStopCommand(ctx))
	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newLogsCommand(ctx))
	rootCmd.AddCommand(newSessionCommand(ctx))

	return rootCmd
}
