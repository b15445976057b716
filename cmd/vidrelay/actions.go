package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start <channel-id>",
		Short: "Start a channel's scheduler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Start(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channel %s started\n", args[0])
			return nil
		},
	}
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <channel-id>",
		Short: "Stop a channel's scheduler; running items finish within the grace period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Stop(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channel %s stopping\n", args[0])
			return nil
		},
	}
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "run <channel-id> <video-url>",
		Short: "Fetch, render and publish one video now",
		Long:  "Queues a one-off run on the daemon. The freshness window does not apply; an already processed video needs --force.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Trigger(cmd.Context(), args[0], args[1], force)
			if err != nil {
				return err
			}
			if ctx.wantJSON(cmd) {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s on %s\n", resp.Item.SourceID, args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Run even if the video was already processed")
	return cmd
}

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <channel-id>",
		Short: "Show a channel's recent log lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Logs(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if ctx.wantJSON(cmd) {
				return writeJSON(cmd, resp)
			}
			rows := make([][]string, 0, len(resp.Lines))
			for _, l := range resp.Lines {
				fields := ""
				if l.Fields != nil {
					fields = truncate(fmt.Sprint(l.Fields), 80)
				}
				rows = append(rows, []string{formatTime(l.At), l.Level, l.Message, dash(fields)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Time", "Level", "Message", "Fields"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of lines")
	return cmd
}
