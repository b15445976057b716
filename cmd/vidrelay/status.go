package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/samvad-hq/vidrelay/internal/control"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			sum, err := client.Summary(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.wantJSON(cmd) {
				return writeJSON(cmd, sum)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSummary(sum))
			return nil
		},
	}
}

func renderSummary(sum control.Summary) string {
	rows := [][]string{
		{"Started", formatTime(sum.StartedAt)},
		{"Channels", strconv.Itoa(sum.Channels)},
		{"Running", strconv.Itoa(sum.Running)},
		{"Invalid", strconv.Itoa(sum.Invalid)},
		{"In flight", fmt.Sprintf("%d / %d", sum.InFlight, sum.GlobalConcurrency)},
		{"Push callback", dash(sum.PushCallback)},
		{"Notifications", fmt.Sprintf("%d sent, %d failed", sum.NotificationsSent, sum.NotificationFailures)},
	}
	if sum.Push != nil {
		rows = append(rows,
			[]string{"Push notifications", strconv.FormatInt(sum.Push.Notifications, 10)},
			[]string{"Push entries", fmt.Sprintf("%d accepted, %d dropped", sum.Push.Entries, sum.Push.Dropped)},
			[]string{"Last push", formatTime(sum.Push.LastNotification)},
		)
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}

func newChannelsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List channels and their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			views, err := client.Channels(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.wantJSON(cmd) {
				return writeJSON(cmd, control.ChannelsResponse{Channels: views})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderChannels(views))
			return nil
		},
	}
	cmd.AddCommand(newChannelShowCommand(ctx))
	return cmd
}

func renderChannels(views []control.ChannelView) string {
	headers := []string{"ID", "Name", "State", "Detect", "Publish", "In flight", "Failures", "Last scan", "Error"}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		state := v.Health.State
		if v.Invalid != "" {
			state = "invalid"
		} else if !v.Enabled && !v.Running {
			state = "disabled"
		}
		errText := v.Invalid
		if errText == "" {
			errText = v.Health.LastError
		}
		if v.Health.PublishHalted {
			errText = strings.TrimSpace("publish halted " + errText)
		}
		rows = append(rows, []string{
			v.ID,
			v.Name,
			dash(state),
			dash(v.DetectMethod),
			dash(v.PublishMethod),
			strconv.Itoa(v.Health.InFlight),
			strconv.Itoa(v.Health.ConsecutiveFailures),
			formatTime(v.Health.LastSuccessfulScan),
			dash(truncate(errText, 60)),
		})
	}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight}
	return renderTable(headers, rows, aligns)
}

func newChannelShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <channel-id>",
		Short: "Show one channel's credentials, session and recent runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			detail, err := client.Channel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.wantJSON(cmd) {
				return writeJSON(cmd, detail)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderChannels([]control.ChannelView{detail.ChannelView}))

			session := "valid"
			if !detail.SessionValid {
				session = "invalid: " + detail.SessionError
			}
			fmt.Fprintf(out, "session: %s\n", session)
			if detail.Subscription != nil {
				fmt.Fprintf(out, "push subscription: %s (expires %s)\n", detail.Subscription.State, formatTime(detail.Subscription.ExpiresAt))
			}

			keyRows := make([][]string, 0, len(detail.Keys))
			for _, k := range detail.Keys {
				keyRows = append(keyRows, []string{strconv.Itoa(k.Index), k.Hint, yesNo(k.Exhausted), formatTime(k.ExhaustedUntil), dash(string(k.Reason))})
			}
			if len(keyRows) > 0 {
				fmt.Fprintln(out, renderTable([]string{"#", "Key", "Exhausted", "Until", "Reason"}, keyRows, []columnAlignment{alignRight}))
			}

			runRows := make([][]string, 0, len(detail.RecentRuns))
			for _, r := range detail.RecentRuns {
				runRows = append(runRows, []string{
					r.Item.SourceID,
					string(r.Item.Source),
					dash(string(r.Outcome)),
					string(r.Stage),
					dash(r.RenderPlan),
					dash(r.PlatformID),
					formatTime(r.CompletedAt),
					dash(truncate(r.Error, 50)),
				})
			}
			if len(runRows) > 0 {
				fmt.Fprintln(out, renderTable([]string{"Item", "Source", "Outcome", "Stage", "Render", "Published as", "Completed", "Error"}, runRows, nil))
			}
			return nil
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
