package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List or configure channel slots",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, false, func(ctx context.Context, rt *runtime) error {
			if _, err := rt.engine.Channels.SyncChannels(ctx, cfg.DeviceID); err != nil {
				return err
			}
			list, err := rt.engine.Channels.List(ctx, cfg.DeviceID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tNAME\tPUBLIC")
			for _, ch := range list {
				fmt.Fprintf(w, "%d\t%s\t%t\n", ch.Index, ch.Name, ch.IsPublic())
			}
			return w.Flush()
		})
	},
}

var channelSetCmd = &cobra.Command{
	Use:   "set <index> <name> [passphrase]",
	Short: "Write a channel slot; the secret derives from the passphrase or the name",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := parseSlot(args[0])
		if err != nil {
			return err
		}
		pass := args[1]
		if len(args) == 3 {
			pass = args[2]
		}
		return withEngine(cmd, false, func(ctx context.Context, rt *runtime) error {
			ch, err := rt.engine.Channels.SetChannel(ctx, cfg.DeviceID, idx, args[1], pass)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channel %d set to %q\n", ch.Index, ch.Name)
			return nil
		})
	},
}

var channelClearCmd = &cobra.Command{
	Use:   "clear <index>",
	Short: "Clear a channel slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := parseSlot(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, false, func(ctx context.Context, rt *runtime) error {
			if err := rt.engine.Channels.ClearChannel(ctx, cfg.DeviceID, idx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channel %d cleared\n", idx)
			return nil
		})
	},
}

var channelPublicCmd = &cobra.Command{
	Use:   "public",
	Short: "Reset slot 0 to the well-known Public channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, false, func(ctx context.Context, rt *runtime) error {
			if _, err := rt.engine.Channels.SetPublicChannel(ctx, cfg.DeviceID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "channel 0 set to Public")
			return nil
		})
	},
}

func parseSlot(raw string) (uint8, error) {
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid channel index %q", raw)
	}
	return uint8(v), nil
}

func init() {
	channelsCmd.AddCommand(channelSetCmd)
	channelsCmd.AddCommand(channelClearCmd)
	channelsCmd.AddCommand(channelPublicCmd)
	rootCmd.AddCommand(channelsCmd)
}
