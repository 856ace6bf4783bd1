package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

// withEngine connects for the duration of fn.
func withEngine(cmd *cobra.Command, syncOnConnect bool, fn func(ctx context.Context, rt *runtime) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	rt, err := openRuntime(cfg, syncOnConnect)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.engine.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Transport.Address, err)
	}
	return fn(ctx, rt)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull contacts, channels and waiting messages from the radio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, false, func(ctx context.Context, rt *runtime) error {
			rep, err := rt.engine.Sync(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			mode := "full"
			if rep.Contacts.IsIncremental {
				mode = "incremental"
			}
			fmt.Fprintf(out, "contacts: %d (%s)\n", rep.Contacts.ContactsReceived, mode)
			fmt.Fprintf(out, "channels: %d", rep.Channels.ChannelsSynced)
			if len(rep.Channels.Errors) > 0 {
				fmt.Fprintf(out, " (%d failed)", len(rep.Channels.Errors))
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "messages: %d\n", rep.Messages)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
