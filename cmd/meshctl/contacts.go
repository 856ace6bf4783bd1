package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List contacts mirrored from the radio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, true, func(ctx context.Context, rt *runtime) error {
			list, err := rt.engine.Contacts.List(ctx, cfg.DeviceID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tKEY\tPATH\tUNREAD")
			for _, c := range list {
				path := "flood"
				if !c.IsFloodRouted() {
					path = fmt.Sprintf("%d hops", c.PathLength)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", c.Name, c.Type, c.PublicKey.Prefix(), path, c.UnreadCount)
			}
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(contactsCmd)
}
