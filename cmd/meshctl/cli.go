package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/danmuck/meshlink/internal/repeater"
	"github.com/spf13/cobra"
)

var (
	cliSection string
	cliStatus  bool
)

var cliCmd = &cobra.Command{
	Use:   "cli <repeater> [command...]",
	Short: "Run an admin command on a repeater",
	Long: `Run an admin command on a repeater and print its reply. With --section
the named settings group (device, identity, radio, behavior) is loaded
instead; with --status the repeater's counters are printed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := strings.TrimSpace(strings.Join(args[1:], " "))
		if command == "" && cliSection == "" && !cliStatus {
			return fmt.Errorf("a command, --section or --status is required")
		}
		return withEngine(cmd, cfg.Engine.SyncOnConnect, func(ctx context.Context, rt *runtime) error {
			sess, err := rt.openSession(ctx, args[0], "")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case cliStatus:
				stats, err := rt.engine.Repeaters.RequestStatus(ctx, sess.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%+v\n", stats)
				return nil
			case cliSection != "":
				res, err := rt.engine.Repeaters.LoadSection(ctx, sess.ID, repeater.Section(cliSection))
				printSection(cmd, res)
				return err
			default:
				reply, err := rt.engine.Repeaters.SendCommand(ctx, sess.ID, command, repeater.MatcherFor(command))
				if err != nil {
					return err
				}
				fmt.Fprintln(out, reply)
				return nil
			}
		})
	},
}

func printSection(cmd *cobra.Command, res repeater.SectionResult) {
	keys := make([]string, 0, len(res.Values))
	for k := range res.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, res.Values[k])
	}
	for _, k := range res.Unsupported {
		fmt.Fprintf(w, "%s\t(unsupported)\n", k)
	}
	for _, k := range res.Missing {
		fmt.Fprintf(w, "%s\t(no reply)\n", k)
	}
	_ = w.Flush()
}

func init() {
	cliCmd.Flags().StringVar(&cliSection, "section", "", "load a settings section")
	cliCmd.Flags().BoolVar(&cliStatus, "status", false, "request repeater status")
	rootCmd.AddCommand(cliCmd)
}
