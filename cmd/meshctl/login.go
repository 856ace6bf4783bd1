package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var loginPassword string

var loginCmd = &cobra.Command{
	Use:   "login <room|repeater>",
	Short: "Log in to a room server or repeater",
	Long: `Log in to a room server or repeater by name or public key prefix. A
password given with --password is saved to the vault after a successful
login; without it the saved password is used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, cfg.Engine.SyncOnConnect, func(ctx context.Context, rt *runtime) error {
			sess, err := rt.openSession(ctx, args[0], loginPassword)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in to %s (%s) as %s\n", sess.Name, sess.Role, sess.Permission)
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout <room|repeater>",
	Short: "Log out of a remote node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, false, func(ctx context.Context, rt *runtime) error {
			contact, err := findContact(ctx, rt.store, cfg.DeviceID, args[0])
			if err != nil {
				return err
			}
			sess, err := rt.store.Sessions().GetByKey(ctx, cfg.DeviceID, contact.PublicKey)
			if err != nil {
				return err
			}
			if err := rt.engine.Nodes.Logout(ctx, sess.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged out of %s\n", sess.Name)
			return nil
		})
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <room|repeater>",
	Short: "Remove a remote node session and its saved password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, false, func(ctx context.Context, rt *runtime) error {
			contact, err := findContact(ctx, rt.store, cfg.DeviceID, args[0])
			if err != nil {
				return err
			}
			sess, err := rt.store.Sessions().GetByKey(ctx, cfg.DeviceID, contact.PublicKey)
			if err != nil {
				return err
			}
			if err := rt.engine.Nodes.RemoveSession(ctx, sess.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed session for %s\n", sess.Name)
			return nil
		})
	},
}

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password to log in with")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(forgetCmd)
}
