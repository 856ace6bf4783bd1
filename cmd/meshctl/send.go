package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/meshlink/internal/model"
	"github.com/spf13/cobra"
)

var (
	sendWait    bool
	sendChannel bool
)

var sendCmd = &cobra.Command{
	Use:   "send <contact|channel-index> <text...>",
	Short: "Send a direct or channel message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args[1:], " ")
		return withEngine(cmd, cfg.Engine.SyncOnConnect, func(ctx context.Context, rt *runtime) error {
			out := cmd.OutOrStdout()
			if sendChannel {
				idx, err := strconv.ParseUint(args[0], 10, 8)
				if err != nil {
					return fmt.Errorf("invalid channel index %q", args[0])
				}
				msg, err := rt.engine.Messages.SendChannel(ctx, cfg.DeviceID, uint8(idx), text)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "sent to channel %d (%s)\n", idx, msg.Status)
				return nil
			}

			contact, err := findContact(ctx, rt.store, cfg.DeviceID, args[0])
			if err != nil {
				return err
			}
			res, err := rt.engine.Messages.SendDirect(ctx, cfg.DeviceID, contact.ID, text)
			if err != nil {
				return err
			}
			route := "direct"
			if res.IsFlood {
				route = "flood"
			}
			fmt.Fprintf(out, "sent to %s via %s, ack %08x, attempts %d\n", contact.Name, route, res.AckCode, res.AttemptCount)
			if !sendWait {
				return nil
			}
			status, err := waitForDelivery(ctx, rt, res.MessageID, res.Timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "status: %s\n", status)
			return nil
		})
	},
}

var errDeliveryTimeout = errors.New("no delivery confirmation")

// waitForDelivery polls the stored message while the engine sweeps acks.
func waitForDelivery(ctx context.Context, rt *runtime, messageID string, timeout time.Duration) (model.MessageStatus, error) {
	deadline := time.Now().Add(timeout + cfg.Session.AckGrace + time.Second)
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case now := <-tick.C:
			rt.engine.Messages.CheckExpiredAcks(ctx, now)
			msg, err := rt.store.Messages().Get(ctx, messageID)
			if err != nil {
				return "", err
			}
			if msg.Status == model.StatusDelivered || msg.Status == model.StatusFailed {
				return msg.Status, nil
			}
			if now.After(deadline) {
				return msg.Status, errDeliveryTimeout
			}
		}
	}
}

func init() {
	sendCmd.Flags().BoolVar(&sendWait, "wait", false, "wait for the delivery confirmation")
	sendCmd.Flags().BoolVar(&sendChannel, "channel", false, "first argument is a channel index")
	rootCmd.AddCommand(sendCmd)
}
