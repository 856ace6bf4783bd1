package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/meshlink/internal/model"
	"github.com/danmuck/meshlink/internal/statusapi"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stay connected: sync, track acks, keep sessions alive and serve status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := openRuntime(cfg, cfg.Engine.SyncOnConnect)
		if err != nil {
			return err
		}
		defer rt.Close()

		logMessage := func(m model.Message) {
			log.Info().
				Str("kind", string(m.Kind)).
				Str("contact", m.ContactID).
				Str("session", m.SessionID).
				Str("text", m.Text).
				Msg("message received")
		}
		rt.engine.Messages.SetIncomingHandler(logMessage)
		rt.engine.Rooms.SetMessageHandler(logMessage)
		rt.engine.Messages.SetConfirmationHandler(func(m model.Message) {
			log.Info().Str("message", m.ID).Str("status", string(m.Status)).Uint32("rtt_ms", m.RoundTripMs).Msg("delivery")
		})

		errCh := make(chan error, 2)
		if cfg.Status.Enabled {
			api := statusapi.New(rt.engine, statusapi.Options{
				Addr:        cfg.Status.Addr,
				CORSOrigins: cfg.Status.CORSOrigins,
				Token:       statusToken(cfg.Status.TokenEnv),
			})
			go func() { errCh <- api.Serve(ctx) }()
		}
		go func() { errCh <- rt.engine.Run(ctx) }()

		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func statusToken(env string) string {
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}
