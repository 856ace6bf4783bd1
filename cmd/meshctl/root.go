package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/danmuck/meshlink/internal/config"
	"github.com/danmuck/meshlink/internal/logging"
	"github.com/danmuck/meshlink/internal/observability"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "meshctl.toml"

var (
	cfgFile  string
	deviceID string
	address  string
	logLevel string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "Drive a MeshCore companion radio",
	Long: `meshctl connects to a MeshCore companion radio, mirrors its contacts and
channels into a local store, and sends messages and remote administration
commands through it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(cfgFile, cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}
		if deviceID != "" {
			loaded.DeviceID = deviceID
		}
		if address != "" {
			loaded.Transport.Address = address
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		level, _ := logging.ParseLevel(cfg.Log.Level)
		observability.InitLogger("meshctl", level, cfg.Log.JSON)
		return nil
	},
}

// loadConfig falls back to defaults when the implicit path is absent. An
// explicit --config must exist.
func loadConfig(path string, explicit bool) (config.Config, error) {
	loaded, err := config.Load(path)
	if err == nil {
		return loaded, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.DefaultConfig(), nil
	}
	return config.Config{}, fmt.Errorf("failed to load config: %w", err)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath, "config file")
	rootCmd.PersistentFlags().StringVar(&deviceID, "device", "", "device id (overrides config)")
	rootCmd.PersistentFlags().StringVar(&address, "addr", "", "radio host:port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	rootCmd.SetOut(os.Stdout)
}
