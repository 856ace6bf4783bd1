package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

func Template() string {
	return defaultTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(defaultTemplate), 0o600)
}

// Render encodes c back to TOML in the same layout Load reads.
func Render(c Config) ([]byte, error) {
	out, err := toml.Marshal(toFile(c))
	if err != nil {
		return nil, fmt.Errorf("config render failed: %w", err)
	}
	return out, nil
}

func toFile(c Config) fileConfig {
	d := func(v time.Duration) string { return v.String() }
	s := c.Session
	return fileConfig{
		DeviceID: c.DeviceID,
		AppName:  c.AppName,
		Transport: fileTransport{
			Kind:         c.Transport.Kind,
			Address:      c.Transport.Address,
			DialTimeout:  d(c.Transport.DialTimeout),
			ReplyTimeout: d(c.Transport.ReplyTimeout),
		},
		Store: fileStore{Driver: c.Store.Driver, Path: c.Store.Path},
		Credentials: fileCredentials{
			Kind:          c.Credentials.Kind,
			Path:          c.Credentials.Path,
			PassphraseEnv: c.Credentials.PassphraseEnv,
		},
		Engine: fileEngine{
			SyncOnConnect:      c.Engine.SyncOnConnect,
			ClockSkewTolerance: d(c.Engine.ClockSkewTolerance),
			AckSweepInterval:   d(c.Engine.AckSweepInterval),
			ReconnectAttempts:  c.Engine.ReconnectAttempts,
		},
		Session: fileSession{
			CommandTimeout:    d(s.CommandTimeout),
			DefaultAckTimeout: d(s.DefaultAckTimeout),
			AckGrace:          d(s.AckGrace),
			KeepAliveTimeout:  d(s.KeepAliveTimeout),
			KeepAliveInterval: d(s.KeepAliveInterval),
			QueryTimeout:      d(s.QueryTimeout),
			SectionTimeout:    d(s.SectionTimeout),
			RetryAttempts:     s.Retry.MaxAttempts,
			LoginBase:         d(s.Login.Base),
			LoginPerHop:       d(s.Login.PerHop),
			LoginFlood:        d(s.Login.Flood),
		},
		Status: fileStatus{
			Enabled:     c.Status.Enabled,
			Addr:        c.Status.Addr,
			CORSOrigins: c.Status.CORSOrigins,
			TokenEnv:    c.Status.TokenEnv,
		},
		Log: fileLog{Level: c.Log.Level, JSON: c.Log.JSON},
	}
}

const defaultTemplate = `device_id = "radio"
app_name = "meshlink"

[transport]
kind = "tcp"
address = "192.168.4.1:5000"
dial_timeout = "5s"
reply_timeout = "10s"

[store]
driver = "sqlite"
path = "meshlink.db"

[credentials]
kind = "file"
path = "meshlink.vault"
passphrase_env = "MESHLINK_VAULT_PASSPHRASE"

[engine]
sync_on_connect = true
clock_skew_tolerance = "1m"
ack_sweep_interval = "1s"
reconnect_attempts = 10

[session]
command_timeout = "5s"
default_ack_timeout = "30s"
keep_alive_interval = "90s"
query_timeout = "15s"
retry_attempts = 3

[status]
enabled = true
addr = "127.0.0.1:9300"
cors_origins = ["http://localhost:3000"]
token_env = "MESHLINK_STATUS_TOKEN"

[log]
level = "info"
json = false
`
