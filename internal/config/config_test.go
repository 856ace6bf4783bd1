package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/meshlink/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
device_id = "heltec-1"

[transport]
address = "10.0.0.7:5000"

[engine]
sync_on_connect = false

[session]
query_timeout = "20s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d := DefaultConfig()
	if cfg.DeviceID != "heltec-1" || cfg.Transport.Address != "10.0.0.7:5000" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Engine.SyncOnConnect {
		t.Fatalf("explicit false should override default true")
	}
	if cfg.Session.QueryTimeout != 20*time.Second {
		t.Fatalf("query_timeout=%s", cfg.Session.QueryTimeout)
	}
	if cfg.Session.CommandTimeout != d.Session.CommandTimeout || cfg.Store.Path != d.Store.Path {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.Transport.ReplyTimeout != d.Transport.ReplyTimeout {
		t.Fatalf("reply timeout=%s", cfg.Transport.ReplyTimeout)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad duration", "[session]\nquery_timeout = \"soon\"\n", "session.query_timeout"},
		{"unknown key", "devise_id = \"x\"\n", "unknown key"},
		{"empty device", "device_id = \"  \"\n", "device_id"},
		{"bad store", "[store]\ndriver = \"postgres\"\n", "store driver"},
		{"bad level", "[log]\nlevel = \"loud\"\n", "log level"},
		{"bad transport", "[transport]\nkind = \"ble\"\n", "transport"},
		{"negative reconnect", "[engine]\nreconnect_attempts = -1\n", "reconnect_attempts"},
	}
	for _, tc := range cases {
		_, err := Load(writeConfig(t, tc.body))
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q missing %q", tc.name, err, tc.want)
		}
	}
}

func TestValidateWrapsErrInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Credentials.Path = ""
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	cfg = DefaultConfig()
	cfg.Credentials.Kind = VaultMemory
	cfg.Credentials.Path = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("memory vault needs no path: %v", err)
	}
}

func TestTemplateLoadsAndRenderRoundTrips(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "meshctl.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("template does not load: %v", err)
	}
	if cfg.Transport.Address != "192.168.4.1:5000" || len(cfg.Status.CORSOrigins) != 1 {
		t.Fatalf("unexpected template config: %+v", cfg)
	}

	rendered, err := Render(cfg)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	again, err := Load(writeConfig(t, string(rendered)))
	if err != nil {
		t.Fatalf("rendered config does not load: %v\n%s", err, rendered)
	}
	if again.Session != cfg.Session || again.Engine != cfg.Engine || again.Transport != cfg.Transport {
		t.Fatalf("render changed settings:\n%+v\n%+v", cfg, again)
	}
}

func TestEngineAndTransportConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeviceID = "r1"
	cfg.Engine.ReconnectAttempts = 3
	cfg.Transport.Address = "radio.local:5000"

	ec := cfg.EngineConfig()
	if ec.DeviceID != "r1" || ec.ReconnectAttempts != 3 || ec.Session != cfg.Session {
		t.Fatalf("engine config=%+v", ec)
	}
	if err := ec.Validate(); err != nil {
		t.Fatalf("engine config invalid: %v", err)
	}
	tc := cfg.TCPConfig()
	if tc.Address != "radio.local:5000" || tc.ReplyTimeout != cfg.Transport.ReplyTimeout {
		t.Fatalf("tcp config=%+v", tc)
	}
}
