package config

import (
	"github.com/danmuck/meshlink/internal/engine"
	"github.com/danmuck/meshlink/internal/transport"
)

// EngineConfig maps the resolved file onto engine settings.
func (c Config) EngineConfig() engine.Config {
	out := engine.DefaultConfig()
	out.DeviceID = c.DeviceID
	out.AppName = c.AppName
	out.SyncOnConnect = c.Engine.SyncOnConnect
	out.ClockSkewTolerance = c.Engine.ClockSkewTolerance
	out.AckSweepInterval = c.Engine.AckSweepInterval
	out.ReconnectAttempts = c.Engine.ReconnectAttempts
	out.Session = c.Session
	return out
}

func (c Config) TCPConfig() transport.TCPConfig {
	out := transport.DefaultTCPConfig()
	out.Address = c.Transport.Address
	if c.Transport.DialTimeout > 0 {
		out.DialTimeout = c.Transport.DialTimeout
	}
	if c.Transport.ReplyTimeout > 0 {
		out.ReplyTimeout = c.Transport.ReplyTimeout
	}
	return out
}
