package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/regmon/internal/server"
)

// regmond config.toml key mapping to server runtime settings.
type fileConfig struct {
	Addr            string           `toml:"addr"`
	Mode            string           `toml:"mode"`
	Token           string           `toml:"token"`
	MaxSessions     int              `toml:"max_sessions"`
	MaxWords        int              `toml:"max_words"`
	IdleTimeoutMS   int64            `toml:"idle_timeout_ms"`
	AdminListenAddr string           `toml:"admin_listen_addr"`
	CorsOrigins     []string         `toml:"cors_origins"`
	ReusePort       bool             `toml:"reuse_port"`
	Window          windowFileConfig `toml:"window"`
}

type windowFileConfig struct {
	Backend      string `toml:"backend"`
	Device       string `toml:"device"`
	Base         uint64 `toml:"base"`
	Size         int    `toml:"size"`
	UnmapOnClose bool   `toml:"unmap_on_close"`
}

// regmond loader for TOML config with default overlay.
func loadServiceConfig(path string) (server.ServiceConfig, error) {
	cfg := server.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return server.ServiceConfig{}, fmt.Errorf("load regmond config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return server.ServiceConfig{}, fmt.Errorf("load regmond config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("mode") {
		cfg.Mode = server.Mode(strings.ToLower(strings.TrimSpace(raw.Mode)))
	}
	if meta.IsDefined("token") {
		cfg.Token = raw.Token
	}
	if meta.IsDefined("max_sessions") {
		cfg.MaxSessions = raw.MaxSessions
	}
	if meta.IsDefined("max_words") {
		cfg.Session.MaxWords = raw.MaxWords
	}
	if meta.IsDefined("idle_timeout_ms") {
		if raw.IdleTimeoutMS < 0 {
			return server.ServiceConfig{}, fmt.Errorf("load regmond config: idle_timeout_ms must not be negative")
		}
		cfg.Session.IdleTimeout = time.Duration(raw.IdleTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = append([]string(nil), raw.CorsOrigins...)
	}
	if meta.IsDefined("reuse_port") {
		cfg.ReusePort = raw.ReusePort
	}
	if meta.IsDefined("window", "backend") {
		cfg.Window.Backend = strings.TrimSpace(raw.Window.Backend)
	}
	if meta.IsDefined("window", "device") {
		cfg.Window.Device = strings.TrimSpace(raw.Window.Device)
	}
	if meta.IsDefined("window", "base") {
		cfg.Window.Base = raw.Window.Base
	}
	if meta.IsDefined("window", "size") {
		cfg.Window.Size = raw.Window.Size
	}
	if meta.IsDefined("window", "unmap_on_close") {
		cfg.Window.UnmapOnClose = raw.Window.UnmapOnClose
	}
	return cfg, nil
}
