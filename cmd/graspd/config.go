package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/graspd/internal/grasp"
)

type daemonConfig struct {
	ID             string
	HTTPAddr       string
	CorsOrigins    []string
	APIToken       string
	ObjectivesFile string
	Interfaces     []string
	Trusted        bool
	Engine         grasp.Config
}

func defaultDaemonConfig() daemonConfig {
	engine := grasp.DefaultConfig()
	engine.AllowLinkLocalOnly = true
	return daemonConfig{
		ID:       "graspd",
		HTTPAddr: "127.0.0.1:7080",
		Engine:   engine,
	}
}

type fileConfig struct {
	ID             string   `toml:"id"`
	HTTPAddr       string   `toml:"http_addr"`
	CorsOrigins    []string `toml:"cors_origins"`
	APIToken       string   `toml:"api_token"`
	ObjectivesFile string   `toml:"objectives_file"`
	Interfaces     []string `toml:"interfaces"`

	Trusted            bool   `toml:"trusted"`
	AllowLinkLocalOnly bool   `toml:"allow_link_local_only"`
	CipherPassword     string `toml:"cipher_password"`
	CipherSalt         string `toml:"cipher_salt"`

	Strict    bool `toml:"strict"`
	RapidMode bool `toml:"rapid_mode"`
	TestMode  bool `toml:"test_mode"`

	DefaultTimeout   string `toml:"default_timeout"`
	DefaultTimeoutMS int64  `toml:"default_timeout_ms"`
	DiscoveryTTL     string `toml:"discovery_ttl"`
	AcceptTimeout    string `toml:"accept_timeout"`
	WatchInterval    string `toml:"watch_interval"`
	RelayGap         string `toml:"relay_gap"`
	RelayBurst       int    `toml:"relay_burst"`
	MaxMessageBytes  int    `toml:"max_message_bytes"`
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load graspd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return daemonConfig{}, fmt.Errorf("load graspd config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("api_token") {
		cfg.APIToken = strings.TrimSpace(raw.APIToken)
	}
	if meta.IsDefined("objectives_file") {
		cfg.ObjectivesFile = strings.TrimSpace(raw.ObjectivesFile)
	}
	if meta.IsDefined("interfaces") {
		cfg.Interfaces = normalizeList(raw.Interfaces)
	}
	if meta.IsDefined("trusted") {
		cfg.Trusted = raw.Trusted
	}
	if meta.IsDefined("allow_link_local_only") {
		cfg.Engine.AllowLinkLocalOnly = raw.AllowLinkLocalOnly
	}
	if meta.IsDefined("cipher_password") {
		cfg.Engine.CipherPassword = raw.CipherPassword
	}
	if meta.IsDefined("cipher_salt") {
		cfg.Engine.CipherSalt = raw.CipherSalt
	}
	if meta.IsDefined("strict") {
		cfg.Engine.Strict = raw.Strict
	}
	if meta.IsDefined("rapid_mode") {
		cfg.Engine.RapidMode = raw.RapidMode
	}
	if meta.IsDefined("test_mode") {
		cfg.Engine.TestMode = raw.TestMode
	}
	if meta.IsDefined("relay_burst") {
		cfg.Engine.RelayBurst = raw.RelayBurst
	}
	if meta.IsDefined("max_message_bytes") {
		cfg.Engine.MaxMessageBytes = raw.MaxMessageBytes
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"default_timeout", raw.DefaultTimeout, &cfg.Engine.DefaultTimeout},
		{"discovery_ttl", raw.DiscoveryTTL, &cfg.Engine.DiscoveryTTL},
		{"accept_timeout", raw.AcceptTimeout, &cfg.Engine.AcceptTimeout},
		{"watch_interval", raw.WatchInterval, &cfg.Engine.WatchInterval},
		{"relay_gap", raw.RelayGap, &cfg.Engine.RelayGap},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("default_timeout_ms") {
		cfg.Engine.DefaultTimeout = time.Duration(raw.DefaultTimeoutMS) * time.Millisecond
	}

	if cfg.HTTPAddr == "" {
		return daemonConfig{}, fmt.Errorf("graspd config missing http_addr")
	}
	if (cfg.Engine.CipherPassword == "") != (cfg.Engine.CipherSalt == "") {
		return daemonConfig{}, fmt.Errorf("cipher_password and cipher_salt must be set together")
	}
	cfg.Engine = cfg.Engine.WithDefaults()
	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
