package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/chatrelay/internal/protocol/link"
	"github.com/danmuck/chatrelay/internal/relay"
)

type fileConfig struct {
	AdminAddr             string      `toml:"admin_addr"`
	CORSOrigins           []string    `toml:"cors_origins"`
	GatewayAddress        string      `toml:"gateway_address"`
	ClientID              string      `toml:"client_id"`
	SecurityMode          string      `toml:"security_mode"`
	CredentialsDir        string      `toml:"credentials_dir"`
	VersionURL            string      `toml:"version_url"`
	BackendURL            string      `toml:"backend_url"`
	BackendHealthURL      string      `toml:"backend_health_url"`
	BackendTimeout        string      `toml:"backend_timeout"`
	CredentialSaveTimeout string      `toml:"credential_save_timeout"`
	MaxInFlight           int64       `toml:"max_in_flight"`
	MaxPending            int64       `toml:"max_pending"`
	HeartbeatInterval     string      `toml:"heartbeat_interval"`
	ChatlogPath           string      `toml:"chatlog_path"`
	ReplyRate             float64     `toml:"reply_rate"`
	ReplyBurst            int         `toml:"reply_burst"`
	ReconnectDelay        string      `toml:"reconnect_delay"`
	ReconnectMaxDelay     string      `toml:"reconnect_max_delay"`
	TLS                   fileTLS     `toml:"tls"`
	Replies               fileReplies `toml:"replies"`
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type fileReplies struct {
	BotName        string `toml:"bot_name"`
	Morning        string `toml:"morning"`
	Afternoon      string `toml:"afternoon"`
	Evening        string `toml:"evening"`
	Welcome        string `toml:"welcome"`
	Farewell       string `toml:"farewell"`
	NoAnswer       string `toml:"no_answer"`
	BackendFailure string `toml:"backend_failure"`
}

func loadServiceConfig(path string) (relay.ServiceConfig, error) {
	cfg := relay.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return relay.ServiceConfig{}, fmt.Errorf("load relay config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return relay.ServiceConfig{}, fmt.Errorf("load relay config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("admin_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("gateway_address") {
		cfg.Gateway.Address = strings.TrimSpace(raw.GatewayAddress)
	}
	if meta.IsDefined("client_id") {
		cfg.Gateway.ClientID = strings.TrimSpace(raw.ClientID)
	}
	if meta.IsDefined("security_mode") {
		cfg.Gateway.Link.SecurityMode = link.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("credentials_dir") {
		cfg.CredentialsDir = strings.TrimSpace(raw.CredentialsDir)
	}
	if meta.IsDefined("version_url") {
		cfg.VersionURL = strings.TrimSpace(raw.VersionURL)
	}
	if meta.IsDefined("backend_url") {
		cfg.Backend.Endpoint = strings.TrimSpace(raw.BackendURL)
	}
	if meta.IsDefined("backend_health_url") {
		cfg.Backend.HealthURL = strings.TrimSpace(raw.BackendHealthURL)
	}
	if meta.IsDefined("chatlog_path") {
		cfg.ChatlogPath = strings.TrimSpace(raw.ChatlogPath)
	}
	if meta.IsDefined("max_in_flight") {
		cfg.Supervisor.MaxInFlight = raw.MaxInFlight
	}
	if meta.IsDefined("max_pending") {
		cfg.Supervisor.MaxPending = raw.MaxPending
	}
	if meta.IsDefined("reply_rate") {
		cfg.Dispatch.ReplyRate = raw.ReplyRate
	}
	if meta.IsDefined("reply_burst") {
		cfg.Dispatch.ReplyBurst = raw.ReplyBurst
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"backend_timeout", raw.BackendTimeout, &cfg.Backend.Timeout},
		{"credential_save_timeout", raw.CredentialSaveTimeout, &cfg.Supervisor.CredentialSaveTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"reconnect_delay", raw.ReconnectDelay, &cfg.Supervisor.ReconnectBackoff.InitialDelay},
		{"reconnect_max_delay", raw.ReconnectMaxDelay, &cfg.Supervisor.ReconnectBackoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return relay.ServiceConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if cfg.Supervisor.ReconnectBackoff.InitialDelay > 0 {
		cfg.Supervisor.ReconnectBackoff.Multiplier = 2
		cfg.Supervisor.ReconnectBackoff.Jitter = true
	}

	if meta.IsDefined("tls") {
		cfg.Gateway.Link.TLS = link.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
		cfg.Gateway.Link.TLS.Mutual = cfg.Gateway.Link.TLS.CertFile != "" && cfg.Gateway.Link.TLS.KeyFile != ""
	}

	// Empty reply texts keep their defaults.
	r := &cfg.Dispatch.Replies
	set := func(key, v string, dst *string) {
		if meta.IsDefined("replies", key) && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	set("bot_name", raw.Replies.BotName, &r.BotName)
	set("morning", raw.Replies.Morning, &r.Morning)
	set("afternoon", raw.Replies.Afternoon, &r.Afternoon)
	set("evening", raw.Replies.Evening, &r.Evening)
	set("welcome", raw.Replies.Welcome, &r.Welcome)
	set("farewell", raw.Replies.Farewell, &r.Farewell)
	set("no_answer", raw.Replies.NoAnswer, &r.NoAnswer)
	set("backend_failure", raw.Replies.BackendFailure, &r.BackendFailure)

	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
