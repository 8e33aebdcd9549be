package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/chatrelay/internal/dispatch"
	"github.com/danmuck/chatrelay/internal/relay"
)

func configFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServiceConfigExample(t *testing.T) {
	cfg, err := loadServiceConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.AdminListenAddr != "127.0.0.1:7080" {
		t.Fatalf("unexpected admin addr: %q", cfg.AdminListenAddr)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected cors origins: %+v", cfg.CORSOrigins)
	}
	if cfg.Gateway.Address != "127.0.0.1:9300" || cfg.Gateway.ClientID != "relay.local" {
		t.Fatalf("unexpected gateway: %+v", cfg.Gateway)
	}
	if cfg.Gateway.Link.SecurityMode != "development" {
		t.Fatalf("unexpected security mode: %q", cfg.Gateway.Link.SecurityMode)
	}
	if cfg.Gateway.Link.TLS.Enabled {
		t.Fatalf("expected tls disabled")
	}
	if cfg.CredentialsDir != "auth_info" {
		t.Fatalf("unexpected credentials dir: %q", cfg.CredentialsDir)
	}
	if cfg.VersionURL != "" {
		t.Fatalf("expected commented version_url to stay empty, got %q", cfg.VersionURL)
	}
	if cfg.Backend.Endpoint != "http://127.0.0.1:5000/query" || cfg.Backend.Timeout != 10*time.Second {
		t.Fatalf("unexpected backend: %+v", cfg.Backend)
	}
	if cfg.Supervisor.CredentialSaveTimeout != 5*time.Second || cfg.Supervisor.MaxInFlight != 32 || cfg.Supervisor.MaxPending != 512 {
		t.Fatalf("unexpected supervisor: %+v", cfg.Supervisor)
	}
	if cfg.Supervisor.ReconnectBackoff.InitialDelay != 0 {
		t.Fatalf("expected immediate reconnect, got %v", cfg.Supervisor.ReconnectBackoff.InitialDelay)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("unexpected heartbeat: %v", cfg.HeartbeatInterval)
	}
	if cfg.ChatlogPath != "local/chatlog.db" {
		t.Fatalf("unexpected chatlog path: %q", cfg.ChatlogPath)
	}
	if cfg.Dispatch.ReplyRate != 1.0 || cfg.Dispatch.ReplyBurst != 3 {
		t.Fatalf("unexpected reply limits: rate=%v burst=%d", cfg.Dispatch.ReplyRate, cfg.Dispatch.ReplyBurst)
	}
	if cfg.Dispatch.Replies.BotName != "Bojja's Resort Bot" {
		t.Fatalf("unexpected bot name: %q", cfg.Dispatch.Replies.BotName)
	}
}

func TestLoadServiceConfigKeepsDefaults(t *testing.T) {
	cfg, err := loadServiceConfig(configFile(t, `backend_url = "http://backend:5000/query"`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := relay.DefaultServiceConfig()
	if cfg.Backend.Endpoint != "http://backend:5000/query" {
		t.Fatalf("unexpected backend url: %q", cfg.Backend.Endpoint)
	}
	if cfg.AdminListenAddr != def.AdminListenAddr || cfg.Gateway.Address != def.Gateway.Address {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
	if cfg.Dispatch.Replies != dispatch.DefaultReplies() {
		t.Fatalf("unexpected replies: %+v", cfg.Dispatch.Replies)
	}
}

func TestLoadServiceConfigEmptyAdminDisables(t *testing.T) {
	cfg, err := loadServiceConfig(configFile(t, `admin_addr = ""`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.AdminListenAddr != "" {
		t.Fatalf("expected admin disabled, got %q", cfg.AdminListenAddr)
	}
}

func TestLoadServiceConfigReconnectBackoff(t *testing.T) {
	cfg, err := loadServiceConfig(configFile(t, `
reconnect_delay = "500ms"
reconnect_max_delay = "30s"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	b := cfg.Supervisor.ReconnectBackoff
	if b.InitialDelay != 500*time.Millisecond || b.MaxDelay != 30*time.Second {
		t.Fatalf("unexpected backoff: %+v", b)
	}
	if b.Multiplier != 2 || !b.Jitter {
		t.Fatalf("expected exponential jittered backoff: %+v", b)
	}
}

func TestLoadServiceConfigRepliesOverride(t *testing.T) {
	cfg, err := loadServiceConfig(configFile(t, `
[replies]
bot_name = "Harbor Inn Bot"
no_answer = ""
farewell = "See you soon from {bot}."
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	r := cfg.Dispatch.Replies
	if r.BotName != "Harbor Inn Bot" || r.Farewell != "See you soon from {bot}." {
		t.Fatalf("unexpected replies: %+v", r)
	}
	if r.NoAnswer != dispatch.DefaultReplies().NoAnswer {
		t.Fatalf("empty reply text should keep default, got %q", r.NoAnswer)
	}
}

func TestLoadServiceConfigTLS(t *testing.T) {
	cfg, err := loadServiceConfig(configFile(t, `
security_mode = "production"

[tls]
enabled = true
ca_file = "ca.pem"
server_name = "gateway.internal"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	tls := cfg.Gateway.Link.TLS
	if !tls.Enabled || tls.CAFile != "ca.pem" || tls.ServerName != "gateway.internal" {
		t.Fatalf("unexpected tls: %+v", tls)
	}
	if tls.Mutual {
		t.Fatalf("expected mutual tls off without a client cert")
	}
}

func TestLoadServiceConfigBadDuration(t *testing.T) {
	if _, err := loadServiceConfig(configFile(t, `heartbeat_interval = "abc"`)); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadServiceConfigUnknownKey(t *testing.T) {
	if _, err := loadServiceConfig(configFile(t, `backend_ur = "typo"`)); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestLoadServiceConfigMissingFile(t *testing.T) {
	if _, err := loadServiceConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestPrintedConfigLoadsBack(t *testing.T) {
	want := relay.DefaultServiceConfig()
	want.CORSOrigins = []string{"http://dash.local"}
	want.ChatlogPath = "local/chat.db"
	want.Supervisor.ReconnectBackoff.InitialDelay = time.Second
	want.Dispatch.Replies.BotName = "Harbor Inn Bot"

	var buf bytes.Buffer
	if err := writeConfig(&buf, want); err != nil {
		t.Fatalf("write config: %v", err)
	}
	got, err := loadServiceConfig(configFile(t, buf.String()))
	if err != nil {
		t.Fatalf("load printed config: %v\n%s", err, buf.String())
	}
	if got.AdminListenAddr != want.AdminListenAddr || got.Gateway.Address != want.Gateway.Address {
		t.Fatalf("addresses differ: got=%q/%q", got.AdminListenAddr, got.Gateway.Address)
	}
	if got.Backend.Endpoint != want.Backend.Endpoint || got.Backend.Timeout != want.Backend.Timeout {
		t.Fatalf("backend differs: %+v", got.Backend)
	}
	if got.HeartbeatInterval != want.HeartbeatInterval || got.Supervisor.MaxInFlight != want.Supervisor.MaxInFlight {
		t.Fatalf("timing differs: heartbeat=%v in_flight=%d", got.HeartbeatInterval, got.Supervisor.MaxInFlight)
	}
	if got.Supervisor.ReconnectBackoff.InitialDelay != time.Second {
		t.Fatalf("reconnect delay differs: %v", got.Supervisor.ReconnectBackoff.InitialDelay)
	}
	if len(got.CORSOrigins) != 1 || got.CORSOrigins[0] != "http://dash.local" || got.ChatlogPath != "local/chat.db" {
		t.Fatalf("cors/chatlog differ: %+v %q", got.CORSOrigins, got.ChatlogPath)
	}
	if got.Dispatch.Replies != want.Dispatch.Replies.WithDefaults() {
		t.Fatalf("replies differ: %+v", got.Dispatch.Replies)
	}
	if got.Gateway.Link.SecurityMode != want.Gateway.Link.SecurityMode {
		t.Fatalf("security mode differs: %q", got.Gateway.Link.SecurityMode)
	}
}
