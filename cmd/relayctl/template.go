package main

import (
	"fmt"
	"io"

	"github.com/danmuck/chatrelay/internal/relay"
	"github.com/pelletier/go-toml/v2"
)

// fileConfigFrom renders cfg in the on-disk shape loadServiceConfig reads.
func fileConfigFrom(cfg relay.ServiceConfig) fileConfig {
	tlsCfg := cfg.Gateway.Link.TLS
	r := cfg.Dispatch.Replies.WithDefaults()
	return fileConfig{
		AdminAddr:             cfg.AdminListenAddr,
		CORSOrigins:           append([]string{}, cfg.CORSOrigins...),
		GatewayAddress:        cfg.Gateway.Address,
		ClientID:              cfg.Gateway.ClientID,
		SecurityMode:          string(cfg.Gateway.Link.SecurityMode),
		CredentialsDir:        cfg.CredentialsDir,
		VersionURL:            cfg.VersionURL,
		BackendURL:            cfg.Backend.Endpoint,
		BackendHealthURL:      cfg.Backend.HealthURL,
		BackendTimeout:        cfg.Backend.Timeout.String(),
		CredentialSaveTimeout: cfg.Supervisor.CredentialSaveTimeout.String(),
		MaxInFlight:           cfg.Supervisor.MaxInFlight,
		MaxPending:            cfg.Supervisor.MaxPending,
		HeartbeatInterval:     cfg.HeartbeatInterval.String(),
		ChatlogPath:           cfg.ChatlogPath,
		ReplyRate:             cfg.Dispatch.ReplyRate,
		ReplyBurst:            cfg.Dispatch.ReplyBurst,
		ReconnectDelay:        cfg.Supervisor.ReconnectBackoff.InitialDelay.String(),
		ReconnectMaxDelay:     cfg.Supervisor.ReconnectBackoff.MaxDelay.String(),
		TLS: fileTLS{
			Enabled:            tlsCfg.Enabled,
			CertFile:           tlsCfg.CertFile,
			KeyFile:            tlsCfg.KeyFile,
			CAFile:             tlsCfg.CAFile,
			ServerName:         tlsCfg.ServerName,
			InsecureSkipVerify: tlsCfg.InsecureSkipVerify,
		},
		Replies: fileReplies{
			BotName:        r.BotName,
			Morning:        r.Morning,
			Afternoon:      r.Afternoon,
			Evening:        r.Evening,
			Welcome:        r.Welcome,
			Farewell:       r.Farewell,
			NoAnswer:       r.NoAnswer,
			BackendFailure: r.BackendFailure,
		},
	}
}

// writeConfig prints cfg as a complete TOML config file.
func writeConfig(w io.Writer, cfg relay.ServiceConfig) error {
	if _, err := fmt.Fprintln(w, "# relayctl effective configuration"); err != nil {
		return err
	}
	enc := toml.NewEncoder(w)
	enc.SetIndentTables(true)
	return enc.Encode(fileConfigFrom(cfg))
}
