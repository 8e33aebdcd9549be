package link

import "time"

// SecurityMode selects how strictly transport security is enforced.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// TLSConfig configures TLS on the gateway link.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines link timeouts and security.
type Config struct {
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	SessionDeadAfter  time.Duration
	SecurityMode      SecurityMode
	TLS               TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      15 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		SessionDeadAfter:  45 * time.Second,
		SecurityMode:      SecurityModeDevelopment,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.SessionDeadAfter <= 0 {
		c.SessionDeadAfter = def.SessionDeadAfter
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}
