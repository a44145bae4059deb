// Package config loads layered configuration: defaults, an optional YAML
// file, then TELEM_* environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/chronologos/telem/internal/client"
	"github.com/chronologos/telem/internal/framer"
	"github.com/chronologos/telem/internal/logging"
	"github.com/chronologos/telem/internal/telem"
	"github.com/chronologos/telem/internal/transport"
)

const EnvPrefix = "TELEM"

// Config is the complete configuration.
type Config struct {
	Server ServerConfig   `mapstructure:"server" yaml:"server"`
	Relay  RelayConfig    `mapstructure:"relay"  yaml:"relay"`
	Client client.Config  `mapstructure:"client" yaml:"client"`
	Log    logging.Config `mapstructure:"log"    yaml:"log"`
}

// ServerConfig extends the stream server settings with the HTTP extras
// served next to it.
type ServerConfig struct {
	transport.ServerConfig `mapstructure:",squash" yaml:",inline"`

	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path"`
	// Passkey (hex) enables bearer token auth on every stream.
	Passkey string `mapstructure:"passkey" yaml:"passkey,omitempty"`
	// TLSCert and TLSKey name the QUIC certificate. Without them the QUIC
	// listener generates a self-signed one.
	TLSCert string `mapstructure:"tls_cert" yaml:"tls_cert,omitempty"`
	TLSKey  string `mapstructure:"tls_key"  yaml:"tls_key,omitempty"`
}

// ChannelConfig declares one relay channel.
type ChannelConfig struct {
	Key      telem.ChannelKey `mapstructure:"key"       yaml:"key"`
	DataType string           `mapstructure:"data_type" yaml:"data_type"`
}

// RelayConfig holds the relay's channel registry.
type RelayConfig struct {
	SubscriberBuffer int             `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
	Channels         []ChannelConfig `mapstructure:"channels"          yaml:"channels"`
}

// FramerChannels converts the configured channels.
func (c RelayConfig) FramerChannels() ([]framer.Channel, error) {
	out := make([]framer.Channel, len(c.Channels))
	for i, ch := range c.Channels {
		dt, err := telem.ParseDataType(ch.DataType)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch.Key, err)
		}
		out[i] = framer.Channel{Key: ch.Key, DataType: dt}
	}
	return out, nil
}

// Load reads configuration. path may be empty.
func Load(path string) (*Config, error) {
	return LoadViper(viper.New(), path)
}

// LoadViper loads into v, which may already carry bound flags.
func LoadViper(v *viper.Viper, path string) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	srv := transport.DefaultServerConfig()
	v.SetDefault("server.addr", srv.ListenAddr)
	v.SetDefault("server.quic_addr", "")
	v.SetDefault("server.read_header_timeout", srv.ReadHeaderTimeout)
	v.SetDefault("server.idle_timeout", srv.IdleTimeout)
	v.SetDefault("server.close_timeout", srv.CloseTimeout)
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.passkey", "")
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")

	v.SetDefault("relay.subscriber_buffer", 64)
	v.SetDefault("relay.channels", []map[string]any{
		{"key": 1, "data_type": string(telem.TimeStampT)},
		{"key": 2, "data_type": string(telem.Float64T)},
	})

	cl := client.DefaultConfig()
	v.SetDefault("client.url", cl.URL)
	v.SetDefault("client.mode", cl.Mode)
	v.SetDefault("client.handshake_timeout", cl.HandshakeTimeout)
	v.SetDefault("client.retry.initial_delay", cl.Retry.InitialDelay)
	v.SetDefault("client.retry.multiplier", cl.Retry.Multiplier)
	v.SetDefault("client.retry.max_delay", cl.Retry.MaxDelay)
	v.SetDefault("client.retry.max_attempts", cl.Retry.MaxAttempts)
	v.SetDefault("client.retry.jitter", cl.Retry.Jitter)
	v.SetDefault("client.token", "")
	v.SetDefault("client.passkey", "")
	v.SetDefault("client.subject", cl.Subject)
	v.SetDefault("client.cert_fingerprint", "")

	lg := logging.DefaultConfig()
	v.SetDefault("log.level", lg.Level)
	v.SetDefault("log.format", lg.Format)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if _, err := c.Relay.FramerChannels(); err != nil {
		return fmt.Errorf("relay.channels: %w", err)
	}
	if _, err := transport.ParseDialMode(c.Client.Mode); err != nil {
		return fmt.Errorf("client.mode: %w", err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
