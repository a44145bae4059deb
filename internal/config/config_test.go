package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/chronologos/telem/internal/framer"
	"github.com/chronologos/telem/internal/telem"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telem.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "/metrics", cfg.Server.MetricsPath)
	assert.Equal(t, "websocket", cfg.Client.Mode)
	assert.Equal(t, 5, cfg.Client.Retry.MaxAttempts)
	assert.Equal(t, "info", cfg.Log.Level)

	chs, err := cfg.Relay.FramerChannels()
	require.NoError(t, err)
	assert.Equal(t, []framer.Channel{
		{Key: 1, DataType: telem.TimeStampT},
		{Key: 2, DataType: telem.Float64T},
	}, chs)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":7000"
  close_timeout: 2s
relay:
  channels:
    - key: 10
      data_type: int16
client:
  mode: quic
  retry:
    max_attempts: 2
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.Server.CloseTimeout)
	assert.Equal(t, "quic", cfg.Client.Mode)
	assert.Equal(t, 2, cfg.Client.Retry.MaxAttempts)
	assert.Equal(t, "json", cfg.Log.Format)
	require.Len(t, cfg.Relay.Channels, 1)
	assert.Equal(t, telem.ChannelKey(10), cfg.Relay.Channels[0].Key)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  addr: \":7000\"\n")
	t.Setenv("TELEM_SERVER_ADDR", ":7001")
	t.Setenv("TELEM_CLIENT_URL", "http://relay:9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.Server.ListenAddr)
	assert.Equal(t, "http://relay:9090", cfg.Client.URL)
}

func TestLoadValidation(t *testing.T) {
	tests := map[string]string{
		"bad data type": "relay:\n  channels:\n    - key: 1\n      data_type: complex128\n",
		"bad mode":      "client:\n  mode: tcp\n",
		"bad level":     "log:\n  level: chatty\n",
		"half tls":      "server:\n  tls_cert: cert.pem\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "metrics_path: /metrics")

	reloaded, err := Load(writeFile(t, string(out)))
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)

	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(out, &raw))
	assert.Contains(t, raw, "relay")
}
