package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.Identity.UserID = "alice"
	return cfg
}

func TestDefaultNeedsUserID(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())

	cfg.Identity.UserID = "alice"
	assert.NoError(t, cfg.Validate())

	cfg.Identity.UserID = ""
	cfg.Signaling.Mode = ModeP2P
	assert.NoError(t, cfg.Validate(), "p2p mode uses the peer id")
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Signaling.Mode = "carrier-pigeon" }},
		{"ws with http url", func(c *Config) { c.Signaling.RelayURL = "http://relay:8787" }},
		{"sse with ws url", func(c *Config) { c.Signaling.Mode = ModeSSE; c.Signaling.RelayURL = "ws://relay" }},
		{"unspecified host", func(c *Config) { c.Signaling.RelayURL = "ws://0.0.0.0:8787/ws" }},
		{"bad port", func(c *Config) { c.Signaling.RelayURL = "ws://relay:99999/ws" }},
		{"p2p port", func(c *Config) { c.Signaling.Mode = ModeP2P; c.Signaling.ListenPort = 70000 }},
		{"ice scheme", func(c *Config) { c.ICE.Servers = []string{"http://stun.example"} }},
		{"ice timeouts", func(c *Config) { c.ICE.FailedTimeoutSec = c.ICE.DisconnectedTimeoutSec }},
		{"tiny video", func(c *Config) { c.Media.MaxWidth = 10 }},
		{"bitrate", func(c *Config) { c.Media.VideoBitrateKb = 0 }},
		{"ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }},
		{"connect timeout", func(c *Config) { c.Call.ConnectTimeoutSec = -1 }},
		{"http addr", func(c *Config) { c.Viewer.HTTPAddr = "no-port" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"user id with slash", func(c *Config) { c.Identity.UserID = "a/b" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callcore.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"user_id":"bob"},"call":{"ring_timeout_seconds":5}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Identity.UserID)
	assert.Equal(t, 5, cfg.Call.RingTimeoutSec)
	assert.Equal(t, Default().Call.ConnectTimeoutSec, cfg.Call.ConnectTimeoutSec)
	assert.Equal(t, ModeWS, cfg.Signaling.Mode)
}

func TestLoadValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callcore.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"identity":{"user_id":""}}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)

	cfg, err := LoadPartial(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Identity.UserID)
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callcore.json")

	cfg, created, err := Ensure(path, "", "carol")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "carol", cfg.Identity.UserID)

	cfg.Call.RingTimeoutSec = 12
	require.NoError(t, Save(path, cfg))

	again, created, err := Ensure(path, "", "ignored")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "carol", again.Identity.UserID)
	assert.Equal(t, 12, again.Call.RingTimeoutSec)
}

func TestEnsureAppliesEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callcore.json")
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		EnvRelayURL+"=wss://relay.example.org/ws\n"+
			EnvHTTPAddr+"=127.0.0.1:9999\n"+
			EnvLogLevel+"=DEBUG\n"), 0o644))

	for _, k := range []string{EnvUserID, EnvRelayURL, EnvHTTPAddr, EnvLogLevel} {
		k := k
		prev, had := os.LookupEnv(k)
		require.NoError(t, os.Unsetenv(k))
		t.Cleanup(func() {
			if had {
				os.Setenv(k, prev)
			} else {
				os.Unsetenv(k)
			}
		})
	}

	cfg, _, err := Ensure(path, envFile, "dave")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.org/ws", cfg.Signaling.RelayURL)
	assert.Equal(t, "127.0.0.1:9999", cfg.Viewer.HTTPAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyEnvFileMissingIsFine(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, ApplyEnvFile(&cfg, filepath.Join(t.TempDir(), "nope.env")))
	assert.Equal(t, "alice", cfg.Identity.UserID)
}

func TestApplyEnvOverridesUserID(t *testing.T) {
	t.Setenv(EnvUserID, "erin")
	cfg := validConfig()
	ApplyEnv(&cfg)
	assert.Equal(t, "erin", cfg.Identity.UserID)
}
