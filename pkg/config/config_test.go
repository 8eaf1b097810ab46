package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
homeserver: https://matrix.example.org
user_id: "@nsfwbot:example.org"
access_token: secret
classifier:
  endpoint: http://127.0.0.1:5000
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxConcurrentJobs, cfg.MaxConcurrentJobs)
	assert.Equal(t, DefaultClassifierTimeoutSec, cfg.Classifier.TimeoutSeconds)
	assert.Equal(t, DefaultClassifierRPS, cfg.Classifier.RequestsPerSecond)
	assert.Equal(t, DefaultMaxImageBytes, cfg.Classifier.MaxImageBytes)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Actions.DirectReply)
	assert.Empty(t, cfg.Actions.ReportToRoom)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
homeserver: https://matrix.example.org
user_id: "@nsfwbot:example.org"
access_token: secret
max_concurrent_jobs: 4
via_servers: [example.org, other.example]
actions:
  ignore_sfw: true
  direct_reply: true
  report_to_room: "#mods:example.org"
  redact_nsfw: true
classifier:
  endpoint: http://127.0.0.1:5000
  token: tok
  timeout_seconds: 10
`))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxConcurrentJobs)
	assert.Equal(t, []string{"example.org", "other.example"}, cfg.ViaServers)
	assert.True(t, cfg.Actions.IgnoreSFW)
	assert.True(t, cfg.Actions.DirectReply)
	assert.Equal(t, "#mods:example.org", cfg.Actions.ReportToRoom)
	assert.True(t, cfg.Actions.RedactNSFW)
	assert.Equal(t, 10, cfg.Classifier.TimeoutSeconds)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing homeserver",
			mutate:  func(c *Config) { c.Homeserver = "" },
			wantErr: "homeserver",
		},
		{
			name:    "missing access token",
			mutate:  func(c *Config) { c.AccessToken = "" },
			wantErr: "access_token",
		},
		{
			name:    "missing classifier endpoint",
			mutate:  func(c *Config) { c.Classifier.Endpoint = "" },
			wantErr: "classifier.endpoint",
		},
		{
			name:    "bogus report room",
			mutate:  func(c *Config) { c.Actions.ReportToRoom = "mods" },
			wantErr: "report_to_room",
		},
		{
			name:   "alias report room is fine",
			mutate: func(c *Config) { c.Actions.ReportToRoom = "#mods:example.org" },
		},
		{
			name:   "room ID report room is fine",
			mutate: func(c *Config) { c.Actions.ReportToRoom = "!abc:example.org" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalConfig))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("NSFWBOT_ACCESS_TOKEN", "from-env")
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.AccessToken)
}
