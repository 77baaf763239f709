package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
hub:
  heartbeat_ttl: 45s
  launch: "exec pulse-hub --addr {{ .Addr | shq }}"
publisher:
  tap: pane
  redact_keys: [session_cookie]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Hub.HeartbeatTTL)
	assert.Equal(t, DefaultConfig().Hub.CommandTimeout, cfg.Hub.CommandTimeout)
	assert.Equal(t, "pane", cfg.Publisher.Tap)
	assert.Equal(t, []string{"session_cookie"}, cfg.Publisher.RedactKeys)
	assert.Equal(t, DefaultConfig().Publisher.Debounce, cfg.Publisher.Debounce)
	assert.Equal(t, DefaultConfig().Subscriber.Topics, cfg.Subscriber.Topics)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "unknown tap", body: "publisher:\n  tap: pty\n", field: "publisher.tap"},
		{name: "backoff inverted", body: "publisher:\n  backoff_min: 5s\n  backoff_max: 1s\n", field: "publisher.backoff_max"},
		{name: "negative sweep", body: "hub:\n  sweep_interval: -1s\n", field: "hub.sweep_interval"},
		{name: "unknown topic", body: "subscriber:\n  topics: [agent_state, chat]\n", field: "subscriber.topics[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))

			var fieldErrs criterio.FieldErrors
			require.ErrorAs(t, err, &fieldErrs)
			require.Len(t, fieldErrs, 1)
			assert.Equal(t, tt.field, fieldErrs[0].Field)
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "hub: [unterminated"))
	assert.ErrorContains(t, err, "parse config file")
}

func TestValidateDeep_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.ValidateDeep(""))
	assert.Empty(t, cfg.Warnings())
}

func TestValidateDeep_InvalidLaunchTemplate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hub.Launch = "exec pulse hub serve --addr {{ .Address }}"

	err := cfg.ValidateDeep("")

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, err, &fieldErrs)
	require.Len(t, fieldErrs, 1)
	assert.Equal(t, "hub.launch", fieldErrs[0].Field)
	assert.Contains(t, fieldErrs[0].Err.Error(), "template error")
}

func TestValidateDeep_ConfigPathIsDirectory(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ValidateDeep(t.TempDir())

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, err, &fieldErrs)
	assert.Equal(t, "config file", fieldErrs[0].Field)
}

func TestValidateDeep_EmptyRedactKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Publisher.RedactKeys = []string{"cookie", " "}

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, cfg.ValidateDeep(""), &fieldErrs)
	assert.Equal(t, "publisher.redact_keys[1]", fieldErrs[0].Field)
}

func TestWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Publisher.HeartbeatInterval = cfg.Hub.HeartbeatTTL
	cfg.Subscriber.CommandTimeout = time.Second
	cfg.Subscriber.Topics = []string{"command_result"}

	items := make([]string, 0, 3)
	for _, w := range cfg.Warnings() {
		items = append(items, w.Item)
	}
	assert.Equal(t, []string{"publisher.heartbeat_interval", "subscriber.command_timeout", "subscriber.topics"}, items)
}

func TestRenderLaunch(t *testing.T) {
	cfg := DefaultConfig()
	got, err := cfg.RenderLaunch(LaunchTemplateData{
		Exe:        "/usr/local/bin/pulse",
		ConfigPath: "/home/me/.config/pulse/config.yaml",
		SessionID:  "it's mine",
		Addr:       "127.0.0.1:42000",
	})
	require.NoError(t, err)
	assert.Equal(t, `exec '/usr/local/bin/pulse' --config '/home/me/.config/pulse/config.yaml' hub serve --session 'it'\''s mine' --addr '127.0.0.1:42000'`, got)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, "/xdg/pulse/config.yaml", DefaultPath())
}
