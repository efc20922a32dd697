package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plaza/cmd/internal/realtime"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("PLAZA_IDENTITY_DEV_TOKENS", "tok=u1:One:one@example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Zero(t, cfg.ReadTimeout)
	assert.Zero(t, cfg.WriteTimeout)
	assert.Equal(t, "plaza", cfg.DBSchema)
	assert.True(t, cfg.DBMigrate)
	assert.Equal(t, realtime.DefaultConfig(), cfg.Relay)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plaza.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relay:
  afk_after: 90s
  chat_interval: 1s
  max_chat_runes: 280
  allowed_origins:
    - https://play.example.com
`), 0o600))

	t.Setenv("PLAZA_IDENTITY_DEV_TOKENS", "tok=u1")
	t.Setenv("PLAZA_CONFIG_FILE", path)
	t.Setenv("PLAZA_AFK_AFTER", "2m")
	t.Setenv("PLAZA_TRUST_PROXY", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Relay.AFKAfter, "env wins over file")
	assert.Equal(t, time.Second, cfg.Relay.ChatInterval)
	assert.Equal(t, 280, cfg.Relay.MaxChatRunes)
	assert.Equal(t, []string{"https://play.example.com"}, cfg.Relay.AllowedOrigins)
	assert.True(t, cfg.Relay.TrustProxy)
	assert.Equal(t, realtime.DefaultConfig().PositionInterval, cfg.Relay.PositionInterval, "absent keys keep defaults")
}

func TestLoadConfig_UnknownFileKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plaza.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  afk_aftr: 1m\n"), 0o600))

	t.Setenv("PLAZA_IDENTITY_DEV_TOKENS", "tok=u1")
	t.Setenv("PLAZA_CONFIG_FILE", path)

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "afk_aftr")
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	err := Config{LogFormat: "xml", DBMaxConns: 2, DBMinConns: 5}.Validate()
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{"PLAZA_HTTP_ADDR", "PLAZA_LOG_FORMAT", "PLAZA_DB_MIN_CONNS", "identity source"} {
		assert.True(t, strings.Contains(msg, want), "missing %q in %q", want, msg)
	}

	ok := Config{HTTPAddr: ":8080", LogFormat: "pretty", IdentityURL: "https://id.example.com/validate"}
	assert.NoError(t, ok.Validate())
}

func TestEnvList(t *testing.T) {
	t.Setenv("PLAZA_TEST_LIST", " a , ,b,")
	assert.Equal(t, []string{"a", "b"}, EnvList("PLAZA_TEST_LIST", nil))

	t.Setenv("PLAZA_TEST_LIST", " , ")
	assert.Equal(t, []string{"x"}, EnvList("PLAZA_TEST_LIST", []string{"x"}))
}
