package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSettingsJSON(t *testing.T) {
	path := writeFile(t, "settings.json", `{
		"logging": {"level": "debug", "console": true},
		"rules": {"dir": "/etc/tgwatch/rules"},
		"monitor": {"reload_interval": "10s", "dedup_capacity": 500},
		"mail": {"workers": 4, "rate_per_minute": 30},
		"storage": {"driver": "file", "path": "./store", "retention_days": 7},
		"heartbeat": {"enabled": true, "schedule": "0 8 * * *"}
	}`)

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", s.Logging.Level)
	assert.Equal(t, "/etc/tgwatch/rules", s.Rules.Dir)
	assert.Equal(t, 10*time.Second, s.Monitor.ReloadInterval.Duration)
	assert.Equal(t, 500, s.Monitor.DedupCapacity)
	assert.Equal(t, 4, s.Mail.Workers)
	assert.Equal(t, 7, s.Storage.RetentionDays)
	assert.True(t, s.Heartbeat.Enabled)
}

func TestLoadSettingsYAML(t *testing.T) {
	path := writeFile(t, "settings.yaml", `
logging:
  level: warn
  console: false
rules:
  dir: ./myrules
monitor:
  backlog_grace: 45s
`)
	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", s.Logging.Level)
	assert.Equal(t, "./myrules", s.Rules.Dir)
	assert.Equal(t, 45*time.Second, s.Monitor.BacklogGrace.Duration)
}

func TestLoadSettingsRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "settings.json", `{"montior": {"reload_interval": "5s"}}`)
	_, err := LoadSettings(path)
	require.Error(t, err)
}

func TestLoadSettingsRejectsTrailingData(t *testing.T) {
	path := writeFile(t, "settings.json", `{"rules": {"dir": "./a"}}{"rules": {"dir": "./b"}}`)
	_, err := LoadSettings(path)
	require.Error(t, err)
}

func TestDefaultsSurviveMissingSections(t *testing.T) {
	path := writeFile(t, "settings.json", `{"monitor": {"reload_interval": "7s"}}`)
	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "info", s.Logging.Level)
	assert.Equal(t, "./rules", s.Rules.Dir)
}

func TestValidateSecretsEnumeratesProblems(t *testing.T) {
	err := ValidateSecrets(&Secrets{SMTPHost: "smtp.qq.com", SMTPPort: 465, SMTPUser: "not-an-email"})
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "TGWATCH_TELEGRAM_TOKEN is not set")
	assert.Contains(t, msg, "TGWATCH_SMTP_USER must be an email address")
	assert.Contains(t, msg, "TGWATCH_SMTP_PASS is not set")
	assert.Contains(t, msg, "TGWATCH_MAIL_TO is not set")
}

func TestValidateSecretsOK(t *testing.T) {
	err := ValidateSecrets(&Secrets{
		TelegramToken: "12345:token",
		SMTPHost:      "smtp.qq.com",
		SMTPPort:      465,
		SMTPUser:      "bot@qq.com",
		SMTPPass:      "apppass",
		MailTo:        []string{"ops@example.com"},
	})
	require.NoError(t, err)
}

func TestDurationFieldDecoding(t *testing.T) {
	path := writeFile(t, "settings.json", `{"monitor": {"reload_interval": "5s", "reload_settle": ""}}`)
	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, s.Monitor.ReloadInterval.Duration)
	// Empty and omitted both fall back to the caller's default.
	assert.Equal(t, 2*time.Second, s.Monitor.ReloadSettle.Or(2*time.Second))
	assert.Equal(t, 30*time.Second, s.Monitor.BacklogGrace.Or(30*time.Second))

	// A bad value fails the whole load, not silently defaults.
	bad := writeFile(t, "settings.json", `{"monitor": {"reload_interval": "soon"}}`)
	_, err = LoadSettings(bad)
	require.Error(t, err)

	neg := writeFile(t, "settings.json", `{"monitor": {"reload_interval": "-1s"}}`)
	_, err = LoadSettings(neg)
	require.Error(t, err)
}
