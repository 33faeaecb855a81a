package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration is a settings field holding a Go duration string ("500ms", "5s",
// "1m"). It parses at decode time so a bad value fails startup with the rest
// of the settings errors, and an omitted field decodes to zero.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("duration %q must be >= 0", s)
	}
	d.Duration = v
	return nil
}

// Or returns the parsed duration, or def when the field was omitted.
func (d Duration) Or(def time.Duration) time.Duration {
	if d.Duration <= 0 {
		return def
	}
	return d.Duration
}

// Settings is the optional operational settings file (JSON or YAML). Every
// field has a sensible default; running without a file at all is supported.
// Credentials do not belong here, see Secrets.
type Settings struct {
	Logging   LoggingSettings   `json:"logging"`
	Rules     RulesSettings     `json:"rules"`
	Monitor   MonitorSettings   `json:"monitor"`
	Mail      MailSettings      `json:"mail"`
	Storage   StorageSettings   `json:"storage"`
	Heartbeat HeartbeatSettings `json:"heartbeat"`
}

type LoggingSettings struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type RulesSettings struct {
	// Dir holds channels.txt, groups.txt, users.txt and keywords.txt.
	Dir string `json:"dir"`
}

// MonitorSettings tunes the reload loop and the match pipeline.
type MonitorSettings struct {
	ReloadInterval Duration `json:"reload_interval"`
	ReloadSettle   Duration `json:"reload_settle"`
	BacklogGrace   Duration `json:"backlog_grace"`
	DedupCapacity  int      `json:"dedup_capacity"`
}

// MailSettings tunes the outbound dispatcher. Connection credentials and
// recipients come from the environment.
type MailSettings struct {
	QueueSize     int      `json:"queue_size"`
	Workers       int      `json:"workers"`
	RatePerMinute int      `json:"rate_per_minute"`
	SendTimeout   Duration `json:"send_timeout"`
	SMTPTimeout   Duration `json:"smtp_timeout"`
}

// StorageSettings controls the optional delivery audit log.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./tgwatch_store" }
type StorageSettings struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"` // sqlite only
	// RetentionDays prunes audit records older than this at the nightly
	// maintenance tick. Zero keeps everything.
	RetentionDays int `json:"retention_days,omitempty"`
}

// HeartbeatSettings controls the optional periodic liveness email.
type HeartbeatSettings struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression; default "0 9 * * *" (daily 09:00).
	Schedule string `json:"schedule,omitempty"`
}

// Default returns the settings used when no file is given.
func Default() *Settings {
	return &Settings{
		Logging: LoggingSettings{Level: "info", Console: true},
		Rules:   RulesSettings{Dir: "./rules"},
	}
}

// LoadSettings parses path strictly: unknown keys are an error, so a typo in
// the settings file is caught at startup instead of silently ignored.
func LoadSettings(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	s := Default()
	if err := decodeStrict(path, b, s); err != nil {
		return nil, err
	}
	return s, nil
}

// decodeStrict decodes settings bytes into s with unknown keys and trailing
// tokens rejected. YAML input goes through a JSON round-trip so both formats
// share the one strict decoder (and the Duration parsing that hangs off it).
func decodeStrict(path string, data []byte, s *Settings) error {
	format := "json"
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		format = "yaml"
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("yaml unmarshal: %w", err)
		}
		jb, err := json.Marshal(stringKeys(raw))
		if err != nil {
			return fmt.Errorf("yaml->json marshal: %w", err)
		}
		data = jb
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		return fmt.Errorf("parse %s settings: %w", format, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("invalid settings: trailing data")
		}
		return err
	}
	return nil
}

// stringKeys rewrites YAML's map keys to strings so the value can be
// JSON-marshaled.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}
