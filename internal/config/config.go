// Package config loads meetbot settings from a JSON or TOML file with
// MEETBOT_* environment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

type Config struct {
	DataDir  string `json:"data_dir" toml:"data_dir" env:"MEETBOT_DATA_DIR"`
	LogLevel string `json:"log_level" toml:"log_level" env:"MEETBOT_LOG_LEVEL"`
	HTTP     struct {
		Listen    string `json:"listen" toml:"listen" env:"MEETBOT_HTTP_LISTEN"`
		PublicURL string `json:"public_url" toml:"public_url" env:"MEETBOT_HTTP_PUBLIC_URL"`
	} `json:"http" toml:"http"`
	Runtime struct {
		Driver     string   `json:"driver" toml:"driver" env:"MEETBOT_RUNTIME_DRIVER"`
		Image      string   `json:"image" toml:"image" env:"MEETBOT_RUNTIME_IMAGE"`
		Network    string   `json:"network" toml:"network" env:"MEETBOT_RUNTIME_NETWORK"`
		AutoRemove bool     `json:"auto_remove" toml:"auto_remove" env:"MEETBOT_RUNTIME_AUTO_REMOVE"`
		Command    string   `json:"command" toml:"command" env:"MEETBOT_RUNTIME_COMMAND"`
		Args       []string `json:"args" toml:"args" env:"MEETBOT_RUNTIME_ARGS"`
	} `json:"runtime" toml:"runtime"`
	Worker struct {
		MaxConcurrent   int               `json:"max_concurrent" toml:"max_concurrent" env:"MEETBOT_WORKER_MAX_CONCURRENT"`
		StartTimeout    string            `json:"start_timeout" toml:"start_timeout" env:"MEETBOT_WORKER_START_TIMEOUT"`
		StopGrace       string            `json:"stop_grace" toml:"stop_grace" env:"MEETBOT_WORKER_STOP_GRACE"`
		Env             map[string]string `json:"env" toml:"env" env:"MEETBOT_WORKER_ENV"`
		DefaultBotName  string            `json:"default_bot_name" toml:"default_bot_name" env:"MEETBOT_WORKER_DEFAULT_BOT_NAME"`
		DefaultLanguage string            `json:"default_language" toml:"default_language" env:"MEETBOT_WORKER_DEFAULT_LANGUAGE"`
	} `json:"worker" toml:"worker"`
	Sweeper struct {
		Schedule  string `json:"schedule" toml:"schedule" env:"MEETBOT_SWEEPER_SCHEDULE"`
		Retention string `json:"retention" toml:"retention" env:"MEETBOT_SWEEPER_RETENTION"`
	} `json:"sweeper" toml:"sweeper"`
	Transcripts struct {
		CountTokens bool `json:"count_tokens" toml:"count_tokens" env:"MEETBOT_TRANSCRIPTS_COUNT_TOKENS"`
	} `json:"transcripts" toml:"transcripts"`
	Notify struct {
		MaxConcurrent int `json:"max_concurrent" toml:"max_concurrent" env:"MEETBOT_NOTIFY_MAX_CONCURRENT"`
		Telegram      struct {
			Token  string `json:"token" toml:"token" env:"MEETBOT_NOTIFY_TELEGRAM_TOKEN"`
			ChatID int64  `json:"chat_id" toml:"chat_id" env:"MEETBOT_NOTIFY_TELEGRAM_CHAT_ID"`
		} `json:"telegram" toml:"telegram"`
		WebhookURL string `json:"webhook_url" toml:"webhook_url" env:"MEETBOT_NOTIFY_WEBHOOK_URL"`
	} `json:"notify" toml:"notify"`
}

// DefaultPath returns ~/.meetbot/config.json.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.json")
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".meetbot")
	}
	return ".meetbot"
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{
		DataDir:  defaultDataDir(),
		LogLevel: "info",
	}
	cfg.HTTP.Listen = ":8080"
	cfg.Runtime.Driver = "docker"
	cfg.Runtime.Image = "meetbot-worker:latest"
	cfg.Worker.MaxConcurrent = 10
	cfg.Worker.StartTimeout = "60s"
	cfg.Worker.StopGrace = "10s"
	cfg.Worker.DefaultBotName = "Notetaker"
	cfg.Worker.DefaultLanguage = "es"
	cfg.Sweeper.Schedule = "@every 30s"
	cfg.Sweeper.Retention = "24h"
	cfg.Notify.MaxConcurrent = 2
	return cfg
}

// Load reads path over the defaults, writing the defaults there first if
// the file does not exist, then applies MEETBOT_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.DataDir = expandTilde(cfg.DataDir)
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	for _, ck := range checks {
		if err := ck.valid(c); err != nil {
			return fmt.Errorf("%s %w", ck.key, err)
		}
	}
	switch {
	case c.Runtime.Driver == "docker" && c.Runtime.Image == "":
		return fmt.Errorf("runtime.image is required for the docker driver")
	case c.Runtime.Driver == "process" && c.Runtime.Command == "":
		return fmt.Errorf("runtime.command is required for the process driver")
	}
	if (c.Notify.Telegram.Token == "") != (c.Notify.Telegram.ChatID == 0) {
		return fmt.Errorf("notify.telegram needs both token and chat_id")
	}
	return nil
}

// StartTimeout returns worker.start_timeout, or 60s if it does not parse.
func (c *Config) StartTimeout() time.Duration {
	return parseDuration(c.Worker.StartTimeout, 60*time.Second)
}

// StopGrace returns worker.stop_grace, or 10s if it does not parse.
func (c *Config) StopGrace() time.Duration {
	return parseDuration(c.Worker.StopGrace, 10*time.Second)
}

// Retention returns sweeper.retention, or 24h if it does not parse.
func (c *Config) Retention() time.Duration {
	return parseDuration(c.Sweeper.Retention, 24*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// Save writes cfg to path atomically, as TOML when path ends in .toml and
// JSON otherwise.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

// ToMap converts the config to a nested map through its JSON encoding.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config map: %w", err)
	}
	return m, nil
}

// ListValues returns the config as a flat map of dot-separated keys,
// optionally with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the effective value of key, defaults and environment
// included.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	if v, ok := flat[key]; ok {
		return v, nil
	}
	// Keys set by hand that no setting reads yet.
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := Flatten(raw)[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown config key: %s", key)
}

// SetValue writes key=raw into the config file at path, which must exist.
// raw is parsed as JSON when possible (numbers, booleans, arrays) and used
// as a plain string otherwise. The key must name a setting, a worker.env
// entry or a key already in the file, and the new value must pass that
// setting's check. Cross-setting rules are left to Validate so settings
// that depend on each other can be set one at a time.
func SetValue(path, key, raw string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	if err := checkKeySyntax(key); err != nil {
		return err
	}
	flat := Flatten(m)
	if _, inFile := flat[key]; !inFile && !isKnownKey(key) {
		return fmt.Errorf("unknown config key: %s (see 'meetbot config list')", key)
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		v = raw
	}
	dropSubtree(flat, key)
	for k := range flat {
		if strings.HasPrefix(key, k+".") {
			delete(flat, k)
		}
	}
	flat[key] = v

	data, err := encode(path, Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	merged := Default()
	if err := decode(path, data, merged); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	for _, ck := range checks {
		if ck.key != key && !strings.HasPrefix(ck.key, key+".") {
			continue
		}
		if err := ck.valid(merged); err != nil {
			return fmt.Errorf("invalid value for %s: %s %w", key, ck.key, err)
		}
	}
	return writeAtomic(path, data)
}

// UnsetValue removes key, and anything below it, from the config file so
// the default applies again.
func UnsetValue(path, key string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	if err := checkKeySyntax(key); err != nil {
		return err
	}
	flat := Flatten(m)
	if dropSubtree(flat, key) == 0 {
		return fmt.Errorf("%s is not set in %s", key, path)
	}
	data, err := encode(path, Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func checkKeySyntax(key string) error {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return fmt.Errorf("invalid config key: %q", key)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	m := make(map[string]any)
	if err := decode(path, data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return decode(path, data, v)
}

func decode(path string, data []byte, v any) error {
	if isTOML(path) {
		if _, err := toml.Decode(string(data), v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func encode(path string, v any) ([]byte, error) {
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
