package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// check validates one setting of a fully merged config.
type check struct {
	key   string
	valid func(c *Config) error
}

var checks = []check{
	{"log_level", func(c *Config) error {
		return oneOf(c.LogLevel, "debug", "info", "warn", "error")
	}},
	{"data_dir", func(c *Config) error {
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("is required")
		}
		return nil
	}},
	{"http.public_url", func(c *Config) error { return absoluteURL(c.HTTP.PublicURL) }},
	{"runtime.driver", func(c *Config) error {
		return oneOf(c.Runtime.Driver, "docker", "process")
	}},
	{"worker.max_concurrent", func(c *Config) error { return positive(c.Worker.MaxConcurrent) }},
	{"worker.start_timeout", func(c *Config) error { return duration(c.Worker.StartTimeout) }},
	{"worker.stop_grace", func(c *Config) error { return duration(c.Worker.StopGrace) }},
	{"sweeper.schedule", func(c *Config) error {
		if _, err := cron.ParseStandard(c.Sweeper.Schedule); err != nil {
			return fmt.Errorf("must be a cron spec like @every 30s, got %q", c.Sweeper.Schedule)
		}
		return nil
	}},
	{"sweeper.retention", func(c *Config) error { return duration(c.Sweeper.Retention) }},
	{"notify.max_concurrent", func(c *Config) error { return positive(c.Notify.MaxConcurrent) }},
	{"notify.webhook_url", func(c *Config) error { return absoluteURL(c.Notify.WebhookURL) }},
}

// isKnownKey reports whether key names a setting. worker.env takes any
// variable name below it.
func isKnownKey(key string) bool {
	if name, ok := strings.CutPrefix(key, "worker.env."); ok {
		return !strings.Contains(name, ".")
	}
	m, err := ToMap(Default())
	if err != nil {
		return false
	}
	_, ok := Flatten(m)[key]
	return ok
}

func oneOf(v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("must be one of %s, got %q", strings.Join(allowed, ", "), v)
}

func positive(n int) error {
	if n <= 0 {
		return fmt.Errorf("must be positive, got %d", n)
	}
	return nil
}

func duration(s string) error {
	if d, err := time.ParseDuration(s); err != nil || d < 0 {
		return fmt.Errorf("must be a duration like 30s, got %q", s)
	}
	return nil
}

func absoluteURL(s string) error {
	if s == "" {
		return nil
	}
	if u, err := url.Parse(s); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute URL, got %q", s)
	}
	return nil
}
