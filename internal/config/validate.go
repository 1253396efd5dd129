package config

import (
	"errors"
	"fmt"
	"strings"
)

var validCategories = map[string]bool{
	"appointments":  true,
	"queue":         true,
	"users":         true,
	"staff":         true,
	"consultations": true,
	"remedies":      true,
	"notifications": true,
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.MaxMessageSize <= 0 {
		return errors.New("server.max_message_size must be positive")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	for name, w := range c.RateLimit.Classes {
		if w.Window <= 0 {
			return fmt.Errorf("rate_limit.classes.%s.window must be positive", name)
		}
		if w.Ceiling <= 0 {
			return fmt.Errorf("rate_limit.classes.%s.ceiling must be positive", name)
		}
	}
	if _, ok := c.RateLimit.Classes[ClassDefault]; !ok {
		return errors.New("rate_limit.classes.default is required")
	}

	if c.Presence.TypingTTL > c.Presence.StaleAfter {
		return fmt.Errorf("presence.typing_ttl (%s) cannot exceed presence.stale_after (%s)",
			c.Presence.TypingTTL, c.Presence.StaleAfter)
	}

	if c.Tabs.ReplayCap <= 0 {
		return errors.New("tabs.replay_cap must be positive")
	}

	if c.Progress.Capacity <= 0 {
		return errors.New("progress.capacity must be positive")
	}

	for _, name := range c.Counters.SystemWide {
		if !validCategories[name] {
			return fmt.Errorf("counters.system_wide: unknown category %q", name)
		}
	}

	switch c.Counters.Seed.Driver {
	case "":
	case "postgres", "sqlite":
		if c.Counters.Seed.DSN == "" {
			return fmt.Errorf("counters.seed.dsn is required for driver %q", c.Counters.Seed.Driver)
		}
		for name := range c.Counters.Seed.Queries {
			if !validCategories[name] {
				return fmt.Errorf("counters.seed.queries: unknown category %q", name)
			}
		}
	default:
		return fmt.Errorf("counters.seed.driver must be postgres or sqlite, got %q", c.Counters.Seed.Driver)
	}

	return nil
}
