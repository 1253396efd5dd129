package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAddr            = ":8080"
	DefaultOrigin          = "http://localhost:8080"
	DefaultMaxMessageSize  = 4096
	DefaultSendBuffer      = 256
	DefaultShutdownTimeout = 10 * time.Second

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	DefaultRateLimitIdleTTL       = 5 * time.Minute
	DefaultRateLimitSweepInterval = time.Minute

	DefaultPresenceSweepInterval = 60 * time.Second
	DefaultPresenceStaleAfter    = 5 * time.Minute
	DefaultTypingTTL             = 30 * time.Second

	DefaultTabSweepInterval = 60 * time.Second
	DefaultTabInactiveAfter = 5 * time.Minute
	DefaultReplayCap        = 1000
	DefaultReplayMaxAge     = 24 * time.Hour

	DefaultProgressCapacity       = 1000
	DefaultProgressSweepInterval  = 5 * time.Minute
	DefaultProgressRetainFinished = time.Hour

	DefaultSeedTimeout = 30 * time.Second

	DefaultIngressRequestsPerMinute = 600
	DefaultIngressBurst             = 50
)

// Operation class names understood by the rate limiter.
const (
	ClassDefault   = "default"
	ClassJoin      = "join"
	ClassHeartbeat = "heartbeat"
	ClassPresence  = "presence"
	ClassTyping    = "typing"
	ClassTab       = "tab"
	ClassSync      = "sync"
	ClassCounters  = "counters"
	ClassProgress  = "progress"
)

// DefaultClasses returns the built-in admission rules. Room-join is stricter
// than heartbeat.
func DefaultClasses() map[string]Window {
	return map[string]Window{
		ClassDefault:   {Window: time.Second, Ceiling: 20},
		ClassJoin:      {Window: 10 * time.Second, Ceiling: 5},
		ClassHeartbeat: {Window: 10 * time.Second, Ceiling: 20},
		ClassPresence:  {Window: 10 * time.Second, Ceiling: 10},
		ClassTyping:    {Window: time.Second, Ceiling: 5},
		ClassTab:       {Window: 10 * time.Second, Ceiling: 30},
		ClassSync:      {Window: time.Second, Ceiling: 10},
		ClassCounters:  {Window: 10 * time.Second, Ceiling: 10},
		ClassProgress:  {Window: 10 * time.Second, Ceiling: 10},
	}
}

// DefaultSystemWide lists the counter categories also broadcast to the global room.
func DefaultSystemWide() []string {
	return []string{"queue", "staff"}
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{DefaultOrigin}
	}
	if c.Server.MaxMessageSize <= 0 {
		c.Server.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Server.SendBuffer <= 0 {
		c.Server.SendBuffer = DefaultSendBuffer
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	classes := DefaultClasses()
	if c.RateLimit.Classes == nil {
		c.RateLimit.Classes = make(map[string]Window, len(classes))
	}
	for name, def := range classes {
		w := c.RateLimit.Classes[name]
		if w.Window <= 0 {
			w.Window = def.Window
		}
		if w.Ceiling <= 0 {
			w.Ceiling = def.Ceiling
		}
		c.RateLimit.Classes[name] = w
	}
	if c.RateLimit.IdleTTL <= 0 {
		c.RateLimit.IdleTTL = DefaultRateLimitIdleTTL
	}
	if c.RateLimit.SweepInterval <= 0 {
		c.RateLimit.SweepInterval = DefaultRateLimitSweepInterval
	}

	if c.Presence.SweepInterval <= 0 {
		c.Presence.SweepInterval = DefaultPresenceSweepInterval
	}
	if c.Presence.StaleAfter <= 0 {
		c.Presence.StaleAfter = DefaultPresenceStaleAfter
	}
	if c.Presence.TypingTTL <= 0 {
		c.Presence.TypingTTL = DefaultTypingTTL
	}

	if c.Tabs.SweepInterval <= 0 {
		c.Tabs.SweepInterval = DefaultTabSweepInterval
	}
	if c.Tabs.InactiveAfter <= 0 {
		c.Tabs.InactiveAfter = DefaultTabInactiveAfter
	}
	if c.Tabs.ReplayCap <= 0 {
		c.Tabs.ReplayCap = DefaultReplayCap
	}
	if c.Tabs.ReplayMaxAge <= 0 {
		c.Tabs.ReplayMaxAge = DefaultReplayMaxAge
	}

	if c.Progress.Capacity <= 0 {
		c.Progress.Capacity = DefaultProgressCapacity
	}
	if c.Progress.SweepInterval <= 0 {
		c.Progress.SweepInterval = DefaultProgressSweepInterval
	}
	if c.Progress.RetainFinished <= 0 {
		c.Progress.RetainFinished = DefaultProgressRetainFinished
	}

	if c.Counters.SystemWide == nil {
		c.Counters.SystemWide = DefaultSystemWide()
	}
	if c.Counters.Seed.Timeout <= 0 {
		c.Counters.Seed.Timeout = DefaultSeedTimeout
	}

	if c.Ingress.RequestsPerMinute <= 0 {
		c.Ingress.RequestsPerMinute = DefaultIngressRequestsPerMinute
	}
	if c.Ingress.Burst <= 0 {
		c.Ingress.Burst = DefaultIngressBurst
	}
}
