package server

import (
	"time"

	"github.com/Tyrowin/fanout/internal/config"
	"github.com/Tyrowin/fanout/internal/ratelimit"
)

// Options are the hub settings derived from the loaded configuration.
type Options struct {
	RateClasses   map[string]ratelimit.Rule
	RateIdleTTL   time.Duration
	RateSweep     time.Duration
	PresenceSweep time.Duration
	StaleAfter    time.Duration
	TypingTTL     time.Duration
	TabSweep      time.Duration
	TabInactive   time.Duration
	ReplayCap     int
	ReplayMaxAge  time.Duration
	ProgressCap   int
	ProgressSweep time.Duration
	RetainDone    time.Duration
	SystemWide    []string
}

// OptionsFromConfig copies the hub-relevant settings out of cfg. cfg is
// expected to have defaults applied.
func OptionsFromConfig(cfg *config.Config) Options {
	classes := make(map[string]ratelimit.Rule, len(cfg.RateLimit.Classes))
	for name, w := range cfg.RateLimit.Classes {
		classes[name] = ratelimit.Rule{Window: w.Window, Ceiling: w.Ceiling}
	}
	return Options{
		RateClasses:   classes,
		RateIdleTTL:   cfg.RateLimit.IdleTTL,
		RateSweep:     cfg.RateLimit.SweepInterval,
		PresenceSweep: cfg.Presence.SweepInterval,
		StaleAfter:    cfg.Presence.StaleAfter,
		TypingTTL:     cfg.Presence.TypingTTL,
		TabSweep:      cfg.Tabs.SweepInterval,
		TabInactive:   cfg.Tabs.InactiveAfter,
		ReplayCap:     cfg.Tabs.ReplayCap,
		ReplayMaxAge:  cfg.Tabs.ReplayMaxAge,
		ProgressCap:   cfg.Progress.Capacity,
		ProgressSweep: cfg.Progress.SweepInterval,
		RetainDone:    cfg.Progress.RetainFinished,
		SystemWide:    append([]string(nil), cfg.Counters.SystemWide...),
	}
}

// DefaultOptions returns Options built from config.Default.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
