package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"babbell/internal/buttons"
	"babbell/internal/scheduler"
)

// Validate checks cfg after defaults and the env overlay were applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, a ...any) { errs = append(errs, fmt.Errorf(format, a...)) }

	if len(cfg.Tenants) == 0 {
		add("no tenants configured (set tenants, WORKSPACES or SLACK_BOT_TOKEN + SLACK_APP_TOKEN)")
	}
	seen := map[string]bool{}
	for i, t := range cfg.Tenants {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			add("tenants[%d]: id required", i)
			continue
		}
		if seen[id] {
			add("tenants[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		switch t.Platform {
		case PlatformSlack:
			if !strings.HasPrefix(t.BotToken, "xoxb-") {
				add("tenant %s: bot_token must start with 'xoxb-'", id)
			}
			if !strings.HasPrefix(t.AppToken, "xapp-") {
				add("tenant %s: app_token must start with 'xapp-'", id)
			}
		case PlatformTelegram:
			if strings.TrimSpace(t.BotToken) == "" {
				add("tenant %s: bot_token required", id)
			}
			if _, err := ParseDurationField("tenants."+id+".poll_timeout", t.PollTimeout); err != nil {
				errs = append(errs, err)
			}
		default:
			add("tenant %s: unknown platform %q", id, t.Platform)
		}
		if t.APIURL != "" {
			if _, err := url.ParseRequestURI(t.APIURL); err != nil {
				add("tenant %s: invalid api_url: %v", id, err)
			}
		}
	}

	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path required for sqlite")
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn (or BABBELL_DB_DSN) required for postgres")
		}
	default:
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	for path, raw := range map[string]string{
		"storage.busy_timeout":   cfg.Storage.BusyTimeout,
		"admission.dedup_ttl":    cfg.Admission.DedupTTL,
		"admission.cooldown":     cfg.Admission.Cooldown,
		"menu.cache_ttl":         cfg.Menu.CacheTTL,
		"menu.timeout":           cfg.Menu.Timeout,
		"router.handler_timeout": cfg.Router.HandlerTimeout,
		"scheduler.timeout":      cfg.Scheduler.Timeout,
		"ops.read_timeout":       cfg.Ops.ReadTimeout,
		"ops.write_timeout":      cfg.Ops.WriteTimeout,
		"ops.idle_timeout":       cfg.Ops.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if r := cfg.Tracing.SampleRatio; r < 0 || r > 1 {
		add("tracing.sample_ratio must be within [0, 1]")
	}
	if cfg.Broadcast.RatePerSec < 0 {
		add("broadcast.rate_per_sec must be >= 0")
	}
	if cfg.Router.Workers < 0 || cfg.Router.QueueSize < 0 {
		add("router.workers and router.queue_size must be >= 0")
	}
	if cfg.Menu.Enabled && cfg.Menu.URL != "" {
		if _, err := url.ParseRequestURI(cfg.Menu.URL); err != nil {
			add("menu.url: %v", err)
		}
	}
	for i, c := range cfg.Poll.Choices {
		if strings.TrimSpace(c) == "" {
			add("poll.choices[%d]: empty choice", i)
		}
	}

	for _, s := range cfg.Schedules {
		if s.Tenant != "" && !seen[s.Tenant] {
			add("schedule %q: unknown tenant %q", s.Name, s.Tenant)
		}
		if def, ok := buttons.Get(s.Action); !ok || (!def.Broadcast && def.Value != buttons.StartPoll) {
			add("schedule %q: action %q is not a bell or START_POLL button", s.Name, s.Action)
		}
	}
	if err := scheduler.Validate(SchedulerSettings(cfg)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SchedulerSettings converts the scheduler and schedules sections.
func SchedulerSettings(cfg *Config) scheduler.Config {
	out := scheduler.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Timezone:    cfg.Scheduler.Timezone,
		Timeout:     durationOrZero(cfg.Scheduler.Timeout),
		HistorySize: cfg.Scheduler.HistorySize,
	}
	for _, s := range cfg.Schedules {
		out.Schedules = append(out.Schedules, scheduler.Schedule{Name: s.Name, Spec: s.Spec, Tenant: s.Tenant, Action: s.Action})
	}
	return out
}
