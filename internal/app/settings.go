package app

import (
	"errors"
	"strings"
	"time"

	"babbell/internal/admission"
	"babbell/internal/broadcast"
	"babbell/internal/config"
	"babbell/internal/menu"
	"babbell/internal/ops"
	"babbell/internal/poll"
	"babbell/internal/router"
	"babbell/internal/scheduler"
	"babbell/internal/storage"
	"babbell/internal/tracing"
	logx "babbell/pkg/logx"
)

const defaultBusyTimeout = time.Second

// settings holds the per-component configs derived from one config.Config.
type settings struct {
	logging   logx.Config
	storage   storage.Config
	admission admission.Config
	broadcast broadcast.Config
	menu      menu.Config
	poll      poll.Config
	router    router.Config
	scheduler scheduler.Config
	ops       ops.Config
	tracing   tracing.Config
}

// mapSettings converts the file config into component configs. Every bad
// field is reported, not just the first.
func mapSettings(cfg *config.Config) (settings, error) {
	var errs []error
	durOr := func(path, raw string, def time.Duration) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	dur := func(path, raw string) time.Duration { return durOr(path, raw, 0) }

	var s settings
	s.logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}

	s.storage = storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		DSN:         strings.TrimSpace(cfg.Storage.DSN),
		BusyTimeout: durOr("storage.busy_timeout", cfg.Storage.BusyTimeout, defaultBusyTimeout),
	}

	s.admission = admission.Config{
		DuplicateTTL: dur("admission.dedup_ttl", cfg.Admission.DedupTTL),
		Cooldown:     dur("admission.cooldown", cfg.Admission.Cooldown),
	}
	s.broadcast = broadcast.Config{
		IncludeActor: cfg.Broadcast.IncludeActor,
		RatePerSec:   cfg.Broadcast.RatePerSec,
	}
	s.menu = menu.Config{
		Enabled:  cfg.Menu.Enabled,
		URL:      cfg.Menu.URL,
		CacheTTL: dur("menu.cache_ttl", cfg.Menu.CacheTTL),
		Timeout:  dur("menu.timeout", cfg.Menu.Timeout),
	}
	s.poll = poll.Config{Choices: cfg.Poll.Choices}
	s.router = router.Config{
		Workers:        cfg.Router.Workers,
		QueueSize:      cfg.Router.QueueSize,
		HandlerTimeout: dur("router.handler_timeout", cfg.Router.HandlerTimeout),
	}
	s.scheduler = config.SchedulerSettings(cfg)
	s.ops = ops.Config{
		Enabled:              cfg.Ops.Enabled,
		Addr:                 cfg.Ops.Addr,
		Token:                cfg.Ops.Token,
		AllowInsecure:        cfg.Ops.AllowInsecure,
		Pprof:                cfg.Ops.Pprof,
		ReadTimeout:          durOr("ops.read_timeout", cfg.Ops.ReadTimeout, 5*time.Second),
		WriteTimeout:         dur("ops.write_timeout", cfg.Ops.WriteTimeout), // 0: pprof profiles stream for 30s
		IdleTimeout:          durOr("ops.idle_timeout", cfg.Ops.IdleTimeout, 120*time.Second),
		MutexProfileFraction: cfg.Ops.MutexProfileFraction,
		BlockProfileRate:     cfg.Ops.BlockProfileRate,
	}
	s.tracing = tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Path:        strings.TrimSpace(cfg.Tracing.Path),
		SampleRatio: cfg.Tracing.SampleRatio,
	}
	return s, errors.Join(errs...)
}
