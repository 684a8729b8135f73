package config

import (
	"reflect"
	"sort"
	"strings"

	logx "babbell/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections and
// (2) structured log fields describing them. Secrets (tokens, DSNs) are only
// ever reported as "_set" booleans. It also reports whether any changed
// section needs a restart to take effect (tenants, storage, tracing).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	restart := false

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if tenantsChanged(oldCfg.Tenants, newCfg.Tenants) {
		changed = append(changed, "tenants")
		restart = true
		ids := make([]string, 0, len(newCfg.Tenants))
		for _, t := range newCfg.Tenants {
			ids = append(ids, t.Platform+":"+t.ID)
		}
		attrs = append(attrs, logx.Strings("tenants", ids))
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		oS.DSN != nS.DSN ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		restart = true
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.dsn_set", nS.DSN != ""),
			logx.String("storage.busy_timeout", nS.BusyTimeout),
		)
	}

	if oldCfg.Admission != newCfg.Admission {
		changed = append(changed, "admission")
		attrs = append(attrs,
			logx.String("admission.dedup_ttl", newCfg.Admission.DedupTTL),
			logx.String("admission.cooldown", newCfg.Admission.Cooldown),
		)
	}
	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Bool("broadcast.include_actor", newCfg.Broadcast.IncludeActor),
			logx.Int("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec),
		)
	}
	if oldCfg.Menu != newCfg.Menu {
		changed = append(changed, "menu")
		attrs = append(attrs,
			logx.Bool("menu.enabled", newCfg.Menu.Enabled),
			logx.String("menu.cache_ttl", newCfg.Menu.CacheTTL),
		)
	}
	if !reflect.DeepEqual(oldCfg.Poll.Choices, newCfg.Poll.Choices) {
		changed = append(changed, "poll")
		attrs = append(attrs, logx.Int("poll.choices", len(newCfg.Poll.Choices)))
	}
	if oldCfg.Router != newCfg.Router {
		changed = append(changed, "router")
		restart = true
		attrs = append(attrs,
			logx.Int("router.workers", newCfg.Router.Workers),
			logx.Int("router.queue_size", newCfg.Router.QueueSize),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler || !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.Int("scheduler.schedules", len(newCfg.Schedules)),
		)
	}

	nO := newCfg.Ops
	if oldCfg.Ops != nO {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nO.Enabled),
			logx.String("ops.addr", strings.TrimSpace(nO.Addr)),
			logx.Bool("ops.pprof", nO.Pprof),
			logx.Bool("ops.token_set", nO.Token != ""),
			logx.Bool("ops.allow_insecure", nO.AllowInsecure),
		)
	}

	if oldCfg.Tracing != newCfg.Tracing {
		changed = append(changed, "tracing")
		restart = true
		attrs = append(attrs,
			logx.Bool("tracing.enabled", newCfg.Tracing.Enabled),
			logx.String("tracing.path", newCfg.Tracing.Path),
		)
	}

	sort.Strings(changed)
	return changed, attrs, restart
}

func tenantsChanged(a, b []TenantConfig) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}
