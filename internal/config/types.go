package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("300ms", "5m"). Secrets may be left empty here and
// supplied through the environment; see ApplyEnv.
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Storage   StorageConfig    `json:"storage"`
	Tenants   []TenantConfig   `json:"tenants"`
	Admission AdmissionConfig  `json:"admission"`
	Broadcast BroadcastConfig  `json:"broadcast"`
	Menu      MenuConfig       `json:"menu"`
	Poll      PollConfig       `json:"poll"`
	Router    RouterConfig     `json:"router"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	Ops       OpsConfig        `json:"ops"`
	Tracing   TracingConfig    `json:"tracing"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the SQL backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./babbell.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bell@db/babbell?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TenantConfig is one connected workspace.
type TenantConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform"` // "slack" (default) or "telegram"
	BotToken string `json:"bot_token,omitempty"`
	AppToken string `json:"app_token,omitempty"` // slack socket mode only
	// APIURL overrides the platform API base URL (tests, proxies).
	APIURL string `json:"api_url,omitempty"`
	// PollTimeout is the telegram long-poll timeout.
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// DisplayName falls back to the tenant id.
func (t TenantConfig) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

type AdmissionConfig struct {
	DedupTTL string `json:"dedup_ttl"`
	Cooldown string `json:"cooldown"`
}

type BroadcastConfig struct {
	IncludeActor bool `json:"include_actor"`
	RatePerSec   int  `json:"rate_per_sec"`
}

type MenuConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"`
	CacheTTL string `json:"cache_ttl"`
	Timeout  string `json:"timeout"`
}

type PollConfig struct {
	Choices []string `json:"choices,omitempty"`
}

type RouterConfig struct {
	Workers        int    `json:"workers"`
	QueueSize      int    `json:"queue_size"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled     bool   `json:"enabled"`
	Timezone    string `json:"timezone,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// ScheduleConfig rings Action (a button value such as "NOW" or
// "START_POLL") for Tenant whenever Spec fires.
type ScheduleConfig struct {
	Name   string `json:"name"`
	Spec   string `json:"spec"`
	Tenant string `json:"tenant"`
	Action string `json:"action"`
}

// OpsConfig controls the operator HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// TracingConfig exports broadcast and poll spans as JSON lines. Changes need
// a restart.
type TracingConfig struct {
	Enabled bool `json:"enabled"`
	// Path of the span file; empty writes to stderr.
	Path        string  `json:"path,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty"`
}

const (
	PlatformSlack    = "slack"
	PlatformTelegram = "telegram"

	defaultSQLitePath = "./babbell.db"
)

// applyDefaults fills the few values that have no sensible zero.
func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if (c.Storage.Driver == "sqlite" || c.Storage.Driver == "sqlite3") && c.Storage.Path == "" {
		c.Storage.Path = defaultSQLitePath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if !c.Logging.Console && !c.Logging.File.Enabled {
		c.Logging.Console = true
	}
	for i := range c.Tenants {
		if c.Tenants[i].Platform == "" {
			c.Tenants[i].Platform = PlatformSlack
		}
	}
}

// Tenant returns the tenant with id.
func (c *Config) Tenant(id string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}
