package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "babbell/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
storage:
  driver: sqlite
  path: ./data/bell.db
tenants:
  - id: acme
    name: Acme HQ
    platform: slack
    bot_token: xoxb-acme
    app_token: xapp-acme
  - id: globex
    platform: telegram
    poll_timeout: 15s
admission:
  dedup_ttl: 5m
  cooldown: 60s
broadcast:
  include_actor: true
  rate_per_sec: 5
menu:
  enabled: false
  cache_ttl: 10m
  timeout: 10s
poll:
  choices: [Hall, Cafe]
router:
  workers: 2
  queue_size: 64
scheduler:
  enabled: true
  timezone: Asia/Seoul
schedules:
  - name: lunch
    spec: "11:50"
    tenant: acme
    action: NOW
ops:
  enabled: true
  addr: 127.0.0.1:9090
`

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLWithEnvSecrets(t *testing.T) {
	m := NewConfigManager(writeFile(t, "babbell.yaml", sampleYAML))
	m.SetEnv(env(map[string]string{
		"BABBELL_GLOBEX_BOT_TOKEN": "123:abc",
		"BABBELL_OPS_TOKEN":        "s3cret",
	}))
	cfg, err := m.Load()
	require.NoError(t, err)

	require.Len(t, cfg.Tenants, 2)
	assert.Equal(t, "Acme HQ", cfg.Tenants[0].DisplayName())
	assert.Equal(t, "globex", cfg.Tenants[1].DisplayName())
	assert.Equal(t, "123:abc", cfg.Tenants[1].BotToken)
	assert.Equal(t, "s3cret", cfg.Ops.Token)
	assert.Equal(t, []string{"Hall", "Cafe"}, cfg.Poll.Choices)
	assert.True(t, cfg.Logging.Console, "console defaults on when no file sink")
	assert.Same(t, cfg, m.Get())

	sc := SchedulerSettings(cfg)
	require.Len(t, sc.Schedules, 1)
	assert.Equal(t, "NOW", sc.Schedules[0].Action)
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	m := NewConfigManager(writeFile(t, "c.json", `{"tenants":[],"telegram":{}}`))
	m.SetEnv(env(nil))
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")

	m = NewConfigManager(writeFile(t, "c.json", `{"tenants":[]} {"tenants":[]}`))
	m.SetEnv(env(nil))
	_, err = m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")
}

func TestLegacyEnvOnly(t *testing.T) {
	m := NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"))
	m.SetEnv(env(map[string]string{
		"SLACK_BOT_TOKEN":                 "xoxb-1",
		"SLACK_APP_TOKEN":                 "xapp-1",
		"SQLITE_PATH":                     "/var/lib/babbell.db",
		"COOLDOWN_SECONDS":                "30",
		"ENABLE_TODAYS_MENU":              "yes",
		"INCLUDE_ACTOR_IN_PUBLIC_MESSAGE": "0",
	}))
	cfg, err := m.Load()
	require.NoError(t, err)

	require.Len(t, cfg.Tenants, 1)
	assert.Equal(t, TenantConfig{ID: "default", Name: "Default", Platform: PlatformSlack, BotToken: "xoxb-1", AppToken: "xapp-1"}, cfg.Tenants[0])
	assert.Equal(t, "/var/lib/babbell.db", cfg.Storage.Path)
	assert.Equal(t, "30s", cfg.Admission.Cooldown)
	assert.True(t, cfg.Menu.Enabled)
	assert.False(t, cfg.Broadcast.IncludeActor)
}

func TestWorkspacesEnv(t *testing.T) {
	var cfg Config
	err := ApplyEnv(&cfg, env(map[string]string{
		"WORKSPACES":             `[{"id":"t1","bot_token":"xoxb-a","app_token":"xapp-a","name":"Team 1"},{"id":"t2","platform":"telegram","bot_token":"1:x"}]`,
		"BABBELL_T1_APP_TOKEN":   "xapp-override",
		"BABBELL_DB_DSN":         "postgres://bell@db/babbell",
		"MENU_CACHE_TTL_SECONDS": "600",
	}))
	require.NoError(t, err)
	require.Len(t, cfg.Tenants, 2)
	assert.Equal(t, "xapp-override", cfg.Tenants[0].AppToken)
	assert.Equal(t, "telegram", cfg.Tenants[1].Platform)
	assert.Equal(t, "postgres://bell@db/babbell", cfg.Storage.DSN)
	assert.Equal(t, "600s", cfg.Menu.CacheTTL)

	assert.Error(t, ApplyEnv(&Config{}, env(map[string]string{"WORKSPACES": "[nope"})))
	assert.Error(t, ApplyEnv(&Config{}, env(map[string]string{"COOLDOWN_SECONDS": "-1"})))
}

func TestTenantEnvKey(t *testing.T) {
	assert.Equal(t, "BABBELL_ACME_HQ_BOT_TOKEN", TenantEnvKey("acme-hq", "BOT_TOKEN"))
	assert.Equal(t, "BABBELL_T1_APP_TOKEN", TenantEnvKey("t1", "APP_TOKEN"))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{
			Tenants: []TenantConfig{
				{ID: "acme", Platform: PlatformSlack, BotToken: "xoxb-1", AppToken: "xapp-1"},
				{ID: "globex", Platform: PlatformTelegram, BotToken: "1:x"},
			},
			Schedules: []ScheduleConfig{{Name: "lunch", Spec: "11:50", Tenant: "acme", Action: "NOW"}},
		}
		c.applyDefaults()
		return c
	}
	require.NoError(t, Validate(valid()))

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no tenants", func(c *Config) { c.Tenants = nil; c.Schedules = nil }, "no tenants"},
		{"bot token prefix", func(c *Config) { c.Tenants[0].BotToken = "xoxp-1" }, "xoxb-"},
		{"app token prefix", func(c *Config) { c.Tenants[0].AppToken = "" }, "xapp-"},
		{"telegram token", func(c *Config) { c.Tenants[1].BotToken = "" }, "bot_token required"},
		{"duplicate tenant", func(c *Config) { c.Tenants[1] = c.Tenants[0] }, "duplicate id"},
		{"platform", func(c *Config) { c.Tenants[1].Platform = "irc" }, "unknown platform"},
		{"postgres dsn", func(c *Config) { c.Storage = StorageConfig{Driver: "postgres"} }, "BABBELL_DB_DSN"},
		{"duration", func(c *Config) { c.Admission.Cooldown = "soon" }, "admission.cooldown"},
		{"schedule tenant", func(c *Config) { c.Schedules[0].Tenant = "initech" }, "unknown tenant"},
		{"schedule action", func(c *Config) { c.Schedules[0].Action = "OPT_OUT" }, "not a bell"},
		{"schedule spec", func(c *Config) { c.Schedules[0].Spec = "whenever" }, "invalid schedule"},
		{"timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "invalid timezone"},
		{"empty choice", func(c *Config) { c.Poll.Choices = []string{"Hall", " "} }, "poll.choices[1]"},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 1.5 }, "tracing.sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := Validate(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{
		Tenants: []TenantConfig{{ID: "acme", Platform: PlatformSlack, BotToken: "xoxb-1"}},
		Ops:     OpsConfig{Enabled: true, Token: "old"},
	}
	b := *a
	b.Tenants = []TenantConfig{{ID: "acme", Platform: PlatformSlack, BotToken: "xoxb-1"}}
	b.Admission.Cooldown = "30s"
	b.Ops.Token = "new"

	changed, attrs, restart := SummarizeConfigChange(a, &b)
	assert.Equal(t, []string{"admission", "ops"}, changed)
	assert.NotEmpty(t, attrs)
	assert.False(t, restart)

	b.Storage.DSN = "postgres://x"
	changed, _, restart = SummarizeConfigChange(a, &b)
	assert.Contains(t, changed, "storage")
	assert.True(t, restart)

	c := *a
	c.Tracing.Enabled = true
	changed, _, restart = SummarizeConfigChange(a, &c)
	assert.Equal(t, []string{"tracing"}, changed)
	assert.True(t, restart)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	body := `{"tenants":[{"id":"acme","bot_token":"xoxb-1","app_token":"xapp-1"}],"admission":{"cooldown":"60s"}}`
	path := writeFile(t, "babbell.json", body)
	m := NewConfigManager(path)
	m.SetEnv(env(nil))
	m.SetLogger(logx.Nop())
	m.SetDebounce(20 * time.Millisecond)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and not published.
	require.NoError(t, os.WriteFile(path, []byte(`{"tenants":[{"id":"acme","bot_token":"nope"}]}`), 0o600))
	time.Sleep(200 * time.Millisecond)
	select {
	case <-sub:
		t.Fatal("invalid config was published")
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"tenants":[{"id":"acme","bot_token":"xoxb-1","app_token":"xapp-1"}],"admission":{"cooldown":"15s"}}`), 0o600))
	select {
	case cfg := <-sub:
		assert.Equal(t, "15s", cfg.Admission.Cooldown)
		assert.Same(t, cfg, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("config change not published")
	}
}

func TestLoadDotEnv(t *testing.T) {
	ok, err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.False(t, ok)

	t.Setenv("BABBELL_DOTENV_KEEP", "from-process")
	p := writeFile(t, ".env", "BABBELL_DOTENV_KEEP=from-file\nBABBELL_DOTENV_NEW=fresh\n")
	t.Cleanup(func() { _ = os.Unsetenv("BABBELL_DOTENV_NEW") })
	ok, err = LoadDotEnv(p)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "from-process", os.Getenv("BABBELL_DOTENV_KEEP"))
	assert.Equal(t, "fresh", os.Getenv("BABBELL_DOTENV_NEW"))
}
