package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"babbell/internal/buttons"
	"babbell/internal/config"
	"babbell/internal/scheduler"
	"babbell/internal/storage"
	"babbell/internal/transport"
	"babbell/internal/transport/transporttest"
	logx "babbell/pkg/logx"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

type harness struct {
	app      *App
	path     string
	adapters map[string]*transporttest.Adapter
}

func configJSON(dir, extra string) string {
	return fmt.Sprintf(`{
  "logging": {"level": "error"},
  "storage": {"driver": "sqlite", "path": %q},
  "tenants": [
    {"id": "acme", "platform": "slack", "bot_token": "xoxb-1", "app_token": "xapp-1"},
    {"id": "globex", "platform": "telegram", "bot_token": "1:x"}
  ],
  "poll": {"choices": ["Hall", "Cafe"]},
  "broadcast": {"rate_per_sec": 1000}%s
}`, filepath.Join(dir, "bell.db"), extra)
}

func newHarness(t *testing.T, extra string) *harness {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "babbell.json")
	require.NoError(t, os.WriteFile(path, []byte(configJSON(dir, extra)), 0o600))

	h := &harness{path: path, adapters: map[string]*transporttest.Adapter{}}
	factory := func(tc config.TenantConfig, _ logx.Logger) (transport.Adapter, error) {
		a := transporttest.New(tc.Platform)
		h.adapters[tc.ID] = a
		return a, nil
	}
	a, err := NewApp(context.Background(), path,
		WithAdapterFactory(factory),
		WithEnv(func(string) string { return "" }),
		WithClock(clockwork.NewFakeClock()),
	)
	require.NoError(t, err)
	h.app = a
	return h
}

func (h *harness) subscribe(t *testing.T, tenant, user string) {
	t.Helper()
	require.NoError(t, h.app.store.UpsertRecipient(context.Background(), storage.Recipient{
		TenantID: tenant, UserID: user, Subscribed: true,
	}))
}

func TestNewAppRegistersEveryTenant(t *testing.T) {
	h := newHarness(t, "")
	t.Cleanup(func() { _ = h.app.store.Close() })

	assert.Equal(t, []string{"acme", "globex"}, h.app.Tenants())
	assert.Len(t, h.adapters, 2)
	assert.Equal(t, "telegram", h.adapters["globex"].Platform())
}

func TestNewAppFailsOnAdapterError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "babbell.json")
	require.NoError(t, os.WriteFile(path, []byte(configJSON(dir, "")), 0o600))

	_, err := NewApp(context.Background(), path,
		WithEnv(func(string) string { return "" }),
		WithAdapterFactory(func(tc config.TenantConfig, _ logx.Logger) (transport.Adapter, error) {
			return nil, fmt.Errorf("boom")
		}),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant acme")
}

func TestDirectMessageFlowsThroughRouter(t *testing.T) {
	h := newHarness(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.app.Start(ctx))
	defer func() { _ = h.app.Stop(context.Background(), StopAppStop) }()

	require.True(t, h.adapters["acme"].Emit(transport.Update{
		Kind:     transport.UpdateMessage,
		TenantID: "acme",
		Message:  &transport.Message{UserID: "U1", Channel: "D-U1", Timestamp: "1.0", Text: "hi", Private: true},
	}))

	require.Eventually(t, func() bool {
		r, ok, err := h.app.store.Recipient(context.Background(), "acme", "U1")
		return err == nil && ok && r.Subscribed
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.adapters["acme"].SentCount() > 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFireBellReachesOnlyScheduleTenant(t *testing.T) {
	h := newHarness(t, "")
	t.Cleanup(func() { _ = h.app.store.Close() })
	h.subscribe(t, "acme", "U1")
	h.subscribe(t, "globex", "42")

	err := h.app.fire(context.Background(), scheduler.Schedule{Name: "lunch", Tenant: "acme", Action: buttons.Now})
	require.NoError(t, err)

	assert.Equal(t, 1, h.adapters["acme"].SentCount())
	assert.Zero(t, h.adapters["globex"].SentCount())

	recent := h.app.sender.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, buttons.Now, recent[0].Action)
	assert.Equal(t, "acme", recent[0].Initiator.TenantID)
	assert.Empty(t, recent[0].Initiator.UserID)
}

func TestFireStartPollReachesEveryTenant(t *testing.T) {
	h := newHarness(t, "")
	t.Cleanup(func() { _ = h.app.store.Close() })
	h.subscribe(t, "acme", "U1")
	h.subscribe(t, "globex", "42")

	err := h.app.fire(context.Background(), scheduler.Schedule{Name: "vote", Tenant: "acme", Action: buttons.StartPoll})
	require.NoError(t, err)

	assert.Equal(t, 1, h.adapters["acme"].SentCount())
	assert.Equal(t, 1, h.adapters["globex"].SentCount())
}

func TestFireBellExportsSpan(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
	spans := filepath.Join(t.TempDir(), "spans.jsonl")
	h := newHarness(t, fmt.Sprintf(`,
  "tracing": {"enabled": true, "path": %q}`, spans))
	t.Cleanup(func() { _ = h.app.store.Close() })
	require.True(t, h.app.traces.Enabled())
	h.subscribe(t, "acme", "U1")

	require.NoError(t, h.app.fire(context.Background(), scheduler.Schedule{Name: "lunch", Tenant: "acme", Action: buttons.Now}))
	require.NoError(t, h.app.traces.Shutdown(context.Background()))

	body, err := os.ReadFile(spans)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"broadcast"`)
}

func TestFireFailures(t *testing.T) {
	h := newHarness(t, "")
	t.Cleanup(func() { _ = h.app.store.Close() })

	err := h.app.fire(context.Background(), scheduler.Schedule{Tenant: "initech", Action: buttons.Now})
	assert.ErrorContains(t, err, "not connected")

	err = h.app.fire(context.Background(), scheduler.Schedule{Tenant: "acme", Action: buttons.OptOut})
	assert.ErrorContains(t, err, "not a bell")

	h.subscribe(t, "acme", "U1")
	h.adapters["acme"].FailOpen("U1", fmt.Errorf("channel_not_found"))
	err = h.app.fire(context.Background(), scheduler.Schedule{Tenant: "acme", Action: buttons.Now})
	assert.ErrorContains(t, err, "all 1 deliveries failed")
}

func TestApplyConfigUpdatesScheduler(t *testing.T) {
	h := newHarness(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.app.Start(ctx))
	defer func() { _ = h.app.Stop(context.Background(), StopAppStop) }()

	prev := h.app.cfgm.Get()
	next := *prev
	next.Scheduler = config.SchedulerConfig{Enabled: true, Timezone: "UTC"}
	next.Schedules = []config.ScheduleConfig{{Name: "lunch", Spec: "11:50", Tenant: "acme", Action: buttons.Now}}
	next.Admission.Cooldown = "5s"

	h.app.applyConfig(ctx, prev, &next)

	snap := h.app.sched.Snapshot()
	assert.True(t, snap.Enabled)
	assert.True(t, snap.Running)
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "lunch", snap.Schedules[0].Name)
}

func TestReloadValidatorRejectsUnknownScheduleTenant(t *testing.T) {
	extra := `,
  "scheduler": {"enabled": false}`
	h := newHarness(t, extra)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.app.Start(ctx))
	defer func() { _ = h.app.Stop(context.Background(), StopAppStop) }()

	sub := h.app.cfgm.Subscribe(1)
	defer h.app.cfgm.Unsubscribe(sub)
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	dir := filepath.Dir(h.path)
	body := fmt.Sprintf(`{
  "storage": {"driver": "sqlite", "path": %q},
  "tenants": [
    {"id": "acme", "platform": "slack", "bot_token": "xoxb-1", "app_token": "xapp-1"},
    {"id": "initech", "platform": "slack", "bot_token": "xoxb-2", "app_token": "xapp-2"}
  ],
  "schedules": [{"name": "lunch", "spec": "11:50", "tenant": "initech", "action": "NOW"}]
}`, filepath.Join(dir, "bell.db"))
	require.NoError(t, os.WriteFile(h.path, []byte(body), 0o600))

	select {
	case <-sub:
		t.Fatal("config naming an unconnected tenant was published")
	case <-time.After(time.Second):
	}
	assert.Equal(t, []string{"acme", "globex"}, h.app.Tenants())
}

func TestMapSettings(t *testing.T) {
	cfg := &config.Config{
		Storage:   config.StorageConfig{Driver: "SQLite", Path: " ./x.db "},
		Admission: config.AdmissionConfig{Cooldown: "30s"},
		Ops:       config.OpsConfig{Enabled: true},
		Tracing:   config.TracingConfig{Enabled: true, Path: " spans.jsonl ", SampleRatio: 0.5},
	}
	s, err := mapSettings(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.storage.Driver)
	assert.Equal(t, "./x.db", s.storage.Path)
	assert.Equal(t, time.Second, s.storage.BusyTimeout)
	assert.Equal(t, 30*time.Second, s.admission.Cooldown)
	assert.Equal(t, 5*time.Second, s.ops.ReadTimeout)
	assert.Equal(t, 120*time.Second, s.ops.IdleTimeout)
	assert.True(t, s.tracing.Enabled)
	assert.Equal(t, "spans.jsonl", s.tracing.Path)
	assert.Equal(t, 0.5, s.tracing.SampleRatio)

	cfg.Menu.Timeout = "later"
	cfg.Router.HandlerTimeout = "-1s"
	_, err = mapSettings(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "menu.timeout")
	assert.Contains(t, err.Error(), "router.handler_timeout")
}

func TestReasonForSignal(t *testing.T) {
	assert.Equal(t, StopSIGINT, ReasonForSignal(os.Interrupt))
	assert.Equal(t, StopUnknown, ReasonForSignal(nil))
}
