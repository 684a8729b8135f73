package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"babbell/internal/broadcast"
	"babbell/internal/metrics"
	rtsup "babbell/internal/runtime/supervisor"
	"babbell/internal/scheduler"
	logx "babbell/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLog struct{ outcomes []broadcast.Outcome }

func (f fakeLog) Recent() []broadcast.Outcome { return f.outcomes }

func (f fakeLog) Lookup(id string) (broadcast.Outcome, bool) {
	for _, o := range f.outcomes {
		if o.ID == id {
			return o, true
		}
	}
	return broadcast.Outcome{}, false
}

type probe struct{ sup *rtsup.Supervisor }

func (p probe) Supervisor() *rtsup.Supervisor { return p.sup }

func runningSupervisor(t *testing.T) *rtsup.Supervisor {
	t.Helper()
	sup := rtsup.New(context.Background())
	sup.Go0("poll", func(ctx context.Context) { <-ctx.Done() })
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	return sup
}

func get(t *testing.T, h http.Handler, path string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if len(hdr) == 2 {
		req.Header.Set(hdr[0], hdr[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	sup := runningSupervisor(t)
	require.Eventually(t, func() bool { return len(sup.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	s := New(Config{}, Sources{Components: []Component{{Name: "acme", Probe: probe{sup}}}}, logx.Nop())
	rec := get(t, s.handler(Config{}), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var h health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	require.Len(t, h.Components, 1)
	assert.True(t, h.Components[0].Running)
	assert.Equal(t, "poll", h.Components[0].Tasks[0].Name)

	s = New(Config{}, Sources{Components: []Component{{Name: "acme", Probe: probe{sup}}, {Name: "router", Probe: probe{}}}}, logx.Nop())
	rec = get(t, s.handler(Config{}), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestBroadcastsEndpoint(t *testing.T) {
	start := time.Date(2024, 3, 5, 11, 50, 0, 0, time.UTC)
	log := fakeLog{outcomes: []broadcast.Outcome{{
		ID:         "b1",
		Action:     "NOW",
		Initiator:  broadcast.Initiator{TenantID: "acme", UserID: "U1"},
		Total:      3,
		Success:    2,
		Failures:   []broadcast.Failure{{TenantID: "acme", UserID: "U2", Kind: broadcast.ReasonTransportRejected, Reason: "is_archived"}},
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
	}}}
	h := New(Config{}, Sources{Broadcasts: log}, logx.Nop()).handler(Config{})

	rec := get(t, h, "/debug/broadcasts")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []outcomeView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Failed)
	assert.Equal(t, int64(1500), list[0].ElapsedMS)
	assert.Empty(t, list[0].Failures)

	rec = get(t, h, "/debug/broadcasts/b1")
	require.Equal(t, http.StatusOK, rec.Code)
	var one outcomeView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	require.Len(t, one.Failures, 1)
	assert.Equal(t, "is_archived", one.Failures[0].Reason)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/broadcasts?id=nope").Code)
}

func TestMetricsAndSchedules(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.BroadcastStarted("NOW")

	h := New(Config{}, Sources{
		Metrics: metrics.Handler(reg),
		Schedules: func() scheduler.Snapshot {
			return scheduler.Snapshot{Enabled: true, Schedules: []scheduler.ScheduleInfo{{Name: "lunch", Spec: "11:50"}}}
		},
	}, logx.Nop()).handler(Config{})

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "babbell_broadcasts_total")

	rec = get(t, h, "/debug/schedules")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"lunch"`)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/").Code)
}

func TestTokenAuth(t *testing.T) {
	cfg := Config{Token: "s3cret"}
	h := New(cfg, Sources{}, logx.Nop()).handler(cfg)

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz?token=nope").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", "Authorization", "Bearer s3cret").Code)
}

func TestReconfigureEnableDisable(t *testing.T) {
	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})
	s := New(Config{}, Sources{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cfg := Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true, MutexProfileFraction: 7}
	s.Reconfigure(ctx, cfg)

	addr := s.Addr()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/debug/pprof/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 7, runtime.SetMutexProfileFraction(-1))

	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestRefusesPublicAddrWithoutToken(t *testing.T) {
	s := New(Config{}, Sources{}, logx.Nop())
	s.Reconfigure(context.Background(), Config{Enabled: true, Addr: "0.0.0.0:0"})
	assert.Empty(t, s.Addr())
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.False(t, isLoopbackAddr(":9090"))
}
