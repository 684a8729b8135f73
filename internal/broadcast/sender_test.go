package broadcast

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"babbell/internal/metrics"
	"babbell/internal/registry"
	"babbell/internal/storage"
	"babbell/internal/transport"
	"babbell/internal/transport/transporttest"
	logx "babbell/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

type fixture struct {
	store *storage.SQLStore
	reg   *registry.Registry
	acme  *transporttest.Adapter
	m     *metrics.Metrics
	s     *Sender
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "b.db"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New()
	acme := transporttest.New("slack")
	reg.Register("acme", acme)

	m := metrics.New(prometheus.NewRegistry())
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	return &fixture{store: st, reg: reg, acme: acme, m: m, s: New(cfg, st, reg, m, logx.Nop())}
}

func (f *fixture) subscribe(t *testing.T, tenant, user, channel string) {
	t.Helper()
	require.NoError(t, f.store.UpsertRecipient(context.Background(), storage.Recipient{
		TenantID: tenant, UserID: user, Channel: channel, Subscribed: true,
	}))
}

func textPayload(s string) transport.Payload {
	return transport.Payload{Text: s, Blocks: []transport.Block{transport.Section(s)}}
}

func TestBroadcastPartialFailureIsAccounted(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.subscribe(t, "acme", "U1", "D-U1")
	f.subscribe(t, "acme", "U2", "")
	f.subscribe(t, "acme", "U3", "")
	f.acme.FailOpen("U2", errors.New("user_not_found"))

	out, err := f.s.Broadcast(ctx, Request{
		Tenant:    "acme",
		Action:    "NOW",
		Payload:   textPayload("Lunch is served"),
		Initiator: Initiator{TenantID: "acme", UserID: "U9"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 2, out.Success)
	require.Equal(t, 1, out.Failed())
	assert.Equal(t, Failure{TenantID: "acme", UserID: "U2", Kind: ReasonChannelUnavailable, Reason: ReasonChannelUnavailable}, out.Failures[0])

	entries, err := f.store.AuditFor(ctx, out.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	oks := 0
	for _, e := range entries {
		assert.Equal(t, "NOW", e.Action)
		assert.Equal(t, "U9", e.InitiatedBy)
		if e.OK {
			oks++
			assert.NotEmpty(t, e.MessageRef)
		}
	}
	assert.Equal(t, 2, oks)

	// U1 was cached, so only U2 and U3 needed a channel.
	assert.ElementsMatch(t, []string{"U2", "U3"}, f.acme.Opened)
	r, _, err := f.store.Recipient(ctx, "acme", "U3")
	require.NoError(t, err)
	assert.Equal(t, "D-U3", r.Channel)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.m.Deliveries.WithLabelValues("acme", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.Deliveries.WithLabelValues("acme", "failed")))
}

func TestBroadcastCompletesAfterCallerCancels(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, u := range []string{"U1", "U2", "U3"} {
		f.subscribe(t, "acme", u, "D-"+u)
	}
	f.acme.OnSend = func(string) { cancel() }

	out, err := f.s.Broadcast(ctx, Request{Tenant: "acme", Action: "NOW", Payload: textPayload("Lunch")})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 3, out.Success)
	assert.Equal(t, 3, f.acme.SentCount())

	entries, err := f.store.AuditFor(context.Background(), out.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.True(t, e.OK)
		assert.NotEmpty(t, e.MessageRef)
	}
}

func TestBroadcastRecordsSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	f := newFixture(t, Config{})
	f.subscribe(t, "acme", "U1", "D-U1")
	f.subscribe(t, "acme", "U2", "D-U2")
	f.acme.FailSend("D-U2", errors.New("is_archived"))

	_, err := f.s.Broadcast(context.Background(), Request{Tenant: "acme", Action: "NOW", Payload: textPayload("x")})
	require.NoError(t, err)

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "broadcast", ended[0].Name())
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "NOW", attrs["action"].AsString())
	assert.Equal(t, int64(2), attrs["total"].AsInt64())
	assert.Equal(t, int64(1), attrs["failed"].AsInt64())
}

func TestBroadcastKeepsPlatformReasonVerbatim(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.subscribe(t, "acme", "U1", "D-U1")
	f.acme.FailSend("D-U1", &transport.RejectedError{Reason: "is_archived"})

	out, err := f.s.Broadcast(ctx, Request{Tenant: "acme", Action: "SNACK", Payload: textPayload("snack")})
	require.NoError(t, err)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, ReasonTransportRejected, out.Failures[0].Kind)
	assert.Equal(t, "is_archived", out.Failures[0].Reason)

	entries, err := f.store.AuditFor(ctx, out.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].OK)
	assert.Equal(t, "is_archived", entries[0].Error)
	assert.Equal(t, "D-U1", entries[0].Channel)
}

func TestBroadcastAllTenantsAndUnreachableTenant(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.subscribe(t, "acme", "U1", "")
	f.subscribe(t, "ghost", "U1", "")

	out, err := f.s.Broadcast(ctx, Request{Action: "NOW", Payload: textPayload("x")})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, 1, out.Success)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "ghost", out.Failures[0].TenantID)
	assert.Equal(t, ReasonTenantUnreachable, out.Failures[0].Kind)
}

func TestBroadcastEmptySubscriptionSet(t *testing.T) {
	f := newFixture(t, Config{})

	out, err := f.s.Broadcast(context.Background(), Request{Tenant: "acme", Action: "NOW", Payload: textPayload("x")})
	require.NoError(t, err)
	assert.Zero(t, out.Total)
	assert.Zero(t, out.Success)
	assert.Empty(t, out.Failures)
	assert.NotEmpty(t, out.ID)
	assert.Zero(t, f.acme.SentCount())
}

func TestBroadcastIncludeActor(t *testing.T) {
	f := newFixture(t, Config{IncludeActor: true})
	f.subscribe(t, "acme", "U1", "D-U1")

	orig := textPayload("Lunch")
	_, err := f.s.Broadcast(context.Background(), Request{
		Tenant: "acme", Action: "NOW", Payload: orig,
		Initiator: Initiator{TenantID: "acme", UserID: "U9"},
	})
	require.NoError(t, err)

	sent := f.acme.SentTo("D-U1")
	require.Len(t, sent, 1)
	assert.Equal(t, "Lunch (by <@U9>)", sent[0].Text)
	assert.Equal(t, "Lunch (by <@U9>)", sent[0].Blocks[0].Text)
	assert.Equal(t, "Lunch", orig.Blocks[0].Text)
}

func TestRecentOutcomesNewestFirst(t *testing.T) {
	f := newFixture(t, Config{})
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	f.s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first, err := f.s.Broadcast(context.Background(), Request{Tenant: "acme", Action: "NOW", Payload: textPayload("a")})
	require.NoError(t, err)
	second, err := f.s.Broadcast(context.Background(), Request{Tenant: "acme", Action: "IN_5", Payload: textPayload("b")})
	require.NoError(t, err)

	recent := f.s.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, second.ID, recent[0].ID)
	assert.Equal(t, first.ID, recent[1].ID)

	got, ok := f.s.Lookup(first.ID)
	require.True(t, ok)
	assert.Equal(t, "NOW", got.Action)
}

func TestRecentPrunesByCountAndAge(t *testing.T) {
	r := newRecent()
	r.max = 3
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r.add(Outcome{ID: string(rune('a' + i)), FinishedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	list := r.list()
	require.Len(t, list, 3)
	assert.Equal(t, "e", list[0].ID)
	assert.Equal(t, "c", list[2].ID)

	r.add(Outcome{ID: "z", FinishedAt: base.Add(48 * time.Hour)})
	list = r.list()
	require.Len(t, list, 1)
	assert.Equal(t, "z", list[0].ID)
}

func TestSendDirect(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.subscribe(t, "acme", "U1", "")

	assert.True(t, f.s.SendDirect(ctx, "acme", "U1", textPayload("hi")))
	r, _, err := f.store.Recipient(ctx, "acme", "U1")
	require.NoError(t, err)
	assert.Equal(t, "D-U1", r.Channel)

	// Not a stored recipient: a channel is still opened for the reply.
	assert.True(t, f.s.SendDirect(ctx, "acme", "U7", textPayload("hi")))
	assert.Len(t, f.acme.SentTo("D-U7"), 1)

	f.acme.FailSend("D-U1", errors.New("boom"))
	assert.False(t, f.s.SendDirect(ctx, "acme", "U1", textPayload("hi")))
	assert.False(t, f.s.SendDirect(ctx, "nobody", "U1", textPayload("hi")))

	entries, err := f.store.AuditFor(ctx, "anything")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWithActorTouchesFirstSectionOnly(t *testing.T) {
	p := transport.Payload{Text: "t", Blocks: []transport.Block{
		transport.Divider(), transport.Section("a"), transport.Section("b"),
	}}
	got := withActor(p, "U1")
	assert.True(t, strings.HasSuffix(got.Blocks[1].Text, "(by <@U1>)"))
	assert.Equal(t, "b", got.Blocks[2].Text)
}
