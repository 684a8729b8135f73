package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"babbell/internal/metrics"
	"babbell/internal/registry"
	"babbell/internal/storage"
	"babbell/internal/transport"
	logx "babbell/pkg/logx"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const defaultRatePerSec = 10

// Sender is the fan-out engine. Broadcasts may run concurrently; each one is
// sequential across its recipients.
type Sender struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	store   storage.Store
	reg     *registry.Registry
	metrics *metrics.Metrics
	log     logx.Logger
	tracer  trace.Tracer

	recent *recentOutcomes
	now    func() time.Time
}

func New(cfg Config, st storage.Store, reg *registry.Registry, m *metrics.Metrics, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{
		store:   st,
		reg:     reg,
		metrics: m,
		log:     log.With(logx.String("comp", "broadcast")),
		tracer:  otel.Tracer("babbell/broadcast"),
		recent:  newRecent(),
		now:     time.Now,
	}
	s.Apply(cfg)
	return s
}

func (s *Sender) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRatePerSec
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

func (s *Sender) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Broadcast sends req.Payload to every subscribed recipient in req.Tenant's
// scope and returns the aggregate outcome.
func (s *Sender) Broadcast(ctx context.Context, req Request) (Outcome, error) {
	cfg, limiter := s.snapshot()
	ctx, span := s.tracer.Start(ctx, "broadcast",
		trace.WithAttributes(attribute.String("action", req.Action), attribute.String("tenant", req.Tenant)))
	defer span.End()

	out := Outcome{
		ID:        uuid.NewString(),
		Action:    req.Action,
		Initiator: req.Initiator,
		StartedAt: s.now(),
	}
	log := s.log.With(logx.String("broadcast", out.ID), logx.String("action", req.Action))

	if err := s.store.CreateBroadcast(ctx, storage.BroadcastMeta{
		BroadcastID: out.ID,
		TenantID:    req.Initiator.TenantID,
		Action:      req.Action,
		InitiatedBy: req.Initiator.UserID,
		MenuJSON:    req.MenuJSON,
		CreatedAt:   out.StartedAt,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create broadcast")
		return Outcome{}, fmt.Errorf("create broadcast: %w", err)
	}

	// The run outlives a cancelled caller: every recipient gets a delivery
	// attempt and an audit row once the broadcast row exists.
	run := context.WithoutCancel(ctx)

	recipients, err := s.store.Subscribed(run, req.Tenant)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load recipients")
		return Outcome{}, fmt.Errorf("load recipients: %w", err)
	}

	payload := req.Payload
	if cfg.IncludeActor && req.Initiator.UserID != "" {
		payload = withActor(payload, req.Initiator.UserID)
	}

	s.metrics.BroadcastStarted(req.Action)
	out.Total = len(recipients)
	for _, r := range recipients {
		if limiter != nil {
			if err := limiter.Wait(run); err != nil {
				log.Warn("rate limiter wait failed", logx.Err(err))
			}
		}
		entry, fail := s.deliver(run, r, payload, log)
		entry.BroadcastID = out.ID
		entry.Action = req.Action
		entry.InitiatedBy = req.Initiator.UserID
		if fail == nil {
			out.Success++
		} else {
			out.Failures = append(out.Failures, *fail)
		}
		s.metrics.Delivery(r.TenantID, fail == nil)
		if err := s.store.AppendAudit(run, entry); err != nil {
			log.Error("audit write failed", logx.String("tenant", r.TenantID), logx.String("user", r.UserID), logx.Err(err))
		}
	}

	out.FinishedAt = s.now()
	s.metrics.Fanout("broadcast", out.FinishedAt.Sub(out.StartedAt).Seconds())
	s.recent.add(out)
	span.SetAttributes(attribute.Int("total", out.Total), attribute.Int("success", out.Success), attribute.Int("failed", out.Failed()))
	log.Info("broadcast finished",
		logx.Int("total", out.Total), logx.Int("success", out.Success), logx.Int("failed", out.Failed()),
		logx.Duration("took", out.FinishedAt.Sub(out.StartedAt)))
	return out, nil
}

// deliver attempts one recipient. The audit entry is always populated; the
// failure is nil on success.
func (s *Sender) deliver(ctx context.Context, r storage.Recipient, p transport.Payload, log logx.Logger) (storage.AuditEntry, *Failure) {
	entry := storage.AuditEntry{TenantID: r.TenantID, TargetUserID: r.UserID, At: s.now()}
	fail := func(kind, reason string) (storage.AuditEntry, *Failure) {
		entry.Error = reason
		return entry, &Failure{TenantID: r.TenantID, UserID: r.UserID, Kind: kind, Reason: reason}
	}

	a, ok := s.reg.Get(r.TenantID)
	if !ok {
		return fail(ReasonTenantUnreachable, ReasonTenantUnreachable)
	}
	ch, ok := ResolveChannel(ctx, s.store, a, r, log)
	if !ok {
		return fail(ReasonChannelUnavailable, ReasonChannelUnavailable)
	}
	entry.Channel = ch

	ref, err := a.Send(ctx, ch, p)
	if err != nil {
		reason := transport.Reason(err)
		log.Warn("send failed", logx.String("tenant", r.TenantID), logx.String("user", r.UserID), logx.String("reason", reason))
		return fail(ReasonTransportRejected, reason)
	}
	entry.OK = true
	entry.MessageRef = ref
	return entry, nil
}

// SendDirect sends p to one recipient using the channel policy. Nothing is
// audited. Unknown recipients get a freshly opened channel.
func (s *Sender) SendDirect(ctx context.Context, tenant, user string, p transport.Payload) bool {
	a, ok := s.reg.Get(tenant)
	if !ok {
		s.log.Warn("direct send to unknown tenant", logx.String("tenant", tenant), logx.String("user", user))
		return false
	}
	r, _, err := s.store.Recipient(ctx, tenant, user)
	if err != nil {
		s.log.Warn("recipient lookup failed", logx.String("tenant", tenant), logx.String("user", user), logx.Err(err))
	}
	r.TenantID, r.UserID = tenant, user

	var ch string
	if r.CreatedAt.IsZero() {
		// Not stored yet: nothing to cache into.
		ch, err = a.OpenPrivateChannel(ctx, user)
		if err != nil || ch == "" {
			s.log.Warn("open private channel failed", logx.String("tenant", tenant), logx.String("user", user), logx.Err(err))
			return false
		}
	} else if ch, ok = ResolveChannel(ctx, s.store, a, r, s.log); !ok {
		return false
	}

	if _, err := a.Send(ctx, ch, p); err != nil {
		s.log.Warn("direct send failed", logx.String("tenant", tenant), logx.String("user", user), logx.String("reason", transport.Reason(err)))
		return false
	}
	return true
}

// Recent returns retained outcomes, newest first.
func (s *Sender) Recent() []Outcome { return s.recent.list() }

func (s *Sender) Lookup(id string) (Outcome, bool) { return s.recent.get(id) }

func withActor(p transport.Payload, user string) transport.Payload {
	suffix := " (by " + transport.Mention(user) + ")"
	out := transport.Payload{Text: p.Text + suffix, Blocks: make([]transport.Block, len(p.Blocks))}
	copy(out.Blocks, p.Blocks)
	for i, b := range out.Blocks {
		if b.Kind == transport.BlockSection {
			out.Blocks[i].Text = b.Text + suffix
			break
		}
	}
	return out
}
