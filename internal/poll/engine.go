// Package poll runs live polls whose messages are kept in sync for every
// participant across all tenants.
//
// Votes toggle: submitting the same (tenant, user, choice) twice cancels the
// first submission. Each viewer gets an individually rendered message showing
// their own choices; voters from other tenants are anonymized. After every
// vote the engine re-renders and updates every placed poll message.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"babbell/internal/broadcast"
	"babbell/internal/metrics"
	"babbell/internal/registry"
	"babbell/internal/storage"
	"babbell/internal/transport"
	logx "babbell/pkg/logx"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrPollClosed    = storage.ErrPollClosed
	ErrPollNotFound  = storage.ErrPollNotFound
	ErrUnknownChoice = errors.New("unknown poll choice")
)

// DefaultChoices is used when no choices are configured.
var DefaultChoices = []string{
	"학생회관식당",
	"3식당",
	"자하연식당 2층",
	"예술계식당",
	"두레미담",
	"75-1동 푸드코트",
}

type Config struct {
	Choices []string
}

type VoteResult struct {
	// Accepted is false when the poll no longer takes votes.
	Accepted bool
	// Added reports whether the vote is present after the toggle.
	Added bool
}

// Tally counts per-message results of a fan-out.
type Tally struct {
	Success int
	Failed  int
}

type Engine struct {
	mu      sync.RWMutex
	choices []string

	store   storage.Store
	reg     *registry.Registry
	metrics *metrics.Metrics
	log     logx.Logger
	tracer  trace.Tracer
}

func New(cfg Config, st storage.Store, reg *registry.Registry, m *metrics.Metrics, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		store:   st,
		reg:     reg,
		metrics: m,
		log:     log.With(logx.String("comp", "poll")),
		tracer:  otel.Tracer("babbell/poll"),
	}
	e.Apply(cfg)
	return e
}

// Apply replaces the choice list. Open polls keep their stored votes; votes
// for removed choices are no longer rendered.
func (e *Engine) Apply(cfg Config) {
	choices := make([]string, 0, len(cfg.Choices))
	for _, c := range cfg.Choices {
		if c != "" {
			choices = append(choices, c)
		}
	}
	if len(choices) == 0 {
		choices = append(choices, DefaultChoices...)
	}
	e.mu.Lock()
	e.choices = choices
	e.mu.Unlock()
}

func (e *Engine) Choices() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.choices...)
}

// ChoiceFor maps a vote button value to a configured choice name. Keys of
// choices removed by a reload no longer resolve.
func (e *Engine) ChoiceFor(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.choices {
		if ChoiceKey(c) == key {
			return c, true
		}
	}
	return "", false
}

func (e *Engine) known(choice string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.choices {
		if c == choice {
			return true
		}
	}
	return false
}

func (e *Engine) Create(ctx context.Context) (string, error) {
	p, err := e.store.CreatePoll(ctx)
	if err != nil {
		return "", fmt.Errorf("create poll: %w", err)
	}
	e.log.Info("poll created", logx.String("poll", p.ID))
	return p.ID, nil
}

// Close permanently stops a poll from accepting votes. Closing twice is a
// no-op.
func (e *Engine) Close(ctx context.Context, pollID string) error {
	if err := e.store.ClosePoll(ctx, pollID); err != nil {
		return err
	}
	e.log.Info("poll closed", logx.String("poll", pollID))
	return nil
}

// ToggleVote adds the vote if absent and removes it if present. A closed
// poll yields ErrPollClosed and an unaccepted result with no state change.
func (e *Engine) ToggleVote(ctx context.Context, pollID, tenant, user, choice string) (VoteResult, error) {
	if !e.known(choice) {
		return VoteResult{}, ErrUnknownChoice
	}
	added, err := e.store.ToggleVote(ctx, pollID, tenant, user, choice)
	switch {
	case errors.Is(err, storage.ErrPollClosed):
		e.metrics.Vote("closed")
		return VoteResult{}, ErrPollClosed
	case err != nil:
		return VoteResult{}, err
	}
	res := "removed"
	if added {
		res = "added"
	}
	e.metrics.Vote(res)
	e.log.Info("vote toggled",
		logx.String("poll", pollID), logx.String("tenant", tenant), logx.String("user", user),
		logx.String("choice", choice), logx.Bool("added", added))
	return VoteResult{Accepted: true, Added: added}, nil
}

// aggregate is the viewer-independent part of a snapshot.
type aggregate struct {
	id      string
	open    bool
	choices []ChoiceTally
	total   int
}

func (e *Engine) load(ctx context.Context, pollID string) (aggregate, error) {
	p, err := e.store.Poll(ctx, pollID)
	if err != nil {
		return aggregate{}, err
	}
	counts, err := e.store.VoteCounts(ctx, pollID)
	if err != nil {
		return aggregate{}, err
	}
	total, err := e.store.DistinctVoterCount(ctx, pollID)
	if err != nil {
		return aggregate{}, err
	}
	agg := aggregate{id: p.ID, open: p.Open(), total: total}
	for _, name := range e.Choices() {
		ct := ChoiceTally{Name: name, Count: counts[name]}
		if ct.Count > 0 {
			if ct.Voters, err = e.store.VoterIdentities(ctx, pollID, name); err != nil {
				return aggregate{}, err
			}
		}
		agg.choices = append(agg.choices, ct)
	}
	return agg, nil
}

func (e *Engine) forViewer(ctx context.Context, agg aggregate, viewer storage.Identity) (Snapshot, error) {
	mine, err := e.store.VoterChoices(ctx, agg.id, viewer.TenantID, viewer.UserID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		PollID:      agg.id,
		Open:        agg.open,
		Choices:     agg.choices,
		TotalVoters: agg.total,
		Mine:        mine,
	}, nil
}

func (e *Engine) Snapshot(ctx context.Context, pollID string, viewer storage.Identity) (Snapshot, error) {
	agg, err := e.load(ctx, pollID)
	if err != nil {
		return Snapshot{}, err
	}
	return e.forViewer(ctx, agg, viewer)
}

// RenderSnapshot reads fresh state and renders it for viewer.
func (e *Engine) RenderSnapshot(ctx context.Context, pollID string, viewer storage.Identity) (transport.Payload, error) {
	s, err := e.Snapshot(ctx, pollID, viewer)
	if err != nil {
		return transport.Payload{}, err
	}
	return Render(s, viewer), nil
}

// BroadcastNewPoll sends the poll to every subscribed recipient of every
// registered tenant and records where each message landed.
func (e *Engine) BroadcastNewPoll(ctx context.Context, pollID string, initiator storage.Identity) (Tally, error) {
	ctx, span := e.tracer.Start(ctx, "poll.broadcast", trace.WithAttributes(attribute.String("poll", pollID)))
	defer span.End()
	started := time.Now()

	agg, err := e.load(ctx, pollID)
	if err != nil {
		span.RecordError(err)
		return Tally{}, err
	}

	// A sent message must have its placement saved even if the caller gives up.
	run := context.WithoutCancel(ctx)

	var t Tally
	for _, entry := range e.reg.All() {
		recipients, err := e.store.Subscribed(run, entry.TenantID)
		if err != nil {
			span.RecordError(err)
			return t, fmt.Errorf("load recipients for %s: %w", entry.TenantID, err)
		}
		for _, r := range recipients {
			if e.sendOne(run, entry.Adapter, agg, r) {
				t.Success++
			} else {
				t.Failed++
			}
		}
	}

	e.metrics.Fanout("poll", time.Since(started).Seconds())
	span.SetAttributes(attribute.Int("success", t.Success), attribute.Int("failed", t.Failed))
	e.log.Info("poll broadcast finished",
		logx.String("poll", pollID), logx.String("by_tenant", initiator.TenantID), logx.String("by", initiator.UserID),
		logx.Int("success", t.Success), logx.Int("failed", t.Failed))
	return t, nil
}

func (e *Engine) sendOne(ctx context.Context, a transport.Adapter, agg aggregate, r storage.Recipient) bool {
	log := e.log.With(logx.String("poll", agg.id), logx.String("tenant", r.TenantID), logx.String("user", r.UserID))
	ch, ok := broadcast.ResolveChannel(ctx, e.store, a, r, log)
	if !ok {
		return false
	}
	viewer := storage.Identity{TenantID: r.TenantID, UserID: r.UserID}
	s, err := e.forViewer(ctx, agg, viewer)
	if err != nil {
		log.Warn("render poll failed", logx.Err(err))
		return false
	}
	ref, err := a.Send(ctx, ch, Render(s, viewer))
	if err != nil {
		log.Warn("send poll failed", logx.String("reason", transport.Reason(err)))
		return false
	}
	if ref != "" {
		if err := e.store.SavePlacement(ctx, storage.Placement{
			PollID: agg.id, TenantID: r.TenantID, UserID: r.UserID, Channel: ch, MessageRef: ref,
		}); err != nil {
			log.Error("save placement failed", logx.Err(err))
		}
	}
	return true
}

// PropagateUpdate re-renders every placed message of the poll for its own
// viewer. Placements whose tenant is not registered count as failures.
func (e *Engine) PropagateUpdate(ctx context.Context, pollID string) (Tally, error) {
	ctx, span := e.tracer.Start(ctx, "poll.propagate", trace.WithAttributes(attribute.String("poll", pollID)))
	defer span.End()
	started := time.Now()

	placements, err := e.store.Placements(ctx, pollID)
	if err != nil {
		span.RecordError(err)
		return Tally{}, fmt.Errorf("load placements: %w", err)
	}
	agg, err := e.load(ctx, pollID)
	if err != nil {
		span.RecordError(err)
		return Tally{}, err
	}

	run := context.WithoutCancel(ctx)
	var t Tally
	for _, p := range placements {
		ok := e.updateOne(run, agg, p)
		e.metrics.PollUpdate(ok)
		if ok {
			t.Success++
		} else {
			t.Failed++
		}
	}
	e.metrics.Fanout("poll_update", time.Since(started).Seconds())
	span.SetAttributes(attribute.Int("success", t.Success), attribute.Int("failed", t.Failed))
	e.log.Debug("poll messages updated",
		logx.String("poll", pollID), logx.Int("success", t.Success), logx.Int("failed", t.Failed))
	return t, nil
}

func (e *Engine) updateOne(ctx context.Context, agg aggregate, p storage.Placement) bool {
	log := e.log.With(logx.String("poll", p.PollID), logx.String("tenant", p.TenantID), logx.String("user", p.UserID))
	a, ok := e.reg.Get(p.TenantID)
	if !ok {
		log.Warn("placement tenant unreachable")
		return false
	}
	viewer := storage.Identity{TenantID: p.TenantID, UserID: p.UserID}
	s, err := e.forViewer(ctx, agg, viewer)
	if err != nil {
		log.Warn("render poll failed", logx.Err(err))
		return false
	}
	if err := a.Update(ctx, p.Channel, p.MessageRef, Render(s, viewer)); err != nil {
		log.Warn("update poll message failed", logx.String("reason", transport.Reason(err)))
		return false
	}
	return true
}

// RefreshSingle re-renders one message for its viewer and records it as that
// viewer's placement. The placement is saved even when the update fails, so a
// message reposted under a new handle is the one later updates target.
func (e *Engine) RefreshSingle(ctx context.Context, pollID, tenant, user, channel, messageRef string) bool {
	agg, err := e.load(ctx, pollID)
	if err != nil {
		e.log.Warn("refresh: load poll failed", logx.String("poll", pollID), logx.Err(err))
		return false
	}
	run := context.WithoutCancel(ctx)
	p := storage.Placement{PollID: pollID, TenantID: tenant, UserID: user, Channel: channel, MessageRef: messageRef}
	ok := e.updateOne(run, agg, p)
	e.metrics.PollUpdate(ok)
	if err := e.store.SavePlacement(run, p); err != nil {
		e.log.Error("save placement failed", logx.String("poll", pollID), logx.Err(err))
	}
	return ok
}
