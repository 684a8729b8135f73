package router

import (
	"context"
	"errors"
	"fmt"

	"babbell/internal/admission"
	"babbell/internal/broadcast"
	"babbell/internal/buttons"
	"babbell/internal/menu"
	"babbell/internal/poll"
	"babbell/internal/storage"
	"babbell/internal/transport"
	logx "babbell/pkg/logx"
)

const (
	msgAlreadyProcessed = "⚠️ This request was already processed."
	msgUnknownButton    = "❓ Unknown button."
	msgOptedOut         = "👋 Unsubscribed. Send me any message to start receiving bells again."
	msgPollClosed       = "🔒 This poll has already closed."
	msgFailed           = "❌ Something went wrong. Please try again."
)

func cooldownText(remaining int) string {
	return fmt.Sprintf("⏳ Cooling down. Try again in %d seconds.", remaining)
}

func broadcastSummary(label string, o broadcast.Outcome) string {
	if o.Failed() == 0 {
		return fmt.Sprintf("✅ Broadcast sent!\n• Action: %s\n• Delivered: %d", label, o.Success)
	}
	return fmt.Sprintf("⚠️ Broadcast sent (some failed)\n• Action: %s\n• Delivered: %d\n• Failed: %d", label, o.Success, o.Failed())
}

func pollSummary(t poll.Tally) string {
	return fmt.Sprintf("🗳️ Poll started!\n• Delivered: %d\n• Failed: %d", t.Success, t.Failed)
}

// reply sends a plain DM to the requesting user.
func (r *Router) reply(ctx context.Context, req *Request, text string) {
	if !r.Sender.SendDirect(ctx, req.TenantID, req.UserID, transport.Payload{Text: text, Blocks: []transport.Block{transport.Section(text)}}) {
		req.Logger.Warn("reply not delivered", logx.String("text", text))
	}
}

// answer stops the platform's pending-button indicator where one exists.
func (r *Router) answer(ctx context.Context, req *Request, text string) {
	ca, ok := req.Adapter.(transport.CallbackAnswerer)
	if !ok || req.Update.Action == nil {
		return
	}
	if err := ca.AnswerAction(ctx, req.Update.Action, text); err != nil {
		req.Logger.Debug("answer action failed", logx.Err(err))
	}
}

// handleMessage subscribes the sender and replies with the keyboard. First
// subscriptions and re-subscriptions get a confirmation header.
func (r *Router) handleMessage(ctx context.Context, req *Request) error {
	m := req.Update.Message
	existing, found, err := r.Store.Recipient(ctx, req.TenantID, req.UserID)
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	wasSubscribed := found && existing.Subscribed

	rec := storage.Recipient{TenantID: req.TenantID, UserID: req.UserID, Channel: m.Channel, Subscribed: true}
	if pf, ok := req.Adapter.(transport.ProfileFetcher); ok {
		p, err := pf.Profile(ctx, req.UserID)
		if err != nil {
			req.Logger.Debug("profile lookup failed", logx.Err(err))
		} else {
			rec.Name, rec.DisplayName, rec.RealName = p.Name, p.DisplayName, p.RealName
		}
	}
	if err := r.Store.UpsertRecipient(ctx, rec); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if !wasSubscribed {
		req.Logger.Info("recipient subscribed")
	}

	payload := buttons.Keyboard()
	if !wasSubscribed {
		payload = buttons.Welcome()
	}
	if _, err := req.Adapter.Send(ctx, m.Channel, payload); err != nil {
		return fmt.Errorf("send keyboard: %w", err)
	}
	return nil
}

func (r *Router) handleButton(ctx context.Context, req *Request) error {
	act := req.Update.Action
	r.answer(ctx, req, "")

	fp := admission.Fingerprint{
		MessageTS:  act.MessageRef,
		UserID:     admission.UserKey(req.TenantID, req.UserID),
		ActionID:   act.ActionID,
		Value:      act.Value,
		ActionTime: act.ActionTime,
	}
	if r.Gate.CheckDuplicate(fp) {
		r.Metrics.Rejected("duplicate")
		req.Logger.Info("duplicate action ignored", logx.String("action", act.ActionID))
		r.reply(ctx, req, msgAlreadyProcessed)
		return nil
	}

	def, ok := buttons.Get(act.Value)
	if !buttons.IsButtonAction(act.ActionID) || !ok {
		req.Logger.Warn("unknown action", logx.String("action", act.ActionID), logx.String("value", act.Value))
		r.reply(ctx, req, msgUnknownButton)
		return nil
	}

	switch {
	case def.Value == buttons.OptOut:
		return r.optOut(ctx, req)
	case def.Value == buttons.StartPoll:
		return r.startPoll(ctx, req)
	case def.Broadcast:
		return r.ring(ctx, req, def)
	}
	return nil
}

func (r *Router) optOut(ctx context.Context, req *Request) error {
	if err := r.Store.Unsubscribe(ctx, req.TenantID, req.UserID); err != nil {
		r.reply(ctx, req, msgFailed)
		return fmt.Errorf("unsubscribe: %w", err)
	}
	req.Logger.Info("recipient opted out")
	r.reply(ctx, req, msgOptedOut)
	return nil
}

// onCooldown replies with the remaining wait when the user pressed action too
// recently.
func (r *Router) onCooldown(ctx context.Context, req *Request, action string) bool {
	on, remaining := r.Gate.CheckCooldown(admission.UserKey(req.TenantID, req.UserID), action)
	if !on {
		return false
	}
	r.Metrics.Rejected("cooldown")
	req.Logger.Info("action on cooldown", logx.String("action", action), logx.Int("remaining_s", remaining))
	r.reply(ctx, req, cooldownText(remaining))
	return true
}

// BellPayload renders the broadcast message for a bell button. When the
// button carries the menu and src is enabled, today's menu is appended and
// its JSON form is returned for the broadcast record (empty on fetch failure).
func BellPayload(ctx context.Context, def buttons.Definition, src MenuSource) (transport.Payload, string) {
	payload := transport.Payload{Text: def.Template, Blocks: []transport.Block{transport.Section(def.Template)}}
	if !def.IncludeMenu || src == nil || !src.Enabled() {
		return payload, ""
	}
	today := src.Fetch(ctx)
	payload.Blocks = append(payload.Blocks, transport.Divider())
	payload.Blocks = append(payload.Blocks, menu.Blocks(today)...)
	payload.Text += "\n\n" + menu.Text(today)
	if !today.OK() {
		return payload, ""
	}
	return payload, menu.JSON(today)
}

// ring broadcasts a bell button to the presser's tenant and DMs a summary.
func (r *Router) ring(ctx context.Context, req *Request, def buttons.Definition) error {
	if r.onCooldown(ctx, req, def.Value) {
		return nil
	}

	payload, menuJSON := BellPayload(ctx, def, r.Menu)
	out, err := r.Sender.Broadcast(ctx, broadcast.Request{
		Tenant:    req.TenantID,
		Action:    def.Value,
		Payload:   payload,
		Initiator: broadcast.Initiator{TenantID: req.TenantID, UserID: req.UserID},
		MenuJSON:  menuJSON,
	})
	if err != nil {
		r.reply(ctx, req, msgFailed)
		return err
	}
	r.reply(ctx, req, broadcastSummary(def.Label, out))
	return nil
}

// startPoll creates a poll, sends it to every tenant and DMs a summary.
func (r *Router) startPoll(ctx context.Context, req *Request) error {
	if r.onCooldown(ctx, req, buttons.StartPoll) {
		return nil
	}
	id, err := r.Polls.Create(ctx)
	if err != nil {
		r.reply(ctx, req, msgFailed)
		return err
	}
	tally, err := r.Polls.BroadcastNewPoll(ctx, id, storage.Identity{TenantID: req.TenantID, UserID: req.UserID})
	if err != nil {
		r.reply(ctx, req, msgFailed)
		return err
	}
	r.reply(ctx, req, pollSummary(tally))
	return nil
}

func (r *Router) handleVote(ctx context.Context, req *Request) error {
	act := req.Update.Action
	r.answer(ctx, req, "")

	pollID, _ := poll.ParseVote(act.ActionID)
	choice, ok := r.Polls.ChoiceFor(act.Value)
	if !ok {
		req.Logger.Warn("invalid poll vote", logx.String("action", act.ActionID), logx.String("value", act.Value))
		return nil
	}
	_, err := r.Polls.ToggleVote(ctx, pollID, req.TenantID, req.UserID, choice)
	switch {
	case errors.Is(err, poll.ErrPollClosed):
		r.reply(ctx, req, msgPollClosed)
		return nil
	case errors.Is(err, poll.ErrPollNotFound), errors.Is(err, poll.ErrUnknownChoice):
		req.Logger.Warn("vote rejected", logx.String("poll", pollID), logx.Err(err))
		return nil
	case err != nil:
		return err
	}
	_, err = r.Polls.PropagateUpdate(ctx, pollID)
	return err
}

func (r *Router) handleRefresh(ctx context.Context, req *Request) error {
	act := req.Update.Action
	r.answer(ctx, req, "")

	pollID, _ := poll.ParseRefresh(act.ActionID)
	if act.Channel == "" || act.MessageRef == "" {
		req.Logger.Warn("refresh without message reference", logx.String("poll", pollID))
		return nil
	}
	r.Polls.RefreshSingle(ctx, pollID, req.TenantID, req.UserID, act.Channel, act.MessageRef)
	return nil
}
