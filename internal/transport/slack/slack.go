// Package slack connects one Slack workspace through the Web API for outbound
// calls and Socket Mode for inbound events.
package slack

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "babbell/internal/runtime/supervisor"
	kit "babbell/internal/transport"
	"babbell/pkg/logx"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const Platform = "slack"

type Config struct {
	TenantID string
	BotToken string
	AppToken string
	// APIURL overrides the Web API base URL (must end with "/").
	APIURL string
}

type Adapter struct {
	cfg Config
	log logx.Logger

	api *slack.Client
	sm  *socketmode.Client

	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64
}

var (
	_ kit.Adapter        = (*Adapter)(nil)
	_ kit.ProfileFetcher = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if !strings.HasPrefix(cfg.BotToken, "xoxb-") {
		return nil, errors.New("slack bot token must start with xoxb-")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := []slack.Option{}
	if cfg.AppToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(cfg.AppToken))
	}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	a := &Adapter{
		cfg: cfg,
		log: log.With(logx.String("comp", "slack"), logx.String("tenant", cfg.TenantID)),
		api: slack.New(cfg.BotToken, opts...),
	}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	return a, nil
}

func (a *Adapter) Platform() string { return Platform }

func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// Start connects Socket Mode. Without an app token the adapter is send-only.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	if !strings.HasPrefix(a.cfg.AppToken, "xapp-") {
		a.runMu.Unlock()
		a.log.Warn("no app token; inbound events disabled")
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sm = socketmode.New(a.api)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	sup, sm := a.sup, a.sm
	a.runMu.Unlock()

	sup.GoRestart("socketmode.run", sm.RunContext,
		rtsup.WithBackoff(time.Second, 30*time.Second),
		rtsup.WithPublishErrors(),
	)
	sup.Go0("socketmode.events", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				if n := a.droppedUpdates.Swap(0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
				}
			case evt, ok := <-sm.Events:
				if !ok {
					return
				}
				a.handleEvent(sm, evt)
			}
		}
	})
	return nil
}

func (a *Adapter) handleEvent(sm *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		a.log.Debug("socket mode connecting")
	case socketmode.EventTypeConnected:
		a.log.Info("socket mode connected")
	case socketmode.EventTypeConnectionError, socketmode.EventTypeInvalidAuth:
		a.log.Warn("socket mode connection problem", logx.String("type", string(evt.Type)))
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			sm.Ack(*evt.Request)
		}
		ev, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || ev.Type != slackevents.CallbackEvent {
			return
		}
		if me, ok := ev.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			if up, ok := messageUpdate(a.cfg.TenantID, me); ok {
				a.sendUpdate(up)
			}
		}
	case socketmode.EventTypeInteractive:
		if evt.Request != nil {
			sm.Ack(*evt.Request)
		}
		cb, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			return
		}
		if up, ok := actionUpdate(a.cfg.TenantID, cb); ok {
			a.sendUpdate(up)
		}
	}
}

func messageUpdate(tenant string, me *slackevents.MessageEvent) (kit.Update, bool) {
	if me == nil || me.User == "" || me.SubType != "" {
		return kit.Update{}, false
	}
	return kit.Update{
		Kind:     kit.UpdateMessage,
		TenantID: tenant,
		Message: &kit.Message{
			UserID:    me.User,
			Channel:   me.Channel,
			Timestamp: me.TimeStamp,
			Text:      me.Text,
			Private:   me.ChannelType == "im",
			FromBot:   me.BotID != "",
		},
	}, true
}

func actionUpdate(tenant string, cb slack.InteractionCallback) (kit.Update, bool) {
	if cb.Type != slack.InteractionTypeBlockActions || len(cb.ActionCallback.BlockActions) == 0 {
		return kit.Update{}, false
	}
	act := cb.ActionCallback.BlockActions[0]
	channel := cb.Container.ChannelID
	if channel == "" {
		channel = cb.Channel.ID
	}
	return kit.Update{
		Kind:     kit.UpdateAction,
		TenantID: tenant,
		Action: &kit.Action{
			UserID:     cb.User.ID,
			ActionID:   act.ActionID,
			Value:      act.Value,
			ActionTime: act.ActionTs,
			Channel:    channel,
			MessageRef: cb.Container.MessageTs,
		},
	}, true
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("slack stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) OpenPrivateChannel(ctx context.Context, userID string) (string, error) {
	ch, _, _, err := a.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{userID}})
	if err != nil {
		return "", rejected(err)
	}
	if ch == nil || ch.ID == "" {
		return "", &kit.RejectedError{Reason: "channel_not_found"}
	}
	return ch.ID, nil
}

func (a *Adapter) Send(ctx context.Context, channel string, p kit.Payload) (string, error) {
	_, ts, err := a.api.PostMessageContext(ctx, channel, msgOptions(p)...)
	if err != nil {
		return "", rejected(err)
	}
	return ts, nil
}

func (a *Adapter) Update(ctx context.Context, channel, messageRef string, p kit.Payload) error {
	if _, _, _, err := a.api.UpdateMessageContext(ctx, channel, messageRef, msgOptions(p)...); err != nil {
		return rejected(err)
	}
	return nil
}

func (a *Adapter) Profile(ctx context.Context, userID string) (kit.Profile, error) {
	u, err := a.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return kit.Profile{}, rejected(err)
	}
	return kit.Profile{Name: u.Name, DisplayName: u.Profile.DisplayName, RealName: u.RealName}, nil
}

// rejected keeps Slack's error code ("channel_not_found", "is_archived") verbatim.
func rejected(err error) error {
	var se slack.SlackErrorResponse
	if errors.As(err, &se) && se.Err != "" {
		return &kit.RejectedError{Reason: se.Err, Err: err}
	}
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return &kit.RejectedError{Reason: "ratelimited", Err: err}
	}
	return &kit.RejectedError{Reason: err.Error(), Err: err}
}
