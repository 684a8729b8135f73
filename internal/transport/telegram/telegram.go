package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "babbell/internal/runtime/supervisor"
	kit "babbell/internal/transport"
	"babbell/pkg/logx"
	"babbell/pkg/tgui"

	tele "gopkg.in/telebot.v4"
)

const Platform = "telegram"

type Config struct {
	TenantID    string
	Token       string
	PollTimeout time.Duration
}

// Adapter is a long-polling Telegram bot bound to one tenant.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop, the drop reporter and the stop watcher.
	sup *rtsup.Supervisor

	droppedUpdates atomic.Uint64
}

var (
	_ kit.Adapter          = (*Adapter)(nil)
	_ kit.ProfileFetcher   = (*Adapter)(nil)
	_ kit.CallbackAnswerer = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram"), logx.String("tenant", cfg.TenantID))

	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		OnError: func(err error, _ tele.Context) {
			log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) Platform() string { return Platform }

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if up, ok := messageUpdate(a.cfg.TenantID, c.Message()); ok {
			a.sendUpdate(up)
		}
		return nil
	})
	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		if up, ok := callbackUpdate(a.cfg.TenantID, c.Callback()); ok {
			a.sendUpdate(up)
		}
		return nil
	})
}

func messageUpdate(tenant string, m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Sender == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	return kit.Update{
		Kind:     kit.UpdateMessage,
		TenantID: tenant,
		Message: &kit.Message{
			UserID:    strconv.FormatInt(m.Sender.ID, 10),
			Channel:   strconv.FormatInt(m.Chat.ID, 10),
			Timestamp: strconv.Itoa(m.ID),
			Text:      m.Text,
			Private:   m.Chat.Type == tele.ChatPrivate,
			FromBot:   m.Sender.IsBot,
		},
	}, true
}

func callbackUpdate(tenant string, cb *tele.Callback) (kit.Update, bool) {
	if cb == nil || cb.Sender == nil || cb.Message == nil || cb.Message.Chat == nil {
		return kit.Update{}, false
	}
	actionID, value := tgui.SplitData(cb.Data)
	if actionID == "" {
		return kit.Update{}, false
	}
	return kit.Update{
		Kind:     kit.UpdateAction,
		TenantID: tenant,
		Action: &kit.Action{
			ID:       cb.ID,
			UserID:   strconv.FormatInt(cb.Sender.ID, 10),
			ActionID: actionID,
			Value:    value,
			// Telegram has no action timestamp; the callback id is unique per press.
			ActionTime: cb.ID,
			Channel:    strconv.FormatInt(cb.Message.Chat.ID, 10),
			MessageRef: strconv.Itoa(cb.Message.ID),
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

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// adapter errors should not take down the whole app.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-ticker.C:
				a.reportDrops(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		// Stop blocks until the poll loop acknowledges; it may already be gone.
		go a.bot.Stop()
	})

	// bot.Start can return on its own in some failure modes; restart it.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishErrors(),
		rtsup.WithRestartOnCleanExit(),
	)
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", capacity))
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
	sup.Cancel()

	// Grace window: getUpdates may still be waiting on its long poll.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// OpenPrivateChannel resolves the private chat with userID. For Telegram the
// private chat id equals the user id, but the bot can only write to users who
// started it, so the chat is looked up.
func (a *Adapter) OpenPrivateChannel(ctx context.Context, userID string) (string, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return "", &kit.RejectedError{Reason: "invalid_user_id", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	chat, err := a.bot.ChatByID(id)
	if err != nil {
		return "", rejected(err)
	}
	return strconv.FormatInt(chat.ID, 10), nil
}

func (a *Adapter) Send(ctx context.Context, channel string, p kit.Payload) (string, error) {
	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return "", &kit.RejectedError{Reason: "invalid_channel", Err: err}
	}
	text, markup := renderPayload(p)
	chunks := splitTelegramText(text, telegramTextLimit)
	chat := &tele.Chat{ID: chatID}

	var first string
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		opt := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
		// Buttons belong to the last chunk so they sit under the full text.
		if i == len(chunks)-1 && markup != nil {
			opt.ReplyMarkup = markup
		}
		msg, err := a.bot.Send(chat, chunk, opt)
		if err != nil {
			return first, rejected(err)
		}
		if i == 0 {
			first = strconv.Itoa(msg.ID)
		}
	}
	return first, nil
}

// Update edits a message in place. Text beyond one message is cut because an
// edited poll must stay a single message.
func (a *Adapter) Update(ctx context.Context, channel, messageRef string, p kit.Payload) error {
	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return &kit.RejectedError{Reason: "invalid_channel", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	text, markup := renderPayload(p)
	text = splitTelegramText(text, telegramTextLimit)[0]
	opt := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true, ReplyMarkup: markup}
	_, err = a.bot.Edit(&tele.StoredMessage{MessageID: messageRef, ChatID: chatID}, text, opt)
	if err != nil && !notModified(err) {
		return rejected(err)
	}
	return nil
}

func (a *Adapter) AnswerAction(ctx context.Context, act *kit.Action, text string) error {
	if act == nil || act.ID == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: act.ID}, &tele.CallbackResponse{Text: text})
}

func (a *Adapter) Profile(ctx context.Context, userID string) (kit.Profile, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return kit.Profile{}, err
	}
	if err := ctx.Err(); err != nil {
		return kit.Profile{}, err
	}
	chat, err := a.bot.ChatByID(id)
	if err != nil {
		return kit.Profile{}, rejected(err)
	}
	full := strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	return kit.Profile{Name: chat.Username, DisplayName: chat.FirstName, RealName: full}, nil
}

// rejected wraps a Bot API error keeping Telegram's description verbatim.
func rejected(err error) error {
	var te *tele.Error
	if errors.As(err, &te) && te.Description != "" {
		return &kit.RejectedError{Reason: te.Description, Err: err}
	}
	return &kit.RejectedError{Reason: strings.TrimPrefix(err.Error(), "telegram: "), Err: err}
}

func notModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
