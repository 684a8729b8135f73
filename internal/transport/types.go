package transport

import (
	"context"
	"errors"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateAction  UpdateKind = "action"
)

// Update is a platform-neutral inbound event. TenantID is stamped by the
// adapter that produced it.
type Update struct {
	Kind     UpdateKind
	TenantID string
	Message  *Message
	Action   *Action
}

// Message is a direct message sent to the bot.
type Message struct {
	UserID    string
	Channel   string
	Timestamp string
	Text      string
	// Private is false for group/channel messages; the router ignores those.
	Private bool
	FromBot bool
}

// Action is a button press on a message previously posted by the bot.
type Action struct {
	// ID is an adapter-specific callback id (Telegram callback query id).
	ID         string
	UserID     string
	ActionID   string
	Value      string
	ActionTime string
	Channel    string
	MessageRef string
}

// Profile is best-effort user metadata fetched when a user opts in.
type Profile struct {
	Name        string
	DisplayName string
	RealName    string
}

// ---- Outbound ----

type BlockKind string

const (
	BlockSection BlockKind = "section"
	BlockActions BlockKind = "actions"
	BlockContext BlockKind = "context"
	BlockDivider BlockKind = "divider"
)

type ButtonStyle string

const (
	StyleDefault ButtonStyle = ""
	StylePrimary ButtonStyle = "primary"
	StyleDanger  ButtonStyle = "danger"
)

type Button struct {
	Label    string
	ActionID string
	Value    string
	Style    ButtonStyle
}

// Block is one rendered unit of a rich message. Text uses a small markup
// shared by all adapters: *bold* and <@user> mentions.
type Block struct {
	Kind      BlockKind
	Text      string
	Accessory *Button  // section only
	Buttons   []Button // actions only
}

// Payload is a rendered message: fallback text plus rich blocks.
type Payload struct {
	Text   string
	Blocks []Block
}

func Section(text string) Block { return Block{Kind: BlockSection, Text: text} }

func Context(text string) Block { return Block{Kind: BlockContext, Text: text} }

func Divider() Block { return Block{Kind: BlockDivider} }

func Actions(buttons ...Button) Block { return Block{Kind: BlockActions, Buttons: buttons} }

// Mention renders a user reference in block markup.
func Mention(userID string) string { return "<@" + userID + ">" }

// ---- Adapter ----

// Adapter is one authenticated connection to a messaging platform.
// Every call is a fallible remote call.
type Adapter interface {
	Platform() string

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	OpenPrivateChannel(ctx context.Context, userID string) (string, error)
	Send(ctx context.Context, channel string, p Payload) (messageRef string, err error)
	Update(ctx context.Context, channel, messageRef string, p Payload) error
}

// ProfileFetcher is implemented by adapters that can look up user profiles.
type ProfileFetcher interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// CallbackAnswerer is implemented by adapters that must acknowledge button
// presses (Telegram shows a spinner until answered).
type CallbackAnswerer interface {
	AnswerAction(ctx context.Context, a *Action, text string) error
}

var ErrNotStarted = errors.New("transport not started")

// RejectedError carries the platform's own error string.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string { return e.Reason }
func (e *RejectedError) Unwrap() error { return e.Err }

// Reason extracts the verbatim platform reason from err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var re *RejectedError
	if errors.As(err, &re) && re.Reason != "" {
		return re.Reason
	}
	return err.Error()
}
