// Package buttons is the catalog of bell buttons and the keyboard message
// that carries them.
//
// To add a button, add a Definition to catalog and, if it should appear on
// the keyboard, to one of the row lists.
package buttons

import (
	"strings"

	"babbell/internal/transport"
)

const ActionPrefix = "babbell_"

const (
	Now       = "NOW"
	In5       = "IN_5"
	Cancel    = "CANCEL"
	Snack     = "SNACK"
	StartPoll = "START_POLL"
	OptOut    = "OPT_OUT"
)

type Definition struct {
	Value    string
	Label    string
	Template string

	// Broadcast buttons fan Template out to the presser's tenant.
	Broadcast   bool
	IncludeMenu bool
	Style       transport.ButtonStyle
}

var catalog = map[string]Definition{
	Now: {
		Value:       Now,
		Label:       "Lunch now",
		Template:    "🍴 Meal bell: heading out for food right now.",
		Broadcast:   true,
		IncludeMenu: true,
		Style:       transport.StylePrimary,
	},
	In5: {
		Value:       In5,
		Label:       "Lunch in 5",
		Template:    "🍴 Meal bell: heading out for food in 5 minutes.",
		Broadcast:   true,
		IncludeMenu: true,
	},
	Cancel: {
		Value:     Cancel,
		Label:     "Cancel",
		Template:  "🍴 Meal bell: never mind, the meal run is cancelled.",
		Broadcast: true,
	},
	Snack: {
		Value:     Snack,
		Label:     "Snacks",
		Template:  "🍴 Meal bell: snacks in the lounge, come grab some. 🍕🍗",
		Broadcast: true,
	},
	StartPoll: {
		Value: StartPoll,
		Label: "🗳️ Start lunch poll",
		Style: transport.StylePrimary,
	},
	OptOut: {
		Value: OptOut,
		Label: "Unsubscribe",
		Style: transport.StyleDanger,
	},
}

var (
	broadcastRow = []string{Now, In5, Cancel, Snack}
	pollRow      = []string{StartPoll}
)

func ActionID(value string) string { return ActionPrefix + value }

// IsButtonAction reports whether actionID belongs to a catalog button.
func IsButtonAction(actionID string) bool { return strings.HasPrefix(actionID, ActionPrefix) }

func Get(value string) (Definition, bool) {
	d, ok := catalog[value]
	return d, ok
}

func (d Definition) Button() transport.Button {
	return transport.Button{Label: d.Label, ActionID: ActionID(d.Value), Value: d.Value, Style: d.Style}
}

func row(values []string) transport.Block {
	btns := make([]transport.Button, 0, len(values))
	for _, v := range values {
		btns = append(btns, catalog[v].Button())
	}
	return transport.Actions(btns...)
}

// KeyboardBlocks returns the button keyboard shown after every DM.
func KeyboardBlocks() []transport.Block {
	return []transport.Block{
		transport.Section("🔔 *BabBell*: press a button to ring everyone."),
		row(broadcastRow),
		row(pollRow),
		transport.Divider(),
		transport.Context("Press the button below to stop receiving bells."),
		row([]string{OptOut}),
	}
}

func Keyboard() transport.Payload {
	return transport.Payload{Text: "BabBell buttons", Blocks: KeyboardBlocks()}
}

// Welcome is the keyboard prefixed with a subscription confirmation.
func Welcome() transport.Payload {
	blocks := []transport.Block{
		transport.Section("✅ *Subscribed!* You will now receive meal bells."),
		transport.Divider(),
	}
	return transport.Payload{
		Text:   "Subscribed! You will now receive meal bells.",
		Blocks: append(blocks, KeyboardBlocks()...),
	}
}
