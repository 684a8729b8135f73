package telegram

import (
	"errors"
	"strings"
	"testing"

	kit "babbell/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

func TestRenderPayloadBlocksAndKeyboard(t *testing.T) {
	p := kit.Payload{
		Text: "fallback",
		Blocks: []kit.Block{
			kit.Section("*Poll* by <@42>"),
			{Kind: kit.BlockSection, Text: "📍 *Hall* (1 votes)", Accessory: &kit.Button{Label: "Vote", ActionID: "poll_vote_p1", Value: "0"}},
			kit.Context("Total voters: 1"),
			kit.Divider(),
			kit.Actions(kit.Button{Label: "🔄 Refresh results", ActionID: "poll_refresh_p1"}),
		},
	}
	text, rm := renderPayload(p)

	assert.Contains(t, text, `<b>Poll</b> by <a href="tg://user?id=42">@42</a>`)
	assert.Contains(t, text, "<i>Total voters: 1</i>")
	assert.NotContains(t, text, "fallback")
	require.NotNil(t, rm)
	require.Len(t, rm.InlineKeyboard, 2)
	assert.Equal(t, "poll_vote_p1|0", rm.InlineKeyboard[0][0].Data)
	assert.Equal(t, "poll_refresh_p1|", rm.InlineKeyboard[1][0].Data)
}

func TestRenderPayloadPlainText(t *testing.T) {
	text, rm := renderPayload(kit.Payload{Text: "a < b"})
	assert.Equal(t, "a &lt; b", text)
	assert.Nil(t, rm)
}

func TestRenderDropsOversizedCallbackData(t *testing.T) {
	_, rm := renderPayload(kit.Payload{Blocks: []kit.Block{
		kit.Actions(kit.Button{Label: "x", ActionID: strings.Repeat("a", 70)}),
	}})
	assert.Nil(t, rm)
}

func TestCallbackUpdate(t *testing.T) {
	cb := &tele.Callback{
		ID:      "cb1",
		Sender:  &tele.User{ID: 7},
		Message: &tele.Message{ID: 99, Chat: &tele.Chat{ID: 7}},
		Data:    "poll_vote_p1|2",
	}
	up, ok := callbackUpdate("globex", cb)
	require.True(t, ok)
	assert.Equal(t, kit.UpdateAction, up.Kind)
	assert.Equal(t, "globex", up.TenantID)
	assert.Equal(t, "poll_vote_p1", up.Action.ActionID)
	assert.Equal(t, "2", up.Action.Value)
	assert.Equal(t, "7", up.Action.UserID)
	assert.Equal(t, "99", up.Action.MessageRef)

	_, ok = callbackUpdate("globex", &tele.Callback{ID: "x"})
	assert.False(t, ok)
}

func TestMessageUpdate(t *testing.T) {
	m := &tele.Message{
		ID:     5,
		Text:   "hi",
		Sender: &tele.User{ID: 7},
		Chat:   &tele.Chat{ID: 7, Type: tele.ChatPrivate},
	}
	up, ok := messageUpdate("globex", m)
	require.True(t, ok)
	assert.True(t, up.Message.Private)
	assert.Equal(t, "7", up.Message.Channel)

	m.Chat = &tele.Chat{ID: -100, Type: tele.ChatGroup}
	up, _ = messageUpdate("globex", m)
	assert.False(t, up.Message.Private)
}

func TestRejectedKeepsDescription(t *testing.T) {
	err := rejected(&tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"})
	assert.Equal(t, "Forbidden: bot was blocked by the user", kit.Reason(err))

	err = rejected(errors.New("telegram: chat not found (400)"))
	assert.Equal(t, "chat not found (400)", kit.Reason(err))
}

func TestSplitTelegramText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitTelegramText("short", 10))

	in := strings.Repeat("line\n", 10)
	chunks := splitTelegramText(in, 12)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 12)
		assert.False(t, strings.HasSuffix(c, "\n"))
	}

	chunks = splitTelegramText("aaaaaaa<b>bb</b>", 9)
	assert.Equal(t, "aaaaaaa", chunks[0])
}
