package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	kit "babbell/internal/transport"
	"babbell/pkg/logx"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI answers Web API methods by name with canned JSON bodies.
func fakeAPI(t *testing.T, replies map[string]string) *Adapter {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := strings.TrimPrefix(r.URL.Path, "/")
		body, ok := replies[method]
		if !ok {
			body = `{"ok":false,"error":"unknown_method"}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	a, err := New(Config{TenantID: "acme", BotToken: "xoxb-test", APIURL: srv.URL + "/"}, logx.Nop())
	require.NoError(t, err)
	return a
}

func TestNewRejectsBadToken(t *testing.T) {
	_, err := New(Config{BotToken: "xoxp-user"}, logx.Nop())
	require.Error(t, err)
}

func TestSendReturnsTimestamp(t *testing.T) {
	a := fakeAPI(t, map[string]string{
		"conversations.open": `{"ok":true,"channel":{"id":"D1"}}`,
		"chat.postMessage":   `{"ok":true,"channel":"D1","ts":"1700000000.000100"}`,
		"chat.update":        `{"ok":true,"channel":"D1","ts":"1700000000.000100","text":"x"}`,
	})
	ctx := context.Background()

	ch, err := a.OpenPrivateChannel(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "D1", ch)

	ts, err := a.Send(ctx, ch, kit.Payload{Text: "hi", Blocks: []kit.Block{kit.Section("*hi*")}})
	require.NoError(t, err)
	assert.Equal(t, "1700000000.000100", ts)

	require.NoError(t, a.Update(ctx, ch, ts, kit.Payload{Text: "hi again"}))
}

func TestSendKeepsSlackErrorVerbatim(t *testing.T) {
	a := fakeAPI(t, map[string]string{
		"chat.postMessage":   `{"ok":false,"error":"is_archived"}`,
		"conversations.open": `{"ok":false,"error":"user_not_found"}`,
	})
	ctx := context.Background()

	_, err := a.Send(ctx, "D1", kit.Payload{Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, "is_archived", kit.Reason(err))

	_, err = a.OpenPrivateChannel(ctx, "U404")
	assert.Equal(t, "user_not_found", kit.Reason(err))
}

func TestProfile(t *testing.T) {
	a := fakeAPI(t, map[string]string{
		"users.info": `{"ok":true,"user":{"id":"U1","name":"ann","real_name":"Ann Lee","profile":{"display_name":"annie"}}}`,
	})
	p, err := a.Profile(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, kit.Profile{Name: "ann", DisplayName: "annie", RealName: "Ann Lee"}, p)
}

func TestBlocksConversion(t *testing.T) {
	out := blocks([]kit.Block{
		{Kind: kit.BlockSection, Text: "📍 *Hall*", Accessory: &kit.Button{Label: "✓ Un-vote", ActionID: "poll_vote_p1", Value: "0", Style: kit.StyleDanger}},
		kit.Context("Total voters: 1"),
		kit.Divider(),
		kit.Actions(),
		kit.Actions(kit.Button{Label: "🔄 Refresh results", ActionID: "poll_refresh_p1"}),
	})
	require.Len(t, out, 4)

	sec, ok := out[0].(*slack.SectionBlock)
	require.True(t, ok)
	assert.Equal(t, slack.MarkdownType, sec.Text.Type)
	require.NotNil(t, sec.Accessory)
	assert.Equal(t, slack.StyleDanger, sec.Accessory.ButtonElement.Style)
	assert.Equal(t, "0", sec.Accessory.ButtonElement.Value)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"action_id":"poll_refresh_p1"`)
	assert.Contains(t, string(raw), `"type":"divider"`)
}

func TestMessageUpdateFiltersSubtypes(t *testing.T) {
	up, ok := messageUpdate("acme", &slackevents.MessageEvent{User: "U1", Channel: "D1", ChannelType: "im", Text: "hi", TimeStamp: "1.0"})
	require.True(t, ok)
	assert.True(t, up.Message.Private)
	assert.Equal(t, "acme", up.TenantID)

	_, ok = messageUpdate("acme", &slackevents.MessageEvent{User: "U1", SubType: "message_changed"})
	assert.False(t, ok)

	up, ok = messageUpdate("acme", &slackevents.MessageEvent{User: "U1", ChannelType: "channel"})
	require.True(t, ok)
	assert.False(t, up.Message.Private)
}

func TestActionUpdate(t *testing.T) {
	cb := slack.InteractionCallback{
		Type:      slack.InteractionTypeBlockActions,
		User:      slack.User{ID: "U1"},
		Container: slack.Container{MessageTs: "1.0", ChannelID: "D1"},
		ActionCallback: slack.ActionCallbacks{BlockActions: []*slack.BlockAction{
			{ActionID: "babbell_NOW", Value: "NOW", ActionTs: "2.0"},
		}},
	}
	up, ok := actionUpdate("acme", cb)
	require.True(t, ok)
	assert.Equal(t, &kit.Action{UserID: "U1", ActionID: "babbell_NOW", Value: "NOW", ActionTime: "2.0", Channel: "D1", MessageRef: "1.0"}, up.Action)

	cb.ActionCallback.BlockActions = nil
	_, ok = actionUpdate("acme", cb)
	assert.False(t, ok)
}
